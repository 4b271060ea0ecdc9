package coremerge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Canonicalize applies the C1 canonical-form rules (spec §4.1) to a single
// value: null/missing collapse to the same token, timestamps become
// millisecond-precision UTC ISO-8601, numbers round to 6 decimals (NaN/Inf
// become null), strings trim and lowercase, booleans pass through, and
// nested structures recurse while preserving array order.
func Canonicalize(v Value) Value {
	switch v.kind {
	case kindNull:
		return Null()
	case kindString:
		return StringValue(strings.ToLower(strings.TrimSpace(v.str)))
	case kindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return Null()
		}
		return NumberValue(roundTo(v.num, 6))
	case kindBool:
		return BoolValue(v.boo)
	case kindTime:
		return StringValue(v.ts.UTC().Format("2006-01-02T15:04:05.000Z"))
	case kindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = Canonicalize(e)
		}
		return ArrayValue(out)
	case kindObject:
		out := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			out[k] = Canonicalize(e)
		}
		return ObjectValue(out)
	default:
		return Null()
	}
}

func roundTo(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// canonicalJSON converts a canonicalized Value to a plain any tree of
// JSON-marshalable types (map[string]any/[]any/string/float64/bool/nil),
// since the fingerprint is defined over a JSON serialization with
// lexicographically-ordered keys.
func canonicalJSON(v Value) any {
	switch v.kind {
	case kindNull:
		return nil
	case kindString:
		return v.str
	case kindNumber:
		return v.num
	case kindBool:
		return v.boo
	case kindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = canonicalJSON(e)
		}
		return out
	case kindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = canonicalJSON(e)
		}
		return out
	default:
		return nil
	}
}

// Fingerprint serializes the subset of row covered by fields (canonicalized
// first) as a JSON object with lexicographically ordered keys, then returns
// the hex SHA-256 digest (spec §4.1). Two rows whose tracked-field
// canonical values are equal always yield identical fingerprints,
// regardless of field order or the values of fields outside the subset.
func Fingerprint(row Row, fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	// The key order of the serialized object comes from encoding/json,
	// which emits map keys in sorted order.
	obj := make(map[string]any, len(sorted))
	for _, f := range sorted {
		obj[f] = canonicalJSON(Canonicalize(row.Get(f)))
	}

	// json.Marshal on a map[string]any sorts keys lexicographically.
	b, err := json.Marshal(obj)
	if err != nil {
		// canonicalJSON only ever produces marshalable primitives;
		// this path is unreachable in practice.
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalEqual reports whether two values are equal after canonicalization,
// the "exact" comparison kind of spec §4.2.
func CanonicalEqual(a, b Value) bool {
	return canonicalJSONEqual(canonicalJSON(Canonicalize(a)), canonicalJSON(Canonicalize(b)))
}

func canonicalJSONEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// SignificantEqual implements the "significant" comparison kind: strings
// compare case-insensitively (already handled by Canonicalize's lowercase
// rule) and numbers compare within a 1e-4 tolerance.
func SignificantEqual(a, b Value) bool {
	ca, cb := Canonicalize(a), Canonicalize(b)
	if ca.kind == kindNumber && cb.kind == kindNumber {
		return math.Abs(ca.num-cb.num) <= 1e-4
	}
	return canonicalJSONEqual(canonicalJSON(ca), canonicalJSON(cb))
}
