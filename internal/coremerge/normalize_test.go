package coremerge_test

import (
	"math"
	"testing"
	"time"

	"github.com/steveyegge/coremerge/internal/coremerge"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeString(t *testing.T) {
	got := coremerge.Canonicalize(coremerge.StringValue("  Alice  "))
	want := coremerge.StringValue("alice")
	assert.True(t, coremerge.CanonicalEqual(got, want))
}

func TestCanonicalizeNumberRounding(t *testing.T) {
	got := coremerge.Canonicalize(coremerge.NumberValue(1.0000004999))
	assert.True(t, coremerge.CanonicalEqual(got, coremerge.NumberValue(1.0)))
}

func TestCanonicalizeNaNAndInfBecomeNull(t *testing.T) {
	tests := []struct {
		name string
		in   float64
	}{
		{"NaN", math.NaN()},
		{"+Inf", math.Inf(1)},
		{"-Inf", math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coremerge.Canonicalize(coremerge.NumberValue(tt.in))
			assert.True(t, got.IsNull())
		})
	}
}

func TestCanonicalizeTimestampFormat(t *testing.T) {
	ts := time.Date(2026, 3, 5, 12, 30, 0, 123_000_000, time.FixedZone("EST", -5*3600))
	got := coremerge.Canonicalize(coremerge.TimeValue(ts))
	want := coremerge.StringValue(ts.UTC().Format("2006-01-02T15:04:05.000Z"))
	assert.True(t, coremerge.CanonicalEqual(got, want))

	// a different instant must canonicalize to a different string.
	other := coremerge.Canonicalize(coremerge.TimeValue(ts.Add(time.Second)))
	assert.False(t, coremerge.CanonicalEqual(got, other))
}

func TestCanonicalEqualNullMissingSame(t *testing.T) {
	row := coremerge.Row{"present_null": coremerge.Null()}
	assert.True(t, coremerge.CanonicalEqual(row.Get("present_null"), row.Get("absent_field")))
}

func TestFingerprintIgnoresFieldOrderAndUntracked(t *testing.T) {
	a := coremerge.Row{
		"first_name": coremerge.StringValue("Alice"),
		"last_name":  coremerge.StringValue("Smith"),
		"notes":      coremerge.StringValue("ignored"),
	}
	b := coremerge.Row{
		"last_name":  coremerge.StringValue("smith"),
		"first_name": coremerge.StringValue(" alice "),
		"notes":      coremerge.StringValue("different, but untracked"),
	}
	fields := []string{"first_name", "last_name"}
	assert.Equal(t, coremerge.Fingerprint(a, fields), coremerge.Fingerprint(b, fields))
}

func TestFingerprintDiffersWhenTrackedFieldDiffers(t *testing.T) {
	a := coremerge.Row{"status": coremerge.StringValue("active")}
	b := coremerge.Row{"status": coremerge.StringValue("inactive")}
	fields := []string{"status"}
	assert.NotEqual(t, coremerge.Fingerprint(a, fields), coremerge.Fingerprint(b, fields))
}

func TestSignificantEqualNumericTolerance(t *testing.T) {
	assert.True(t, coremerge.SignificantEqual(coremerge.NumberValue(10.00005), coremerge.NumberValue(10.0)))
	assert.False(t, coremerge.SignificantEqual(coremerge.NumberValue(10.01), coremerge.NumberValue(10.0)))
}

func TestSignificantEqualCaseInsensitiveStrings(t *testing.T) {
	assert.True(t, coremerge.SignificantEqual(coremerge.StringValue("ACTIVE"), coremerge.StringValue("active")))
}
