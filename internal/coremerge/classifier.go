package coremerge

// RuleKind is a per-field comparison rule kind (spec §4.2).
type RuleKind string

const (
	RuleExact         RuleKind = "exact"
	RuleSignificant   RuleKind = "significant"
	RuleAlwaysVersion RuleKind = "always_version"
	RuleNeverVersion  RuleKind = "never_version"
)

// ComparisonRule is one field's entry in a dimension handler's
// comparisonRules (spec §4.3).
type ComparisonRule struct {
	Field  string
	Kind   RuleKind
	Weight float64
}

// ChangeType is C2's classification of one incoming row against its prior
// version (spec §4.2).
type ChangeType string

const (
	ChangeNew       ChangeType = "NEW"
	ChangeUpdated   ChangeType = "UPDATED"
	ChangeNoChange  ChangeType = "NO_CHANGE"
)

// FieldDiff records one field's before/after values and whether the rule
// covering it marks the field significant for versioning purposes.
type FieldDiff struct {
	Field       string
	Prior       Value
	Incoming    Value
	Significant bool
	RuleCovered bool
}

// Change is C2's output (spec §4.2).
type Change struct {
	Type              ChangeType
	AttributeChanges  []FieldDiff
	SignificanceScore float64
	Fingerprint       string
}

// Classifier implements C2 against one dimension handler's tracked fields,
// comparison rules, and change threshold.
type Classifier struct {
	TrackedFields   []string
	Rules           []ComparisonRule
	ChangeThreshold float64
	Strategy        string // "hash" (fingerprint fast path) or "field"
}

func (c *Classifier) ruleFor(field string) (ComparisonRule, bool) {
	for _, r := range c.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return ComparisonRule{}, false
}

// Classify implements the C2 algorithm (spec §4.2).
//
//   - prior == nil: NEW, score 1.0, no attribute changes.
//   - fingerprints match (hash strategy) or all tracked fields compare
//     equal under their rule (field strategy): no tracked-field changes —
//     still diff non-tracked fields so the caller can do an in-place
//     update, and return NO_CHANGE.
//   - otherwise: diff the union of fields present in prior/incoming,
//     weight the rule-covered diffs, and compare the significance score
//     against ChangeThreshold (always_version forces UPDATED regardless).
func (c *Classifier) Classify(prior *DimensionVersion, incoming Row) Change {
	fingerprint := Fingerprint(incoming, c.TrackedFields)

	if prior == nil {
		return Change{
			Type:              ChangeNew,
			SignificanceScore: 1.0,
			Fingerprint:       fingerprint,
		}
	}

	noTrackedChange := c.Strategy == "field" && c.allTrackedFieldsEqual(prior.Attributes, incoming)
	if c.Strategy != "field" {
		noTrackedChange = prior.Fingerprint == fingerprint
	}

	if noTrackedChange {
		diffs := c.diffNonTracked(prior.Attributes, incoming)
		return Change{
			Type:              ChangeNoChange,
			AttributeChanges:  diffs,
			SignificanceScore: 0,
			Fingerprint:       fingerprint,
		}
	}

	diffs, score, forcedUpdate := c.diffAll(prior.Attributes, incoming)

	changeType := ChangeNoChange
	if forcedUpdate || score >= c.ChangeThreshold {
		changeType = ChangeUpdated
	}

	return Change{
		Type:              changeType,
		AttributeChanges:  diffs,
		SignificanceScore: score,
		Fingerprint:       fingerprint,
	}
}

func (c *Classifier) allTrackedFieldsEqual(prior, incoming Row) bool {
	for _, f := range c.TrackedFields {
		rule, ok := c.ruleFor(f)
		if !fieldsEqual(prior.Get(f), incoming.Get(f), rule, ok) {
			return false
		}
	}
	return true
}

func fieldsEqual(priorV, incomingV Value, rule ComparisonRule, hasRule bool) bool {
	if !hasRule {
		return CanonicalEqual(priorV, incomingV)
	}
	switch rule.Kind {
	case RuleSignificant:
		return SignificantEqual(priorV, incomingV)
	case RuleNeverVersion:
		// Diffed like any other field so an in-place update sees the
		// change; diffAll gives never_version diffs zero weight, so they
		// never produce a new version.
		return CanonicalEqual(priorV, incomingV)
	case RuleExact, RuleAlwaysVersion:
		return CanonicalEqual(priorV, incomingV)
	default:
		return CanonicalEqual(priorV, incomingV)
	}
}

// diffNonTracked diffs fields that aren't in TrackedFields, for the
// NO_CHANGE-but-in-place-update path (fast path, spec §4.2 step 3).
func (c *Classifier) diffNonTracked(prior, incoming Row) []FieldDiff {
	tracked := make(map[string]bool, len(c.TrackedFields))
	for _, f := range c.TrackedFields {
		tracked[f] = true
	}

	var diffs []FieldDiff
	for _, f := range unionFields(prior, incoming) {
		if tracked[f] {
			continue
		}
		rule, hasRule := c.ruleFor(f)
		pv, iv := prior.Get(f), incoming.Get(f)
		if fieldsEqual(pv, iv, rule, hasRule) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: f, Prior: pv, Incoming: iv})
	}
	return diffs
}

// diffAll diffs the union of fields present in prior/incoming (spec §4.2
// step 4), weighting rule-covered diffs for the significance score (step
// 5) and flagging an always_version forced update (step 6).
func (c *Classifier) diffAll(prior, incoming Row) ([]FieldDiff, float64, bool) {
	var diffs []FieldDiff
	var significantWeight, totalWeight float64
	forcedUpdate := false

	for _, f := range unionFields(prior, incoming) {
		rule, hasRule := c.ruleFor(f)
		pv, iv := prior.Get(f), incoming.Get(f)
		equal := fieldsEqual(pv, iv, rule, hasRule)
		if equal {
			continue
		}

		significant := hasRule && (rule.Kind == RuleExact || rule.Kind == RuleSignificant || rule.Kind == RuleAlwaysVersion)
		diffs = append(diffs, FieldDiff{
			Field:       f,
			Prior:       pv,
			Incoming:    iv,
			Significant: significant,
			RuleCovered: hasRule,
		})

		if !hasRule || rule.Kind == RuleNeverVersion {
			continue // uncovered/never_version fields contribute 0 weight
		}

		weight := rule.Weight
		totalWeight += weight
		if significant {
			significantWeight += weight
		}
		if rule.Kind == RuleAlwaysVersion {
			forcedUpdate = true
		}
	}

	score := 0.0
	if totalWeight > 0 {
		score = significantWeight / totalWeight
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
	}

	return diffs, score, forcedUpdate
}

func unionFields(a, b Row) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for f := range a {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for f := range b {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
