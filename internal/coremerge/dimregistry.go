package coremerge

// DimensionType enumerates the five dimension types the spec names (§4.3).
type DimensionType string

const (
	DimPatient  DimensionType = "patient"
	DimProvider DimensionType = "provider"
	DimPractice DimensionType = "practice"
	DimVaccine  DimensionType = "vaccine"
	DimMedicine DimensionType = "medicine"
)

// FieldMapping maps one staging field to one target (core) field, with an
// optional default and transform (spec §4.3).
type FieldMapping struct {
	SourceField  string
	TargetField  string
	Required     bool
	DefaultValue Value
	HasDefault   bool
	Transform    func(Value) Value
}

// Apply resolves one mapping against a staging row: run Transform if
// present, else use the raw value; fall back to DefaultValue when the
// resolved value is null and a default was declared.
func (m FieldMapping) Apply(source Row) Value {
	v := source.Get(m.SourceField)
	if m.Transform != nil {
		v = m.Transform(v)
	}
	if v.IsNull() && m.HasDefault {
		return m.DefaultValue
	}
	return v
}

// DimensionHandler is C3: the static, per-dimension-type configuration
// that C4 drives (spec §4.3).
type DimensionHandler struct {
	DimType            DimensionType
	SourceTable        string
	TargetTable        string
	SurrogateKeyColumn string // Open Question #2: declared explicitly, never derived
	BusinessKeyFields  []string
	FieldMappings      []FieldMapping
	SignificantFields  []string
	NonSignificantFields []string
	TrackedFields      []string
	ComparisonRules    []ComparisonRule
	ChangeThreshold    float64
}

// BusinessKey extracts the ordered business-key tuple from a staging row,
// canonicalized so it can be used as a map/cache key.
func (h *DimensionHandler) BusinessKey(source Row) Row {
	bk := make(Row, len(h.BusinessKeyFields))
	for _, f := range h.BusinessKeyFields {
		bk[f] = Canonicalize(source.Get(f))
	}
	return bk
}

// BusinessKeyComplete reports whether every business-key field is
// non-null, per the per-row validation in spec §4.4 step 4a.
func (h *DimensionHandler) BusinessKeyComplete(source Row) bool {
	for _, f := range h.BusinessKeyFields {
		if source.Get(f).IsNull() {
			return false
		}
	}
	return true
}

// MapAttributes applies every FieldMapping to a staging row, producing the
// incoming DimensionVersion's attribute set, and reports any missing
// required field.
func (h *DimensionHandler) MapAttributes(source Row) (Row, []string) {
	out := make(Row, len(h.FieldMappings))
	var missing []string
	for _, m := range h.FieldMappings {
		v := m.Apply(source)
		if m.Required && v.IsNull() {
			missing = append(missing, m.SourceField)
		}
		out[m.TargetField] = v
	}
	return out, missing
}

// Classifier builds the C2 classifier for this handler.
func (h *DimensionHandler) Classifier(strategy string) *Classifier {
	return &Classifier{
		TrackedFields:   h.TrackedFields,
		Rules:           h.ComparisonRules,
		ChangeThreshold: h.ChangeThreshold,
		Strategy:        strategy,
	}
}

// DimensionRegistry holds every known DimensionHandler, keyed by DimType.
type DimensionRegistry struct {
	handlers map[DimensionType]*DimensionHandler
}

// NewDimensionRegistry builds a registry from the given handlers.
func NewDimensionRegistry(handlers ...*DimensionHandler) *DimensionRegistry {
	r := &DimensionRegistry{handlers: make(map[DimensionType]*DimensionHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.DimType] = h
	}
	return r
}

// Get returns the handler for dimType, or nil if unregistered.
func (r *DimensionRegistry) Get(dimType DimensionType) *DimensionHandler {
	return r.handlers[dimType]
}

// DimensionLoadOrder is the fixed dependency order among dimensions (spec
// §4.3, §4.8): practice loads first; patient (which references practice)
// and provider follow; vaccine/medicine have no dimension dependency but
// are sequenced after the patient/provider group by convention.
var DimensionLoadOrder = []DimensionType{
	DimPractice,
	DimPatient,
	DimProvider,
	DimVaccine,
	DimMedicine,
}
