package coremerge

// FactType enumerates the six fact types the spec names (§4.6).
type FactType string

const (
	FactAppointment   FactType = "appointment"
	FactImmunisation  FactType = "immunisation"
	FactInvoice       FactType = "invoice"
	FactInvoiceDetail FactType = "invoice_detail"
	FactDiagnosis     FactType = "diagnosis"
	FactMeasurement   FactType = "measurement"
)

// MissingFKStrategy is a per-relationship missing-FK policy (spec §4.6).
type MissingFKStrategy string

const (
	FKError       MissingFKStrategy = "error"
	FKSkip        MissingFKStrategy = "skip"
	FKNull        MissingFKStrategy = "null"
	FKPlaceholder MissingFKStrategy = "placeholder"
)

// ForeignKeyRelationship declares one FK a fact row resolves via C5 (spec §4.6).
type ForeignKeyRelationship struct {
	DimType             DimensionType
	FactColumn          string
	LookupFields        []string // subset of the fact's staging fields
	Required            bool
	MissingStrategy     MissingFKStrategy
	Nullable            bool
	PlaceholderSurrogateKey *int64 // Open Question #4
}

// LookupKey builds the dimension business key Row this relationship needs
// from a fact's staging row, mapping each lookup field onto the target
// dimension's corresponding business-key field by position.
func (r ForeignKeyRelationship) LookupKey(source Row, dimBKFields []string) Row {
	bk := make(Row, len(r.LookupFields))
	for i, f := range r.LookupFields {
		target := f
		if i < len(dimBKFields) {
			target = dimBKFields[i]
		}
		bk[target] = Canonicalize(source.Get(f))
	}
	return bk
}

// FactHandler is C6: the static, per-fact-type configuration C7 drives.
type FactHandler struct {
	FactType          FactType
	SourceTable       string
	TargetTable       string
	BusinessKeyFields []string
	ForeignKeys       []ForeignKeyRelationship
	FieldMappings     []FieldMapping
}

// BusinessKeyComplete mirrors DimensionHandler.BusinessKeyComplete for facts.
func (h *FactHandler) BusinessKeyComplete(source Row) bool {
	for _, f := range h.BusinessKeyFields {
		if source.Get(f).IsNull() {
			return false
		}
	}
	return true
}

// MapAttributes mirrors DimensionHandler.MapAttributes for facts.
func (h *FactHandler) MapAttributes(source Row) (Row, []string) {
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

// FactRegistry holds every known FactHandler, keyed by FactType.
type FactRegistry struct {
	handlers map[FactType]*FactHandler
}

// NewFactRegistry builds a registry from the given handlers.
func NewFactRegistry(handlers ...*FactHandler) *FactRegistry {
	r := &FactRegistry{handlers: make(map[FactType]*FactHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.FactType] = h
	}
	return r
}

// Get returns the handler for factType, or nil if unregistered.
func (r *FactRegistry) Get(factType FactType) *FactHandler {
	return r.handlers[factType]
}

// FactLoadOrder lists the fact types in the order the orchestrator starts
// their loads (spec §4.8): appointment first, then the rest in declaration
// order. The loads themselves run concurrently (see Orchestrator.runFacts),
// so completion order is not fixed.
var FactLoadOrder = []FactType{
	FactAppointment,
	FactImmunisation,
	FactInvoice,
	FactInvoiceDetail,
	FactDiagnosis,
	FactMeasurement,
}
