package coremerge

// Static C6 handler definitions for the six fact types named in spec §4.6.

var AppointmentHandler = &FactHandler{
	FactType:          FactAppointment,
	SourceTable:       "stg_appointment",
	TargetTable:       "core_fact_appointment",
	BusinessKeyFields: []string{"appointment_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimProvider, FactColumn: "provider_key", LookupFields: []string{"provider_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
		{DimType: DimPractice, FactColumn: "practice_key", LookupFields: []string{"practice_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "appointment_id", TargetField: "appointment_id", Required: true},
		{SourceField: "scheduled_at", TargetField: "scheduled_at", Required: true},
		{SourceField: "status", TargetField: "status", Required: false},
		{SourceField: "duration_minutes", TargetField: "duration_minutes", Required: false},
	},
}

var ImmunisationHandler = &FactHandler{
	FactType:          FactImmunisation,
	SourceTable:       "stg_immunisation",
	TargetTable:       "core_fact_immunisation",
	BusinessKeyFields: []string{"immunisation_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimVaccine, FactColumn: "vaccine_key", LookupFields: []string{"vaccine_code"}, Required: true, MissingStrategy: FKError},
		{DimType: DimProvider, FactColumn: "provider_key", LookupFields: []string{"provider_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "immunisation_id", TargetField: "immunisation_id", Required: true},
		{SourceField: "administered_at", TargetField: "administered_at", Required: true},
		{SourceField: "dose_number", TargetField: "dose_number", Required: false},
		{SourceField: "batch_number", TargetField: "batch_number", Required: false},
	},
}

var InvoiceHandler = &FactHandler{
	FactType:          FactInvoice,
	SourceTable:       "stg_invoice",
	TargetTable:       "core_fact_invoice",
	BusinessKeyFields: []string{"invoice_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimPractice, FactColumn: "practice_key", LookupFields: []string{"practice_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "invoice_id", TargetField: "invoice_id", Required: true},
		{SourceField: "issued_at", TargetField: "issued_at", Required: true},
		{SourceField: "total_amount", TargetField: "total_amount", Required: true},
		{SourceField: "status", TargetField: "status", Required: false},
	},
}

var InvoiceDetailHandler = &FactHandler{
	FactType:          FactInvoiceDetail,
	SourceTable:       "stg_invoice_detail",
	TargetTable:       "core_fact_invoice_detail",
	BusinessKeyFields: []string{"invoice_detail_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimMedicine, FactColumn: "medicine_key", LookupFields: []string{"medicine_code"}, Required: false, Nullable: true, MissingStrategy: FKPlaceholder, PlaceholderSurrogateKey: placeholderSK(-1)},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "invoice_detail_id", TargetField: "invoice_detail_id", Required: true},
		{SourceField: "invoice_id", TargetField: "invoice_id", Required: true},
		{SourceField: "description", TargetField: "description", Required: false},
		{SourceField: "quantity", TargetField: "quantity", Required: false},
		{SourceField: "amount", TargetField: "amount", Required: true},
	},
}

var DiagnosisHandler = &FactHandler{
	FactType:          FactDiagnosis,
	SourceTable:       "stg_diagnosis",
	TargetTable:       "core_fact_diagnosis",
	BusinessKeyFields: []string{"diagnosis_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimProvider, FactColumn: "provider_key", LookupFields: []string{"provider_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "diagnosis_id", TargetField: "diagnosis_id", Required: true},
		{SourceField: "diagnosed_at", TargetField: "diagnosed_at", Required: true},
		{SourceField: "code", TargetField: "code", Required: true},
		{SourceField: "description", TargetField: "description", Required: false},
	},
}

var MeasurementHandler = &FactHandler{
	FactType:          FactMeasurement,
	SourceTable:       "stg_measurement",
	TargetTable:       "core_fact_measurement",
	BusinessKeyFields: []string{"measurement_id"},
	ForeignKeys: []ForeignKeyRelationship{
		{DimType: DimPatient, FactColumn: "patient_key", LookupFields: []string{"patient_id"}, Required: true, MissingStrategy: FKSkip},
		{DimType: DimProvider, FactColumn: "provider_key", LookupFields: []string{"provider_id"}, Required: false, Nullable: true, MissingStrategy: FKNull},
	},
	FieldMappings: []FieldMapping{
		{SourceField: "measurement_id", TargetField: "measurement_id", Required: true},
		{SourceField: "recorded_at", TargetField: "recorded_at", Required: true},
		{SourceField: "measurement_type", TargetField: "measurement_type", Required: true},
		{SourceField: "value", TargetField: "value", Required: true},
		{SourceField: "unit", TargetField: "unit", Required: false},
	},
}

func placeholderSK(v int64) *int64 { return &v }

// DefaultFactRegistry builds the registry with every standard handler.
func DefaultFactRegistry() *FactRegistry {
	return NewFactRegistry(AppointmentHandler, ImmunisationHandler, InvoiceHandler, InvoiceDetailHandler, DiagnosisHandler, MeasurementHandler)
}
