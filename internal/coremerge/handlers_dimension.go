package coremerge

// Static C3 handler definitions for the five dimension types named in
// spec §4.3. Field mappings follow the staging-column naming used by the
// stg_<entity> tables (SPEC_FULL.md "schema as table prefix").

var PatientHandler = &DimensionHandler{
	DimType:            DimPatient,
	SourceTable:        "stg_patient",
	TargetTable:        "core_dim_patient",
	SurrogateKeyColumn: "patient_key",
	BusinessKeyFields:  []string{"patient_id"},
	FieldMappings: []FieldMapping{
		{SourceField: "patient_id", TargetField: "patient_id", Required: true},
		{SourceField: "nhi_number", TargetField: "nhi_number", Required: false},
		{SourceField: "first_name", TargetField: "first_name", Required: true},
		{SourceField: "last_name", TargetField: "last_name", Required: true},
		{SourceField: "date_of_birth", TargetField: "date_of_birth", Required: false},
		{SourceField: "sex", TargetField: "sex", Required: false},
		{SourceField: "ethnicity", TargetField: "ethnicity", Required: false},
		{SourceField: "address", TargetField: "address", Required: false},
		{SourceField: "practice_id", TargetField: "practice_id", Required: false},
	},
	SignificantFields:    []string{"first_name", "last_name", "date_of_birth", "sex", "nhi_number"},
	NonSignificantFields: []string{"address"},
	TrackedFields:        []string{"first_name", "last_name", "date_of_birth", "sex", "nhi_number", "ethnicity", "address", "practice_id"},
	ComparisonRules: []ComparisonRule{
		{Field: "nhi_number", Kind: RuleAlwaysVersion, Weight: 1.0},
		{Field: "first_name", Kind: RuleSignificant, Weight: 0.3},
		{Field: "last_name", Kind: RuleSignificant, Weight: 0.3},
		{Field: "date_of_birth", Kind: RuleExact, Weight: 0.4},
		{Field: "sex", Kind: RuleSignificant, Weight: 0.2},
		{Field: "ethnicity", Kind: RuleSignificant, Weight: 0.1},
		{Field: "address", Kind: RuleNeverVersion, Weight: 0},
		{Field: "practice_id", Kind: RuleSignificant, Weight: 0.2},
	},
	ChangeThreshold: 0.45,
}

var ProviderHandler = &DimensionHandler{
	DimType:            DimProvider,
	SourceTable:        "stg_provider",
	TargetTable:        "core_dim_provider",
	SurrogateKeyColumn: "provider_key",
	BusinessKeyFields:  []string{"provider_id"},
	FieldMappings: []FieldMapping{
		{SourceField: "provider_id", TargetField: "provider_id", Required: true},
		{SourceField: "full_name", TargetField: "full_name", Required: true},
		{SourceField: "role", TargetField: "role", Required: false},
		{SourceField: "practice_id", TargetField: "practice_id", Required: false},
		{SourceField: "registration_number", TargetField: "registration_number", Required: false},
	},
	SignificantFields:    []string{"full_name", "role", "registration_number"},
	NonSignificantFields: nil,
	TrackedFields:        []string{"full_name", "role", "practice_id", "registration_number"},
	ComparisonRules: []ComparisonRule{
		{Field: "full_name", Kind: RuleSignificant, Weight: 0.4},
		{Field: "role", Kind: RuleSignificant, Weight: 0.3},
		{Field: "practice_id", Kind: RuleSignificant, Weight: 0.2},
		{Field: "registration_number", Kind: RuleAlwaysVersion, Weight: 1.0},
	},
	ChangeThreshold: 0.45,
}

var PracticeHandler = &DimensionHandler{
	DimType:            DimPractice,
	SourceTable:        "stg_practice",
	TargetTable:        "core_dim_practice",
	SurrogateKeyColumn: "practice_key",
	BusinessKeyFields:  []string{"practice_id"},
	FieldMappings: []FieldMapping{
		{SourceField: "practice_id", TargetField: "practice_id", Required: true},
		{SourceField: "name", TargetField: "name", Required: true},
		{SourceField: "pho_name", TargetField: "pho_name", Required: false},
		{SourceField: "region", TargetField: "region", Required: false},
	},
	SignificantFields:    []string{"name", "pho_name", "region"},
	NonSignificantFields: nil,
	TrackedFields:        []string{"name", "pho_name", "region"},
	ComparisonRules: []ComparisonRule{
		{Field: "name", Kind: RuleSignificant, Weight: 0.5},
		{Field: "pho_name", Kind: RuleSignificant, Weight: 0.3},
		{Field: "region", Kind: RuleSignificant, Weight: 0.2},
	},
	ChangeThreshold: 0.45,
}

var VaccineHandler = &DimensionHandler{
	DimType:            DimVaccine,
	SourceTable:        "stg_vaccine",
	TargetTable:        "core_dim_vaccine",
	SurrogateKeyColumn: "vaccine_key",
	BusinessKeyFields:  []string{"vaccine_code"},
	FieldMappings: []FieldMapping{
		{SourceField: "vaccine_code", TargetField: "vaccine_code", Required: true},
		{SourceField: "name", TargetField: "name", Required: true},
		{SourceField: "manufacturer", TargetField: "manufacturer", Required: false},
		{SourceField: "dose_sequence", TargetField: "dose_sequence", Required: false},
	},
	SignificantFields:    []string{"name", "manufacturer"},
	NonSignificantFields: nil,
	TrackedFields:        []string{"name", "manufacturer", "dose_sequence"},
	ComparisonRules: []ComparisonRule{
		{Field: "name", Kind: RuleSignificant, Weight: 0.4},
		{Field: "manufacturer", Kind: RuleSignificant, Weight: 0.3},
		{Field: "dose_sequence", Kind: RuleExact, Weight: 0.3},
	},
	ChangeThreshold: 0.4,
}

var MedicineHandler = &DimensionHandler{
	DimType:            DimMedicine,
	SourceTable:        "stg_medicine",
	TargetTable:        "core_dim_medicine",
	SurrogateKeyColumn: "medicine_key",
	BusinessKeyFields:  []string{"medicine_code"},
	FieldMappings: []FieldMapping{
		{SourceField: "medicine_code", TargetField: "medicine_code", Required: true},
		{SourceField: "name", TargetField: "name", Required: true},
		{SourceField: "strength", TargetField: "strength", Required: false},
		{SourceField: "form", TargetField: "form", Required: false},
	},
	SignificantFields:    []string{"name", "strength", "form"},
	NonSignificantFields: nil,
	TrackedFields:        []string{"name", "strength", "form"},
	ComparisonRules: []ComparisonRule{
		{Field: "name", Kind: RuleSignificant, Weight: 0.4},
		{Field: "strength", Kind: RuleExact, Weight: 0.3},
		{Field: "form", Kind: RuleSignificant, Weight: 0.3},
	},
	ChangeThreshold: 0.4,
}

// DefaultDimensionRegistry builds the registry with every standard handler.
func DefaultDimensionRegistry() *DimensionRegistry {
	return NewDimensionRegistry(PatientHandler, ProviderHandler, PracticeHandler, VaccineHandler, MedicineHandler)
}
