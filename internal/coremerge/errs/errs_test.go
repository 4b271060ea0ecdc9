package errs_test

import (
	"errors"
	"testing"

	"github.com/steveyegge/coremerge/internal/coremerge/errs"
	"github.com/stretchr/testify/assert"
)

func TestIsFatalClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"database error", errs.WrapDatabaseError("insert", errors.New("connection reset")), true},
		{"constraint violation", errs.WrapConstraintViolation("insert", errors.New("duplicate key")), false},
		{"scd2 constraint", errs.SCD2ConstraintViolation("p1", "two current versions"), true},
		{"missing required fk", errs.MissingForeignKeyError("vaccine", "required foreign key missing with error strategy"), false},
		{"row error", errs.NewRowError(errs.KindBusinessKeyMissing, "p1", "missing patient_id"), false},
		{"merge precondition", errs.NewMergePrecondition("load run not found"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, errs.IsFatal(tt.err))
		})
	}
}

func TestKindOfExtractsKindAcrossErrorShapes(t *testing.T) {
	assert.Equal(t, errs.KindDatabase, errs.KindOf(errs.WrapDatabaseError("op", errors.New("x"))))
	assert.Equal(t, errs.KindBusinessKeyMissing, errs.KindOf(errs.NewRowError(errs.KindBusinessKeyMissing, "p1", "missing")))
	assert.Equal(t, errs.KindMergePrecondition, errs.KindOf(errs.NewMergePrecondition("not found")))
	assert.Equal(t, errs.Kind(""), errs.KindOf(errors.New("unrelated")))
}

func TestRowErrorMessageIncludesBusinessKey(t *testing.T) {
	err := errs.NewRowError(errs.KindBusinessKeyMissing, "patient-42", "missing patient_id")
	assert.Contains(t, err.Error(), "patient-42")
	assert.Contains(t, err.Error(), "missing patient_id")
}

func TestBatchErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := errs.WrapDatabaseError("insert dimension", inner)
	assert.True(t, errors.Is(err, inner))
}

func TestWrapDatabaseErrorNilPassthrough(t *testing.T) {
	assert.NoError(t, errs.WrapDatabaseError("op", nil))
	assert.NoError(t, errs.WrapConstraintViolation("op", nil))
}
