package coremerge_test

import (
	"testing"

	"github.com/steveyegge/coremerge/internal/coremerge"
	"github.com/stretchr/testify/assert"
)

func TestToSnakeCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"patientId", "patient_id"},
		{"patient_id", "patient_id"},
		{"NHINumber", "n_h_i_number"},
		{"id", "id"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coremerge.ToSnakeCase(tt.in), "input %q", tt.in)
	}
}
