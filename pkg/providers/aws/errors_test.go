package aws

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/govframe/pkg/engine"
)

func TestWrapAWSError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
	}{
		{"throttling", apiError("ThrottlingException", "slow down"), engine.ErrorClassTransient},
		{"credential propagation", apiError("InvalidClientTokenId", "unknown token"), engine.ErrorClassTransient},
		{"duplicate ou", apiError("DuplicateOrganizationalUnitException", "exists"), engine.ErrorClassConflict},
		{"access denied", apiError("AccessDeniedException", "no"), engine.ErrorClassExecution},
		{"plain error", errors.New("boom"), engine.ErrorClassExecution},
		{"classified", engine.NewConfigurationError("bad", nil), engine.ErrorClassConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapAWSError(tt.err, "call failed")
			assert.Equal(t, tt.class, engine.ClassOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestWrapAWSError_AlreadyExists(t *testing.T) {
	err := wrapAWSError(apiError("AlreadyInOrganizationException", "member"), "invite failed")
	assert.True(t, engine.IsAlreadyExists(err))
	assert.Equal(t, "AlreadyInOrganizationException", err.Details["aws_error_code"])
}

func TestHasMessage(t *testing.T) {
	err := apiError("ValidationError", "Stack with id foo does not exist")
	assert.True(t, hasMessage(err, "ValidationError", "does not exist"))
	assert.False(t, hasMessage(err, "ValidationError", "No updates"))
	assert.False(t, hasMessage(errors.New("does not exist"), "ValidationError", "does not exist"))
	assert.True(t, hasCode(err, "ValidationError"))
}
