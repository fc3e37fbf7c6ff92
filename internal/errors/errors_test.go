package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/types"
)

func TestCategorizedError_Message(t *testing.T) {
	err := NewStorageError("insert call", errors.New("connection reset"))
	assert.Equal(t, "STORAGE_ERROR: storage error during insert call (caused by: connection reset)", err.Error())

	plain := NewUnknownTaskError("nope")
	assert.Equal(t, "UNKNOWN_TASK", plain.Code)
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
	assert.NotContains(t, plain.Error(), "caused by")
}

func TestCategorize_FindsWrappedCategory(t *testing.T) {
	base := NewValidationError("network", "required")
	wrapped := fmt.Errorf("chain 84532: %w", base)

	catErr := Categorize(wrapped)
	require.NotNil(t, catErr)
	assert.Same(t, base, catErr)
	assert.True(t, IsValidation(wrapped))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(wrapped))
}

func TestCategorize_ServiceAndPlainErrors(t *testing.T) {
	svc := &types.ServiceError{Code: "RATE_LIMIT_EXCEEDED", Message: "slow down"}
	catErr := Categorize(svc)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", catErr.Code)
	assert.Equal(t, CategorySystem, catErr.Category)

	plain := Categorize(errors.New("boom"))
	assert.Equal(t, "INTERNAL_ERROR", plain.Code)
	assert.Equal(t, "unexpected error", plain.Message)
	assert.Equal(t, http.StatusInternalServerError, plain.StatusCode)

	assert.Nil(t, Categorize(nil))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", NewValidationError("chainIds", "empty"), false},
		{"configuration", NewConfigurationError("CHAIN_1_RPC_URL", "not set"), false},
		{"not found", NewNotFoundError("call", "x"), false},
		{"external tool", NewExternalToolError("ntt add-chain", 1, "", "boom", nil), true},
		{"chain", NewChainError("84532", "send transaction", errors.New("nonce too low")), true},
		{"storage", NewStorageError("update call", nil), true},
		{"conflict", NewConflictError("already exists"), true},
		{"uncategorized", errors.New("boom"), true},
		{"wrapped configuration", fmt.Errorf("chain 1: %w", NewConfigurationError("SOLANA_PAYER_PATH", "not set")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestExternalToolErrorDetails(t *testing.T) {
	err := NewExternalToolError("ntt new proj", 2, "out", "err", errors.New("exit status 2"))
	assert.Equal(t, CategoryExternalTool, err.Category)
	assert.Equal(t, 2, err.Details["exitCode"])
	assert.Equal(t, "out", err.Details["stdout"])
	assert.Equal(t, "err", err.Details["stderr"])
	assert.EqualError(t, errors.Unwrap(err), "exit status 2")

	svc := err.ToServiceError()
	assert.Equal(t, "EXTERNAL_TOOL_ERROR", svc.Code)
	assert.Equal(t, err.Details, svc.Details)
}

func TestNotFoundAndConflict(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("call", "abc")))
	assert.False(t, IsNotFound(NewConflictError("x")))
	assert.True(t, IsConflict(NewConflictError("x")))

	transition := NewInvalidTransitionError("abc", "completed")
	assert.NotEmpty(t, transition.Code)
}
