package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationListsEveryField(t *testing.T) {
	err := Validation(map[string]string{
		"resource_id":            "is required",
		"business_justification": "is required",
	})

	assert.Equal(t, ErrCodeValidation, err.Code)
	assert.Equal(t, "invalid fields: business_justification, resource_id", err.Message)
	assert.Len(t, err.Details, 2)
}

func TestCodeOfWrapped(t *testing.T) {
	inner := NotFound("workflow", "wf-1")
	wrapped := fmt.Errorf("loading: %w", inner)

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
	assert.False(t, HasCode(nil, ErrCodeInternal))
}

func TestCodeOfNil(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.NotEqual(t, ErrCodeInternal, CodeOf(nil))
}

func TestIsMatchesByCode(t *testing.T) {
	err := Conflict("step already resolved")
	assert.True(t, Is(err, &Error{Code: ErrCodeConflict}))
	assert.False(t, Is(err, &Error{Code: ErrCodeNotFound}))
}

func TestDependencyUnwraps(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Dependency(cause, "role oracle unavailable")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "DEPENDENCY_UNAVAILABLE")
}
