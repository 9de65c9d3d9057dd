package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
		wantCause  error
	}{
		{"validation", ValidationError("gym_id is required"), TypeValidation, http.StatusBadRequest, nil},
		{"not_found", NotFoundError("no such gym"), TypeNotFound, http.StatusNotFound, nil},
		{"rate_limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests, nil},
		{"unavailable", UnavailableError("presence store unavailable", cause), TypeUnavailable, http.StatusServiceUnavailable, cause},
		{"internal", InternalError("failed to encode", cause), TypeInternal, http.StatusInternalServerError, cause},
		{"unknown", &Error{Type: "bogus"}, "bogus", http.StatusInternalServerError, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.Equal(t, tt.wantCause, tt.err.Cause)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "validation: bad input", ValidationError("bad input").Error())
	assert.Equal(t, "internal: wrapper: root", InternalError("wrapper", errors.New("root")).Error())
	assert.NotContains(t, InternalError("no cause", nil).Error(), "<nil>")
}

func TestWithField(t *testing.T) {
	err := NotFoundError("no climbers").
		WithField("gym_id", "G1").
		WithField("attempt", 2).
		WithField("gym_id", "G2")

	assert.Len(t, err.Context, 2)
	assert.Equal(t, "G2", err.Context["gym_id"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestWithField_NilContext(t *testing.T) {
	err := (&Error{Type: TypeValidation, Message: "x"}).WithField("k", "v")
	assert.Equal(t, "v", err.Context["k"])
}

func TestToResponse(t *testing.T) {
	resp := ValidationError("gym_id is required").WithField("param", "gym_id").ToResponse()

	assert.Equal(t, "gym_id is required", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, map[string]any{"param": "gym_id"}, resp.Context)
}

func TestUnwrapSupportsErrorsIs(t *testing.T) {
	root := errors.New("redis down")
	err := fmt.Errorf("handler: %w", UnavailableError("presence store unavailable", root))

	assert.ErrorIs(t, err, root)

	var target *Error
	require.ErrorAs(t, err, &target)
	assert.Equal(t, TypeUnavailable, target.Type)
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("no such gym")
	assert.Same(t, original, AsStructuredError(fmt.Errorf("wrapped: %w", original)))

	plain := errors.New("boom")
	wrapped := AsStructuredError(plain)
	assert.Equal(t, TypeInternal, wrapped.Type)
	assert.Equal(t, "internal server error", wrapped.Message)
	assert.Equal(t, plain, wrapped.Cause)
}
