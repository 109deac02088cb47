package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMissing = errors.New("missing")
	errFull    = errors.New("full")
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad fingerprint", http.StatusBadRequest)
	assert.Equal(t, "INVALID_PARAMETERS: bad fingerprint", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(cause, ErrCodePeerUnreachable, "peer sfu2", http.StatusBadGateway)

	assert.Same(t, cause, err.Cause)
	assert.Contains(t, err.Error(), "dial tcp: refused")
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := NewNotFoundError("room r1")
	err.WithContext("room_id", "r1").WithContext("attempt", 2)

	assert.Equal(t, "r1", err.Context["room_id"])
	assert.Equal(t, 2, err.Context["attempt"])
	assert.Equal(t, "room r1 not found", err.Message)
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("x"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("x"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("x"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewConflictError("x"), ErrCodeConflict, http.StatusConflict},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewCapacityError("x"), ErrCodeCapacityExhausted, http.StatusServiceUnavailable},
		{NewInternalError("x"), ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.Code)
		assert.Equal(t, tc.status, tc.err.HTTPStatus)
	}
}

func TestTranslate(t *testing.T) {
	mappings := []Mapping{
		{Target: errMissing, Code: ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
		{Target: errFull, Code: ErrCodeCapacityExhausted, HTTPStatus: http.StatusServiceUnavailable},
	}

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Translate(nil, mappings))
	})

	t.Run("wrapped sentinel", func(t *testing.T) {
		appErr := Translate(fmt.Errorf("room r1: %w", errFull), mappings)
		require.NotNil(t, appErr)
		assert.Equal(t, ErrCodeCapacityExhausted, appErr.Code)
		assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
		assert.Equal(t, "room r1: full", appErr.Message)
	})

	t.Run("existing app error wins", func(t *testing.T) {
		inner := NewInvalidInputError("kind must be audio or video")
		appErr := Translate(fmt.Errorf("produce: %w", inner), mappings)
		assert.Same(t, inner, appErr)
	})

	t.Run("unknown becomes internal", func(t *testing.T) {
		appErr := Translate(errors.New("boom"), mappings)
		assert.Equal(t, ErrCodeInternal, appErr.Code)
		assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
	})
}

func TestGetAppError(t *testing.T) {
	assert.Nil(t, GetAppError(nil))
	assert.Nil(t, GetAppError(errors.New("plain")))

	inner := NewNotFoundError("producer")
	wrapped := fmt.Errorf("outer: %w", inner)
	assert.Same(t, inner, GetAppError(wrapped))
	assert.True(t, IsAppError(wrapped))
	assert.False(t, IsAppError(errMissing))
}
