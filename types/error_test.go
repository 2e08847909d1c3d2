package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormat(t *testing.T) {
	err := NewTransportError(ErrConnectFailed, "dial failed")
	assert.Equal(t, "[transport/CONNECT_FAILED] dial failed", err.Error())

	cause := errors.New("boom")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWrapErrorPreservesTyped(t *testing.T) {
	orig := NewBackendError(ErrSessionCreate, "create failed")
	wrapped := WrapError(ErrKindTransport, ErrConnectFailed, "other", fmt.Errorf("outer: %w", orig))
	assert.Same(t, orig, wrapped)
}

func TestIsKindAndRetryable(t *testing.T) {
	err := NewTransportError(ErrCredentialFetch, "token fetch")
	assert.True(t, IsKind(err, ErrKindTransport))
	assert.False(t, IsKind(err, ErrKindBackend))
	assert.True(t, IsRetryable(err))

	assert.False(t, IsKind(errors.New("plain"), ErrKindTransport))
	assert.False(t, IsRetryable(errors.New("plain")))

	backend := NewBackendError(ErrSessionCreate, "create")
	assert.False(t, IsRetryable(backend))
}
