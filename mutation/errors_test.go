package mutation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	network := &NetworkError{Err: errors.New("dial tcp: timeout")}
	validation := &ValidationError{Reason: "empty body"}
	conflict := &ConflictError{Err: errors.New("409")}

	assert.True(t, IsNetwork(network))
	assert.False(t, IsNetwork(validation))

	assert.True(t, IsValidation(validation))
	assert.False(t, IsValidation(conflict))

	assert.True(t, IsConflict(conflict))
	assert.False(t, IsConflict(network))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	network := &NetworkError{Err: cause}
	assert.ErrorIs(t, network, cause)

	conflict := &ConflictError{Err: cause}
	assert.ErrorIs(t, conflict, cause)
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("send message: %w", &ConflictError{Err: errors.New("409")})
	assert.True(t, IsConflict(wrapped))
}
