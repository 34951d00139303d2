package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedSentinel(t *testing.T) {
	sentinel := New(Conflict, "slot already booked")
	wrapped := fmt.Errorf("book: %w", sentinel)

	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, sentinel))
	assert.Equal(t, "slot already booked", Message(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestUnknownErrorsAreInfrastructure(t *testing.T) {
	err := errors.New("connection reset")

	assert.Equal(t, Infrastructure, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "internal error", Message(err))
	assert.False(t, IsRetryable(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(Infrastructure, "load receipt", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "load receipt: dial tcp: timeout", err.Error())
	assert.Equal(t, "infrastructure", KindOf(err).String())
}
