package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("create order: %w", Validation("items", "must not be empty"))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "items", ve.Field)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "items: must not be empty")
}

func TestConflictError(t *testing.T) {
	err := Conflict("order", "o-1")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "conflict on order o-1", err.Error())
}

func TestPersistence(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("save order", cause)

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Persistence("noop", nil))

	t.Run("does not double wrap", func(t *testing.T) {
		again := Persistence("outer", err)
		var pe *PersistenceError
		require.True(t, errors.As(again, &pe))
		assert.Equal(t, "save order", pe.Op)
	})
}

func TestPublishTransient(t *testing.T) {
	cause := errors.New("connection refused")
	err := PublishTransient(cause)

	assert.True(t, errors.Is(err, ErrPublishTransient))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, PublishTransient(nil))
}

func TestPoison(t *testing.T) {
	err := fmt.Errorf("handle: %w", Poison("unknown event type", nil))

	assert.True(t, IsPoison(err))
	assert.False(t, IsPoison(errors.New("boom")))
	assert.Equal(t, "handle: poison message: unknown event type", err.Error())
}
