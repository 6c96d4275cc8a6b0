package drivers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/durability/internal/fault"
)

func fastPolicy() *RetryPolicy {
	return NewRetryPolicy(
		WithMaxAttempts(3),
		WithInitialDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitter(false),
	)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := fastPolicy().Execute(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustionIsTransient(t *testing.T) {
	attempts := 0
	err := fastPolicy().Execute(context.Background(), "op", func() error {
		attempts++
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, fault.IsTransient(err))
}

func TestRetryNeverRepeatsCallerErrors(t *testing.T) {
	for _, classified := range []error{
		fault.Precondition("op", "bad input"),
		fault.Integrity("op", "mismatch"),
		fault.NotFound("op", "missing"),
		fault.Decryption("op", errors.New("auth")),
	} {
		attempts := 0
		err := fastPolicy().Execute(context.Background(), "op", func() error {
			attempts++
			return classified
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts, "%v must not be retried", fault.KindOf(classified))
		assert.Equal(t, fault.KindOf(classified), fault.KindOf(err))
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy().Execute(ctx, "op", func() error {
		t.Fatal("operation must not run with a cancelled context")
		return nil
	})
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
}
