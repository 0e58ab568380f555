package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"dp-chatbot-go/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{
	Timeout:         50 * time.Millisecond,
	MaxAttempts:     4,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func TestCall_Success(t *testing.T) {
	attempts := 0
	got, err := Call(context.Background(), fastPolicy, "op", func(ctx context.Context) (string, error) {
		attempts++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, attempts)
}

func TestCall_RetriesTransientUntilSuccess(t *testing.T) {
	attempts := 0
	got, err := Call(context.Background(), fastPolicy, "op", func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errs.Transient("op", errors.New("rate limited"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
}

func TestCall_StopsAtMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Call(context.Background(), fastPolicy, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errs.Transient("op", errors.New("network down"))
	})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 4, attempts)
}

func TestCall_DoesNotRetryValidation(t *testing.T) {
	attempts := 0
	_, err := Call(context.Background(), fastPolicy, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errs.Validation("op", "bad input")
	})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 1, attempts)
}

func TestCall_TimeoutIsNotRetried(t *testing.T) {
	attempts := 0
	_, err := Call(context.Background(), fastPolicy, "slow", func(ctx context.Context) (int, error) {
		attempts++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_PropagatesError(t *testing.T) {
	want := errs.NotFound("op", "missing")
	err := Do(context.Background(), fastPolicy, "op", func(ctx context.Context) error { return want })
	assert.True(t, errs.IsNotFound(err))
}
