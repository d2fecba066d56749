package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var errTemporary = errors.New("temporary error")

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SuccessFirstTry(t *testing.T) {
	r := New(fastPolicy(3), zaptest.NewLogger(t))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryThenSuccess(t *testing.T) {
	var retried []int
	r := New(fastPolicy(3), zaptest.NewLogger(t), WithOnRetry(func(attempt int, err error, delay time.Duration) {
		assert.ErrorIs(t, err, errTemporary)
		retried = append(retried, attempt)
	}))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTemporary
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryer_ExhaustedReturnsLastError(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errTemporary
	})
	assert.Same(t, errTemporary, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_NonRetryable(t *testing.T) {
	permanent := errors.New("bad request")
	r := New(fastPolicy(5), zap.NewNop(), WithRetryIf(func(err error) bool {
		return errors.Is(err, errTemporary)
	}))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ZeroRetries(t *testing.T) {
	r := New(fastPolicy(0), zap.NewNop())
	calls := 0
	_ = r.Do(context.Background(), func(context.Context) error {
		calls++
		return errTemporary
	})
	assert.Equal(t, 1, calls)
}

func TestRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	r := New(Policy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error {
			calls++
			return errTemporary
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestRetryer_StopsWhenFnObservesCancel(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_Typed(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	v, err := Do(context.Background(), r, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTemporary
		}
		return "stream", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stream", v)

	v, err = Do(context.Background(), New(fastPolicy(0), nil), func(context.Context) (string, error) {
		return "ignored", errTemporary
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{MaxRetries: -1, Multiplier: 0.5}.normalized()
	def := DefaultPolicy()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, def.InitialDelay, p.InitialDelay)
	assert.Equal(t, def.MaxDelay, p.MaxDelay)
	assert.Equal(t, def.Multiplier, p.Multiplier)

	r := New(Policy{MaxRetries: 1, InitialDelay: 10 * time.Second}, nil)
	assert.Equal(t, 10*time.Second, r.Policy().MaxDelay, "max delay never below initial delay")
}

func TestRetryer_Delay(t *testing.T) {
	r := New(Policy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)
	assert.Equal(t, 100*time.Millisecond, r.delay(1))
	assert.Equal(t, 200*time.Millisecond, r.delay(2))
	assert.Equal(t, 400*time.Millisecond, r.delay(3))
	assert.Equal(t, time.Second, r.delay(5))

	jittered := New(Policy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, nil)
	for i := 0; i < 50; i++ {
		d := jittered.delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}
