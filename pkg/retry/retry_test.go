package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/nexus/pkg/retry"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testPolicy(rec *sleepRecorder) retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.25,
		Sleep:       rec.sleep,
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)

	calls := 0
	err := p.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return retry.Transient(errors.New("store unavailable"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, rec.delays, 2)
	for i, d := range rec.delays {
		base := p.Backoff(i)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75), "delay %d", i)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25), "delay %d", i)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)

	calls := 0
	err := p.Do(context.Background(), "invoke", func(ctx context.Context) error {
		calls++
		return retry.Permanent(errors.New("401 unauthorized"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.True(t, errors.Is(err, retry.ErrPermanent))
}

func TestDo_ExhaustionEscalates(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)

	calls := 0
	err := p.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		return retry.Transient(fmt.Errorf("attempt %d", calls))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
	assert.True(t, errors.Is(err, retry.ErrPermanent))
	assert.True(t, errors.Is(err, retry.ErrExhausted))
	assert.False(t, retry.IsTransient(err))
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}

	calls := 0
	err := p.Do(ctx, "search", func(ctx context.Context) error {
		calls++
		return retry.Transient(errors.New("timeout"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_CallTimeoutIsTransient(t *testing.T) {
	rec := &sleepRecorder{}
	p := testPolicy(rec)
	p.CallTimeout = 10 * time.Millisecond

	calls := 0
	err := p.Do(context.Background(), "invoke", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoff(t *testing.T) {
	p := retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(7))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked transient", retry.Transient(errors.New("x")), true},
		{"marked permanent", retry.Permanent(errors.New("x")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.IsTransient(tt.err))
		})
	}
}
