package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/testutil"
	"github.com/xhad/nexus/pkg/retry"
	"github.com/xhad/nexus/pkg/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func emitAll(events ...models.StreamEvent) stream.Producer {
	return func(ctx context.Context, em *stream.Emitter) error {
		for _, ev := range events {
			if err := em.Emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestRun_Done(t *testing.T) {
	c := stream.New(stream.Config{})
	got := testutil.Collect(c.Run(context.Background(), "q1", emitAll(
		models.StageStart("edit"),
		models.Token("Hello "),
		models.Token("world."),
		models.StageEnd("edit"),
	)))

	want := []models.StreamEvent{
		models.StageStart("edit"),
		models.Token("Hello "),
		models.Token("world."),
		models.StageEnd("edit"),
		models.Done(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"failed", errors.New("schema mismatch"), models.ErrorKindFailed},
		{"exhausted", fmt.Errorf("search: %w", retry.ErrExhausted), models.ErrorKindUnavailable},
		{"deadline", context.DeadlineExceeded, models.ErrorKindUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := stream.New(stream.Config{Buffer: 4})
			got := testutil.Collect(c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
				assert.NoError(t, em.Emit(ctx, models.Token("partial")))
				return tt.err
			}))

			require.Len(t, got, 2)
			last := got[1]
			assert.Equal(t, models.EventError, last.Kind)
			assert.Equal(t, tt.kind, last.ErrorKind)
			assert.NotContains(t, last.Message, tt.err.Error(), "raw errors never reach the user")
		})
	}
}

func TestRun_CustomDescriber(t *testing.T) {
	c := stream.New(stream.Config{Describe: func(err error) (string, string) {
		return models.ErrorKindInvalidQuery, "Please type a question."
	}})
	got := testutil.Collect(c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
		return errors.New("empty")
	}))
	assert.Equal(t, []models.StreamEvent{models.ErrorEvent(models.ErrorKindInvalidQuery, "Please type a question.")}, got)
}

func TestRun_Panic(t *testing.T) {
	c := stream.New(stream.Config{})
	got := testutil.Collect(c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
		panic("nil map")
	}))
	require.Len(t, got, 1)
	assert.Equal(t, models.ErrorKindFailed, got[0].ErrorKind)
}

func TestEmitter_RejectsTerminal(t *testing.T) {
	c := stream.New(stream.Config{})
	var errDone, errErr error
	got := testutil.Collect(c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
		errDone = em.Emit(ctx, models.Done())
		errErr = em.Emit(ctx, models.ErrorEvent(models.ErrorKindFailed, "x"))
		return nil
	}))

	assert.ErrorIs(t, errDone, stream.ErrTerminal)
	assert.ErrorIs(t, errErr, stream.ErrTerminal)
	assert.Equal(t, []models.StreamEvent{models.Done()}, got)
}

func TestEmitter_ClosedAfterRun(t *testing.T) {
	c := stream.New(stream.Config{})
	var kept *stream.Emitter
	testutil.Collect(c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
		kept = em
		return nil
	}))

	err := kept.Emit(context.Background(), models.Token("late"))
	assert.ErrorIs(t, err, stream.ErrClosed)
}

func TestRun_Backpressure(t *testing.T) {
	c := stream.New(stream.Config{})
	var emitted atomic.Int32
	events := c.Run(context.Background(), "q1", func(ctx context.Context, em *stream.Emitter) error {
		for i := 0; i < 3; i++ {
			if err := em.Emit(ctx, models.Token(fmt.Sprint(i))); err != nil {
				return err
			}
			emitted.Add(1)
		}
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), emitted.Load(), "producer must wait for the consumer")

	<-events
	require.Eventually(t, func() bool { return emitted.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), emitted.Load())

	rest := testutil.Collect(events)
	assert.Equal(t, []models.EventKind{models.EventToken, models.EventToken, models.EventDone}, testutil.Kinds(rest))
}

func TestRun_CancelMidStream(t *testing.T) {
	c := stream.New(stream.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := c.Run(ctx, "q1", func(ctx context.Context, em *stream.Emitter) error {
		for {
			if err := em.Emit(ctx, models.Token("tick ")); err != nil {
				return err
			}
		}
	})

	first := <-events
	assert.Equal(t, models.EventToken, first.Kind)
	cancel()

	rest := testutil.Collect(events)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, models.EventError, last.Kind)
	assert.Equal(t, models.ErrorKindCancelled, last.ErrorKind)

	terminals := 0
	for _, ev := range rest {
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestRun_AbandonedAfterCancel(t *testing.T) {
	c := stream.New(stream.Config{DrainGrace: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	events := c.Run(ctx, "q1", func(ctx context.Context, em *stream.Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	time.Sleep(200 * time.Millisecond)
	_, ok := <-events
	assert.False(t, ok, "terminal event is dropped once the grace period passes")
}
