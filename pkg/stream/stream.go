// Package stream turns a producer into an ordered event channel that ends in
// exactly one DONE or ERROR event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/pkg/retry"
)

var (
	ErrClosed   = errors.New("stream: emitter closed")
	ErrTerminal = errors.New("stream: terminal events are sent by the coordinator")
)

// Producer writes the body of a stream. Returning nil ends the stream with
// DONE, anything else with ERROR.
type Producer func(ctx context.Context, em *Emitter) error

// Describer turns a producer error into an error kind and a message safe to
// show the user.
type Describer func(err error) (kind, message string)

type Config struct {
	// Buffer is the channel capacity. Zero hands every event over directly.
	Buffer int
	// DrainGrace bounds how long the terminal event waits for a consumer
	// after the stream's context has ended.
	DrainGrace time.Duration
	Describe   Describer
	Logger     *zap.Logger
}

type Coordinator struct {
	buffer   int
	grace    time.Duration
	describe Describer
	logger   *zap.Logger
}

func New(config Config) *Coordinator {
	if config.Buffer < 0 {
		config.Buffer = 0
	}
	if config.DrainGrace <= 0 {
		config.DrainGrace = time.Second
	}
	if config.Describe == nil {
		config.Describe = Describe
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		buffer:   config.Buffer,
		grace:    config.DrainGrace,
		describe: config.Describe,
		logger:   logger,
	}
}

// Emitter is the producer's side of a stream. Emit blocks until the consumer
// takes the event or ctx ends.
type Emitter struct {
	mu     sync.Mutex
	ch     chan<- models.StreamEvent
	closed bool
}

func (e *Emitter) Emit(ctx context.Context, ev models.StreamEvent) error {
	if ev.Terminal() {
		return ErrTerminal
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Run starts produce and returns its event stream. Cancelling ctx stops the
// producer; the stream then ends with an ERROR of kind cancelled.
func (c *Coordinator) Run(ctx context.Context, queryID string, produce Producer) <-chan models.StreamEvent {
	ch := make(chan models.StreamEvent, c.buffer)
	em := &Emitter{ch: ch}
	logger := c.logger.With(zap.String("query_id", queryID))

	go func() {
		defer close(ch)

		pctx, cancel := context.WithCancel(ctx)
		start := time.Now()
		err := c.safeRun(pctx, em, produce)
		cancel()
		em.close()

		term := c.terminal(ctx, logger, err)
		logger.Debug("Stream finished",
			zap.String("terminal", string(term.Kind)),
			zap.String("error_kind", term.ErrorKind),
			zap.Duration("elapsed", time.Since(start)))
		c.finish(ctx, logger, ch, term)
	}()

	return ch
}

func (c *Coordinator) safeRun(ctx context.Context, em *Emitter, produce Producer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Producer panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return produce(ctx, em)
}

func (c *Coordinator) terminal(ctx context.Context, logger *zap.Logger, err error) models.StreamEvent {
	switch {
	case err == nil:
		return models.Done()
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		logger.Info("Stream cancelled", zap.Error(err))
		return models.ErrorEvent(models.ErrorKindCancelled, "The request was cancelled.")
	default:
		kind, msg := c.describe(err)
		logger.Error("Stream failed", zap.String("error_kind", kind), zap.Error(err))
		return models.ErrorEvent(kind, msg)
	}
}

// finish delivers the terminal event. A live consumer always gets it; one
// whose context has ended gets DrainGrace to pick it up.
func (c *Coordinator) finish(ctx context.Context, logger *zap.Logger, ch chan<- models.StreamEvent, term models.StreamEvent) {
	if ctx.Err() == nil {
		ch <- term
		return
	}
	t := time.NewTimer(c.grace)
	defer t.Stop()
	select {
	case ch <- term:
	case <-t.C:
		logger.Debug("Consumer gone, dropping terminal event")
	}
}

// Describe is the default error description.
func Describe(err error) (string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindUnavailable, "The request took too long. Please try again."
	case errors.Is(err, retry.ErrExhausted), retry.IsTransient(err):
		return models.ErrorKindUnavailable, "A service needed to answer is temporarily unavailable. Please try again shortly."
	default:
		return models.ErrorKindFailed, "Something went wrong while answering. The problem has been logged."
	}
}
