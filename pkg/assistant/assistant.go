// Package assistant answers one query at a time: it routes the query, runs
// the chosen strategy and streams validated output.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/citation"
	"github.com/xhad/nexus/pkg/feedback"
	"github.com/xhad/nexus/pkg/pipeline"
	"github.com/xhad/nexus/pkg/router"
	"github.com/xhad/nexus/pkg/stream"
	"github.com/xhad/nexus/pkg/tools"
)

var ErrEmptyQuery = errors.New("query text is empty")

type Config struct {
	Router   *router.Router
	Tools    *tools.Registry
	Pipeline *pipeline.Pipeline
	// Evidence is the process-wide adapter. Each query wraps it in its own tracker.
	Evidence types.EvidenceSource
	Feedback *feedback.Recorder
	TopK     int

	StreamBuffer int
	DrainGrace   time.Duration
	Logger       *zap.Logger
}

type Assistant struct {
	router   *router.Router
	tools    *tools.Registry
	pipeline *pipeline.Pipeline
	evidence types.EvidenceSource
	feedback *feedback.Recorder
	stream   *stream.Coordinator
	topK     int
	logger   *zap.Logger
}

func New(config Config) (*Assistant, error) {
	switch {
	case config.Router == nil:
		return nil, errors.New("assistant: router is required")
	case config.Tools == nil:
		return nil, errors.New("assistant: tool registry is required")
	case config.Pipeline == nil:
		return nil, errors.New("assistant: pipeline is required")
	case config.Evidence == nil:
		return nil, errors.New("assistant: evidence source is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Feedback == nil {
		config.Feedback = feedback.New(feedback.Config{Logger: logger})
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}

	return &Assistant{
		router:   config.Router,
		tools:    config.Tools,
		pipeline: config.Pipeline,
		evidence: config.Evidence,
		feedback: config.Feedback,
		stream: stream.New(stream.Config{
			Buffer:     config.StreamBuffer,
			DrainGrace: config.DrainGrace,
			Describe:   userMessage,
			Logger:     logger,
		}),
		topK:   config.TopK,
		logger: logger,
	}, nil
}

// Ask answers q. The returned channel yields events in order and always
// ends with exactly one DONE or ERROR before it is closed. Cancel ctx to
// abandon the query.
func (a *Assistant) Ask(ctx context.Context, q models.Query) <-chan models.StreamEvent {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return a.stream.Run(ctx, q.ID, func(ctx context.Context, em *stream.Emitter) error {
		return a.answer(ctx, q, em)
	})
}

func (a *Assistant) answer(ctx context.Context, q models.Query, em *stream.Emitter) error {
	if strings.TrimSpace(q.RawText) == "" {
		return ErrEmptyQuery
	}

	// Known chunk ids live only as long as this query.
	tracker := citation.NewTracker()
	src := tracker.Source(a.evidence)

	d := a.router.Route(ctx, q)
	a.logger.Info("Answering query",
		zap.String("query_id", q.ID),
		zap.String("strategy", string(d.Strategy)),
		zap.String("tool", d.Tool),
		zap.String("rationale", d.Rationale))

	switch d.Strategy {
	case models.StrategyDirectTool:
		return a.direct(ctx, q, d.Tool, src, tracker, em)
	case models.StrategyCollaborative:
		_, err := a.pipeline.Run(ctx, q, src, tracker, em)
		return err
	default:
		return fmt.Errorf("unhandled strategy %q", d.Strategy)
	}
}

func (a *Assistant) direct(ctx context.Context, q models.Query, tool string, src types.EvidenceSource,
	tracker *citation.Tracker, em *stream.Emitter) error {
	res, err := a.tools.Execute(ctx, tool, src, tools.Args{Query: q.RawText, TopK: a.topK})
	if err != nil {
		return err
	}
	if err := em.Emit(ctx, models.ToolResult(res)); err != nil {
		return err
	}

	var seg citation.Segmenter
	if text, ok := seg.Write(res.Answer); ok {
		if err := a.release(ctx, q, tracker, em, text); err != nil {
			return err
		}
	}
	if rest := seg.Flush(); rest != "" {
		return a.release(ctx, q, tracker, em, rest)
	}
	return nil
}

func (a *Assistant) release(ctx context.Context, q models.Query, tracker *citation.Tracker, em *stream.Emitter, text string) error {
	if res := tracker.ValidateText(text); res.Degraded() {
		a.logger.Warn("Unverifiable citation in tool answer",
			zap.String("query_id", q.ID),
			zap.Strings("chunk_ids", res.UnverifiedIDs()))
		if err := em.Emit(ctx, models.Degraded(res.Message(), res.UnverifiedIDs())); err != nil {
			return err
		}
	}
	return em.Emit(ctx, models.Token(text))
}

// Resolve fetches a cited chunk so the UI can show it.
func (a *Assistant) Resolve(ctx context.Context, chunkID string) (models.Chunk, error) {
	return a.evidence.Get(ctx, chunkID)
}

func (a *Assistant) Feedback(ctx context.Context, fb models.Feedback) error {
	return a.feedback.Record(ctx, fb)
}

// userMessage maps a failure to what the user is told. The cause itself is
// only logged.
func userMessage(err error) (string, string) {
	if errors.Is(err, ErrEmptyQuery) {
		return models.ErrorKindInvalidQuery, "Please enter a question."
	}
	if errors.Is(err, tools.ErrUnknownTool) {
		return models.ErrorKindFailed, "This kind of question is not supported yet."
	}
	kind, msg := stream.Describe(err)
	var se *pipeline.StageError
	if errors.As(err, &se) && kind == models.ErrorKindFailed {
		msg = fmt.Sprintf("The %s step could not complete. The problem has been logged.", se.Stage)
	}
	return kind, msg
}
