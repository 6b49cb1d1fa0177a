// Package pipeline runs the Researcher, Analyst and Editor stages for
// questions that need more than a single lookup.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/citation"
)

const (
	StageResearch = "research"
	StageAnalyze  = "analyze"
	StageEdit     = "edit"

	// MaxResearchPasses bounds the analyze -> research back edge to one traversal.
	MaxResearchPasses = 2
)

const (
	AnalystLLM     = "llm"
	AnalystOverlap = "overlap"
)

// Emitter receives pipeline events in order.
type Emitter interface {
	Emit(ctx context.Context, ev models.StreamEvent) error
}

type Config struct {
	Invoker types.Invoker
	// AnalystMode is "llm" (overlap gate then model verdict) or "overlap".
	AnalystMode        string
	OverlapThreshold   float64
	MaxResearchQueries int
	TopK               int
	Logger             *zap.Logger
}

type Pipeline struct {
	invoker     types.Invoker
	analystMode string
	threshold   float64
	maxQueries  int
	topK        int
	logger      *zap.Logger
}

func New(config Config) (*Pipeline, error) {
	if config.Invoker == nil {
		return nil, errors.New("pipeline: invoker is required")
	}
	switch config.AnalystMode {
	case "":
		config.AnalystMode = AnalystLLM
	case AnalystLLM, AnalystOverlap:
	default:
		return nil, fmt.Errorf("pipeline: unknown analyst mode %q", config.AnalystMode)
	}
	if config.OverlapThreshold < 0 || config.OverlapThreshold > 1 {
		return nil, fmt.Errorf("pipeline: overlap threshold %v out of range [0,1]", config.OverlapThreshold)
	}
	if config.MaxResearchQueries <= 0 {
		config.MaxResearchQueries = 4
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		invoker:     config.Invoker,
		analystMode: config.AnalystMode,
		threshold:   config.OverlapThreshold,
		maxQueries:  config.MaxResearchQueries,
		topK:        config.TopK,
		logger:      logger,
	}, nil
}

// Answer is the final output of a run.
type Answer struct {
	Text       string
	Markers    []models.CitationMarker
	Unverified []string
	Artifacts  []models.StageArtifact
}

func (a Answer) Degraded() bool { return len(a.Unverified) > 0 }

// StageError reports which stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type state int

const (
	stateResearch state = iota
	stateAnalyze
	stateEdit
	stateDone
)

// run holds the state of one query. It is never shared.
type run struct {
	p       *Pipeline
	q       models.Query
	src     types.EvidenceSource
	tracker *citation.Tracker
	emit    Emitter
	logger  *zap.Logger

	passes   int
	guidance []string
	chunks   []models.Chunk
	research models.StageArtifact
	verified []models.Claim
	open     []string
	answer   Answer
}

// Run executes the stage machine for q. src must feed tracker, so that
// every chunk a stage sees is known when the Editor output is validated.
func (p *Pipeline) Run(ctx context.Context, q models.Query, src types.EvidenceSource,
	tracker *citation.Tracker, emit Emitter) (Answer, error) {
	r := &run{
		p:       p,
		q:       q,
		src:     src,
		tracker: tracker,
		emit:    emit,
		logger:  p.logger.With(zap.String("query_id", q.ID)),
	}

	st := stateResearch
	for st != stateDone {
		var err error
		switch st {
		case stateResearch:
			err = r.stage(ctx, StageResearch, r.doResearch)
			st = stateAnalyze
		case stateAnalyze:
			var again bool
			err = r.stage(ctx, StageAnalyze, func(ctx context.Context) error {
				var err error
				again, err = r.doAnalyze(ctx)
				return err
			})
			if again {
				st = stateResearch
			} else {
				st = stateEdit
			}
		case stateEdit:
			err = r.stage(ctx, StageEdit, r.doEdit)
			st = stateDone
		}
		if err != nil {
			return Answer{}, err
		}
	}

	r.logger.Debug("Pipeline finished",
		zap.Int("research_passes", r.passes),
		zap.Int("chunks_known", r.tracker.Len()),
		zap.Int("claims", len(r.verified)),
		zap.Int("open_issues", len(r.open)),
		zap.Int("markers", len(r.answer.Markers)),
		zap.Strings("unverified", r.answer.Unverified))
	return r.answer, nil
}

func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := r.emit.Emit(ctx, models.StageStart(name)); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.logger.Error("Stage failed", zap.String("stage", name), zap.Error(err))
		return &StageError{Stage: name, Err: err}
	}
	return r.emit.Emit(ctx, models.StageEnd(name))
}

func (r *run) artifact(a models.StageArtifact) {
	r.answer.Artifacts = append(r.answer.Artifacts, a)
}
