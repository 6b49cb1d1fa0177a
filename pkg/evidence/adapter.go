// Package evidence is the read-only gateway from the answering path to the index.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/retry"
)

type Config struct {
	Store    types.VectorStore
	Embedder types.Embedder
	Retry    retry.Policy
	// MinScore drops hits below this relevance. Zero keeps everything.
	MinScore float64
	Logger   *zap.Logger
}

// Adapter embeds query text and searches the store. It is safe for
// concurrent use and holds no per-query state.
type Adapter struct {
	store    types.VectorStore
	embedder types.Embedder
	policy   retry.Policy
	minScore float64
	logger   *zap.Logger
}

func New(config Config) (*Adapter, error) {
	if config.Store == nil {
		return nil, errors.New("evidence: store is required")
	}
	if config.Embedder == nil {
		return nil, errors.New("evidence: embedder is required")
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Retry.Logger = logger

	return &Adapter{
		store:    config.Store,
		embedder: config.Embedder,
		policy:   config.Retry,
		minScore: config.MinScore,
		logger:   logger,
	}, nil
}

// Search returns up to topK chunks ordered by relevance. An empty result is
// not an error.
func (a *Adapter) Search(ctx context.Context, text string, topK int) ([]models.ScoredChunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var vec []float32
	err := a.policy.Do(ctx, "evidence.embed", func(ctx context.Context) error {
		vecs, err := a.embedder.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) != 1 {
			return retry.Permanent(fmt.Errorf("expected 1 embedding, got %d", len(vecs)))
		}
		vec = vecs[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var hits []models.ScoredChunk
	err = a.policy.Do(ctx, "evidence.search", func(ctx context.Context) error {
		var err error
		hits, err = a.store.Search(ctx, vec, topK)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	relevant := hits[:0]
	for _, h := range hits {
		if a.minScore <= 0 || h.Score >= a.minScore {
			relevant = append(relevant, h)
		}
	}

	a.logger.Debug("Evidence search",
		zap.String("query", text),
		zap.Int("hits", len(hits)),
		zap.Int("relevant", len(relevant)))
	return relevant, nil
}

// Get fetches a chunk by id. Missing chunks return types.ErrNotFound unretried.
func (a *Adapter) Get(ctx context.Context, id string) (models.Chunk, error) {
	var c models.Chunk
	err := a.policy.Do(ctx, "evidence.get", func(ctx context.Context) error {
		var err error
		c, err = a.store.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return models.Chunk{}, err
	}
	return c, nil
}
