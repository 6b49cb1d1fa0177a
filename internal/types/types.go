package types

import (
	"context"
	"errors"

	"github.com/xhad/nexus/internal/models"
)

// ErrNotFound is returned by lookups for a chunk id the store does not hold.
var ErrNotFound = errors.New("chunk not found")

// Core interfaces
type VectorStore interface {
	Upsert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error
	Search(ctx context.Context, embedding []float32, limit int) ([]models.ScoredChunk, error)
	Get(ctx context.Context, id string) (models.Chunk, error)
	IndexedSources(ctx context.Context) ([]string, error)
	Close()
}

type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// EvidenceSource is the read-only view of the index used while answering.
type EvidenceSource interface {
	Search(ctx context.Context, text string, topK int) ([]models.ScoredChunk, error)
	Get(ctx context.Context, id string) (models.Chunk, error)
}

// LLM roles
type Role string

const (
	RoleRouter     Role = "router"
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleEditor     Role = "editor"
)

// Invoker runs a language model in a given role.
type Invoker interface {
	Invoke(ctx context.Context, role Role, prompt string, history []models.Turn) (string, error)
	Stream(ctx context.Context, role Role, prompt string, history []models.Turn, onChunk func(ctx context.Context, chunk string) error) (string, error)
}
