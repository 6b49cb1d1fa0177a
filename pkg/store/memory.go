package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
)

type memoryEntry struct {
	chunk     models.Chunk
	embedding []float32
	seq       int
}

// MemoryStore is an in-process VectorStore using brute-force cosine similarity.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	seq     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Upsert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("got %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range chunks {
		seq := m.seq
		if prev, ok := m.entries[c.ID]; ok {
			seq = prev.seq
		} else {
			m.seq++
		}
		emb := make([]float32, len(embeddings[i]))
		copy(emb, embeddings[i])
		m.entries[c.ID] = memoryEntry{chunk: c, embedding: emb, seq: seq}
	}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, embedding []float32, limit int) ([]models.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	m.mu.RLock()
	type scored struct {
		sc  models.ScoredChunk
		seq int
	}
	results := make([]scored, 0, len(m.entries))
	for _, e := range m.entries {
		results = append(results, scored{
			sc:  models.ScoredChunk{Chunk: e.chunk, Score: cosineSimilarity(embedding, e.embedding)},
			seq: e.seq,
		})
	}
	m.mu.RUnlock()

	// Insertion order breaks ties so results are stable across calls.
	sort.Slice(results, func(i, j int) bool {
		if results[i].sc.Score != results[j].sc.Score {
			return results[i].sc.Score > results[j].sc.Score
		}
		return results[i].seq < results[j].seq
	})

	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]models.ScoredChunk, len(results))
	for i, r := range results {
		out[i] = r.sc
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return models.Chunk{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e.chunk, nil
}

func (m *MemoryStore) IndexedSources(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var sources []string
	for _, e := range m.entries {
		if _, ok := seen[e.chunk.SourceDocumentID]; ok {
			continue
		}
		seen[e.chunk.SourceDocumentID] = struct{}{}
		sources = append(sources, e.chunk.SourceDocumentID)
	}
	sort.Strings(sources)
	return sources, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() {}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
