package citation

import (
	"context"
	"sync"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
)

// Tracker is the per-query record of retrieved chunks. It must not be shared
// between queries; concurrent use within one query is safe.
type Tracker struct {
	mu     sync.RWMutex
	chunks map[string]models.Chunk
	order  []string
}

func NewTracker() *Tracker {
	return &Tracker{chunks: make(map[string]models.Chunk)}
}

// Observe records chunks returned by the evidence store.
func (t *Tracker) Observe(chunks ...models.Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range chunks {
		if c.ID == "" {
			continue
		}
		if _, ok := t.chunks[c.ID]; !ok {
			t.order = append(t.order, c.ID)
		}
		t.chunks[c.ID] = c
	}
}

func (t *Tracker) Known(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.chunks[id]
	return ok
}

func (t *Tracker) Chunk(id string) (models.Chunk, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chunks[id]
	return c, ok
}

// KnownIDs returns a snapshot of the known chunk id set.
func (t *Tracker) KnownIDs() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make(map[string]struct{}, len(t.chunks))
	for id := range t.chunks {
		ids[id] = struct{}{}
	}
	return ids
}

// Chunks returns every observed chunk in first-seen order.
func (t *Tracker) Chunks() []models.Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Chunk, len(t.order))
	for i, id := range t.order {
		out[i] = t.chunks[id]
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// ValidateText extracts and validates the markers in text.
func (t *Tracker) ValidateText(text string) Result {
	return Validate(text, ExtractMarkers(text), t.KnownIDs())
}

// Source wraps src so that every chunk it returns is observed, and lookups
// of already observed chunks are served from the tracker.
func (t *Tracker) Source(src types.EvidenceSource) types.EvidenceSource {
	return &trackedSource{src: src, tracker: t}
}

type trackedSource struct {
	src     types.EvidenceSource
	tracker *Tracker
}

func (s *trackedSource) Search(ctx context.Context, text string, topK int) ([]models.ScoredChunk, error) {
	hits, err := s.src.Search(ctx, text, topK)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		s.tracker.Observe(h.Chunk)
	}
	return hits, nil
}

func (s *trackedSource) Get(ctx context.Context, id string) (models.Chunk, error) {
	if c, ok := s.tracker.Chunk(id); ok {
		return c, nil
	}
	c, err := s.src.Get(ctx, id)
	if err != nil {
		return models.Chunk{}, err
	}
	s.tracker.Observe(c)
	return c, nil
}
