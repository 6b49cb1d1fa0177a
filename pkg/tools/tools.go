// Package tools holds the deterministic single-step answering functions used
// on the fast path. Each tool makes exactly one evidence search.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
)

const (
	FactualLookup   = "factual_lookup"
	DocumentSummary = "document_summary"
)

// NoEvidenceAnswer is the answer given when the store has nothing relevant.
const NoEvidenceAnswer = "No supporting material was found in the indexed papers for this question."

var ErrUnknownTool = errors.New("unknown tool")

type Args struct {
	Query string
	TopK  int
}

// Evidence is one retrieved passage as shown to the UI.
type Evidence struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Pages   string  `json:"pages,omitempty"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// Result is a tool's answer. NoEvidence means the store answered with zero
// relevant chunks; it is not an error.
type Result struct {
	Tool       string     `json:"tool"`
	Answer     string     `json:"answer"`
	Evidence   []Evidence `json:"evidence"`
	NoEvidence bool       `json:"no_evidence"`
}

type Tool interface {
	Name() string
	Execute(ctx context.Context, src types.EvidenceSource, args Args) (Result, error)
}

// Registry resolves tools by name.
type Registry struct {
	tools map[string]Tool
	topK  int
}

// NewRegistry returns a registry holding the built-in tools.
func NewRegistry(topK int) *Registry {
	if topK <= 0 {
		topK = 5
	}
	r := &Registry{tools: make(map[string]Tool), topK: topK}
	r.Register(factualLookup{})
	r.Register(documentSummary{})
	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool. Storage faults are returned as errors.
func (r *Registry) Execute(ctx context.Context, name string, src types.EvidenceSource, args Args) (Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args.TopK <= 0 {
		args.TopK = r.topK
	}
	res, err := t.Execute(ctx, src, args)
	if err != nil {
		return Result{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return res, nil
}

func noEvidence(tool string) Result {
	return Result{Tool: tool, Answer: NoEvidenceAnswer, NoEvidence: true}
}

func toEvidence(hits []models.ScoredChunk, excerpt func(models.ScoredChunk) string) []Evidence {
	out := make([]Evidence, len(hits))
	for i, h := range hits {
		out[i] = Evidence{
			ChunkID: h.ID,
			Source:  h.SourceDocumentID,
			Pages:   h.Pages.String(),
			Score:   h.Score,
			Excerpt: excerpt(h),
		}
	}
	return out
}

func sourceLabel(c models.Chunk) string {
	if p := c.Pages.String(); p != "" {
		return fmt.Sprintf("%s (%s)", c.SourceDocumentID, p)
	}
	return c.SourceDocumentID
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
