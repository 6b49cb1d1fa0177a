package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/processor"
)

const leadSentences = 2

// documentSummary summarises the documents behind the hits, one paragraph per
// source document, citing the best scoring chunk of each.
type documentSummary struct{}

func (documentSummary) Name() string { return DocumentSummary }

func (documentSummary) Execute(ctx context.Context, src types.EvidenceSource, args Args) (Result, error) {
	hits, err := src.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return Result{}, err
	}
	if len(hits) == 0 {
		return noEvidence(DocumentSummary), nil
	}

	// hits arrive by descending score, so the first chunk per source is its best
	var order []string
	best := make(map[string]models.ScoredChunk)
	for _, h := range hits {
		if _, ok := best[h.SourceDocumentID]; ok {
			continue
		}
		best[h.SourceDocumentID] = h
		order = append(order, h.SourceDocumentID)
	}

	paragraphs := make([]string, 0, len(order))
	for _, source := range order {
		h := best[source]
		summary := strings.TrimSpace(h.Summary)
		if summary == "" {
			summary = lead(h.Text)
		}
		if summary == "" {
			continue
		}
		paragraphs = append(paragraphs, fmt.Sprintf("%s: %s [%s]", source, summary, h.ID))
	}
	if len(paragraphs) == 0 {
		return noEvidence(DocumentSummary), nil
	}

	return Result{
		Tool:     DocumentSummary,
		Answer:   strings.Join(paragraphs, "\n\n"),
		Evidence: toEvidence(hits, func(h models.ScoredChunk) string { return lead(h.Text) }),
	}, nil
}

func lead(text string) string {
	sentences := processor.SplitSentences(text)
	if len(sentences) > leadSentences {
		sentences = sentences[:leadSentences]
	}
	return strings.Join(sentences, " ")
}
