package tools

import (
	"context"
	"fmt"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/processor"
)

// factualLookup answers with the best matching sentence of each hit.
type factualLookup struct{}

func (factualLookup) Name() string { return FactualLookup }

func (factualLookup) Execute(ctx context.Context, src types.EvidenceSource, args Args) (Result, error) {
	hits, err := src.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return Result{}, err
	}
	if len(hits) == 0 {
		return noEvidence(FactualLookup), nil
	}

	best := func(h models.ScoredChunk) string { return processor.BestSentence(args.Query, h.Text) }

	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		sentence := best(h)
		if sentence == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("According to %s: %s [%s]", sourceLabel(h.Chunk), sentence, h.ID))
	}
	if len(lines) == 0 {
		return noEvidence(FactualLookup), nil
	}

	return Result{
		Tool:     FactualLookup,
		Answer:   joinLines(lines),
		Evidence: toEvidence(hits, best),
	}, nil
}
