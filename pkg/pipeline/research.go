package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/processor"
)

func (r *run) doResearch(ctx context.Context) error {
	r.passes++
	queries := r.searchQueries()

	chunks, err := r.gather(ctx, queries)
	if err != nil {
		return err
	}
	r.chunks = mergeChunks(r.chunks, chunks)

	claims, err := r.extractClaims(ctx, chunks)
	if err != nil {
		return err
	}

	r.research = models.StageArtifact{Stage: StageResearch, Claims: claims}
	r.artifact(r.research)
	r.logger.Debug("Research pass complete",
		zap.Int("pass", r.passes),
		zap.Strings("queries", queries),
		zap.Int("chunks", len(chunks)),
		zap.Int("claims", len(claims)))
	return nil
}

// searchQueries derives the store queries for this pass: the question, the
// question in the context of the previous user turn, and one per guidance
// issue left by the Analyst.
func (r *run) searchQueries() []string {
	candidates := []string{r.q.RawText}
	if prev, ok := r.q.LastUserTurn(); ok {
		candidates = append(candidates, strings.TrimSpace(prev)+" "+r.q.RawText)
	}
	candidates = append(candidates, r.guidance...)

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) == r.p.maxQueries {
			break
		}
	}
	return out
}

// gather runs the searches concurrently. A failed search is absorbed as long
// as at least one succeeds.
func (r *run) gather(ctx context.Context, queries []string) ([]models.Chunk, error) {
	results := make([][]models.ScoredChunk, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	for i, text := range queries {
		g.Go(func() error {
			results[i], errs[i] = r.src.Search(ctx, text, r.p.topK)
			return nil
		})
	}
	_ = g.Wait()

	var (
		firstErr error
		ok       int
	)
	for i, err := range errs {
		if err != nil {
			r.logger.Warn("Research search failed",
				zap.String("search", queries[i]),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok++
	}
	if ok == 0 && firstErr != nil {
		return nil, fmt.Errorf("evidence search: %w", firstErr)
	}

	var chunks []models.Chunk
	for _, hits := range results {
		for _, h := range hits {
			chunks = append(chunks, h.Chunk)
		}
	}
	return mergeChunks(nil, chunks), nil
}

// mergeChunks appends chunks to dst, skipping ids already present.
func mergeChunks(dst, chunks []models.Chunk) []models.Chunk {
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[c.ID] = struct{}{}
	}
	for _, c := range chunks {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}

func (r *run) extractClaims(ctx context.Context, chunks []models.Chunk) ([]models.Claim, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	out, err := r.p.invoker.Invoke(ctx, types.RoleResearcher, r.researchPrompt(chunks), r.q.History)
	if err != nil {
		return nil, fmt.Errorf("researcher: %w", err)
	}

	claims := parseClaims(out)
	if len(claims) == 0 {
		r.logger.Warn("Researcher output had no usable claims, using passage leads",
			zap.Int("output_len", len(out)))
		return leadClaims(r.q.RawText, chunks), nil
	}
	return claims, nil
}

func (r *run) researchPrompt(chunks []models.Chunk) string {
	var b strings.Builder
	b.WriteString("Evidence passages:\n\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%s] %s", c.ID, c.SourceDocumentID)
		if p := c.Pages.String(); p != "" {
			fmt.Fprintf(&b, ", %s", p)
		}
		fmt.Fprintf(&b, "\n%s\n\n", c.Text)
	}
	fmt.Fprintf(&b, "Question: %s\n\n", r.q.RawText)
	if len(r.guidance) > 0 {
		b.WriteString("A reviewer could not verify these earlier findings. Look for better support or leave them out:\n")
		for _, g := range r.guidance {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		b.WriteString("\n")
	}
	b.WriteString(`List the findings relevant to the question, one JSON object per line:
{"claim": "<finding>", "chunk_ids": ["<id>", ...]}
Only use ids from the passages above.`)
	return b.String()
}

type rawClaim struct {
	Claim    string   `json:"claim"`
	Text     string   `json:"text"`
	ChunkIDs []string `json:"chunk_ids"`
}

// parseClaims reads one JSON claim per line, tolerating list bullets, code
// fences and a wrapping JSON array.
func parseClaims(out string) []models.Claim {
	out = strings.TrimSpace(out)
	var raws []rawClaim
	if strings.HasPrefix(out, "[") {
		if err := json.Unmarshal([]byte(out), &raws); err != nil {
			raws = nil
		}
	}
	if raws == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimLeft(line, "-*• ")
			line = strings.TrimSuffix(line, ",")
			if !strings.HasPrefix(line, "{") {
				continue
			}
			var rc rawClaim
			if err := json.Unmarshal([]byte(line), &rc); err != nil {
				continue
			}
			raws = append(raws, rc)
		}
	}

	var claims []models.Claim
	for _, rc := range raws {
		text := strings.TrimSpace(rc.Claim)
		if text == "" {
			text = strings.TrimSpace(rc.Text)
		}
		if text == "" {
			continue
		}
		ids := make([]string, 0, len(rc.ChunkIDs))
		for _, id := range rc.ChunkIDs {
			if id = strings.Trim(strings.TrimSpace(id), "[]"); id != "" {
				ids = append(ids, id)
			}
		}
		claims = append(claims, models.Claim{Text: text, ChunkIDs: ids})
	}
	return claims
}

// leadClaims makes one claim per chunk from its sentence closest to the question.
func leadClaims(question string, chunks []models.Chunk) []models.Claim {
	claims := make([]models.Claim, 0, len(chunks))
	for _, c := range chunks {
		s := processor.BestSentence(question, c.Text)
		if s == "" {
			continue
		}
		claims = append(claims, models.Claim{Text: s, ChunkIDs: []string{c.ID}})
	}
	return claims
}
