package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/processor"
)

type verdict int

const (
	verdictUnknown verdict = iota
	verdictSupported
	verdictUnsupported
)

// doAnalyze checks every research claim against the text of the chunks it
// cites. It reports whether another research pass should run.
func (r *run) doAnalyze(ctx context.Context) (bool, error) {
	var (
		kept []models.Claim
		open []string
	)
	for _, c := range r.research.Claims {
		ok, reason, err := r.check(ctx, c)
		if err != nil {
			return false, err
		}
		if ok {
			kept = append(kept, c)
			continue
		}
		open = append(open, fmt.Sprintf("%s (%s)", c.Text, reason))
		r.guidanceNext(c.Text)
	}

	r.verified = mergeClaims(r.verified, kept)
	r.open = open
	r.artifact(models.StageArtifact{Stage: StageAnalyze, Claims: r.verified, OpenIssues: open})

	again := len(open) > 0 && r.passes < MaxResearchPasses
	r.logger.Debug("Analysis complete",
		zap.Int("pass", r.passes),
		zap.Int("kept", len(kept)),
		zap.Int("open_issues", len(open)),
		zap.Bool("research_again", again))
	if !again {
		r.guidance = nil
	}
	return again, nil
}

func (r *run) guidanceNext(text string) {
	if r.passes == 1 {
		r.guidance = append(r.guidance, text)
	}
}

// check decides one claim. Claims citing nothing, or citing a chunk this
// query never retrieved, are rejected without consulting the model.
func (r *run) check(ctx context.Context, c models.Claim) (bool, string, error) {
	if len(c.ChunkIDs) == 0 {
		return false, "cites no source", nil
	}

	var support []models.Chunk
	for _, id := range c.ChunkIDs {
		if !r.tracker.Known(id) {
			return false, fmt.Sprintf("cites %s, which was not retrieved", id), nil
		}
		chunk, err := r.src.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			return false, fmt.Sprintf("cites %s, which no longer exists", id), nil
		}
		if err != nil {
			return false, "", fmt.Errorf("fetch %s: %w", id, err)
		}
		support = append(support, chunk)
	}

	best := 0.0
	claimTokens := processor.Tokens(c.Text)
	for _, chunk := range support {
		if o := processor.OverlapSets(claimTokens, processor.Tokens(chunk.Text)); o > best {
			best = o
		}
	}
	if best < r.p.threshold {
		return false, fmt.Sprintf("weak overlap %.2f with cited text", best), nil
	}
	if r.p.analystMode != AnalystLLM {
		return true, "", nil
	}

	out, err := r.p.invoker.Invoke(ctx, types.RoleAnalyst, analystPrompt(c, support), nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		r.logger.Warn("Analyst unavailable, keeping overlap decision", zap.Error(err))
		return true, "", nil
	}
	switch parseVerdict(out) {
	case verdictUnsupported:
		return false, "analyst found the cited text does not support it", nil
	case verdictUnknown:
		r.logger.Debug("Unparseable analyst verdict, keeping overlap decision", zap.String("verdict", out))
	}
	return true, "", nil
}

func analystPrompt(c models.Claim, support []models.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\nSource passages:\n\n", c.Text)
	for _, chunk := range support {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", chunk.ID, chunk.Text)
	}
	b.WriteString("Do the passages support the claim? Answer SUPPORTED or UNSUPPORTED.")
	return b.String()
}

func parseVerdict(out string) verdict {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.ToUpper(line)
	switch {
	case strings.Contains(line, "UNSUPPORTED"), strings.Contains(line, "NOT SUPPORTED"):
		return verdictUnsupported
	case strings.Contains(line, "SUPPORTED"):
		return verdictSupported
	default:
		return verdictUnknown
	}
}

// mergeClaims appends claims to dst, skipping claims whose text is already
// present.
func mergeClaims(dst, claims []models.Claim) []models.Claim {
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[strings.ToLower(c.Text)] = struct{}{}
	}
	for _, c := range claims {
		key := strings.ToLower(c.Text)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
