package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/citation"
	"github.com/xhad/nexus/pkg/tools"
)

// doEdit streams the Editor's prose. Text is released one sentence at a
// time, and only after its markers have been checked against the tracker.
func (r *run) doEdit(ctx context.Context) error {
	if len(r.verified) == 0 {
		if len(r.chunks) == 0 {
			r.logger.Info("Nothing retrieved, answering without evidence")
			return r.release(ctx, tools.NoEvidenceAnswer)
		}
		r.logger.Info("No verified claims, reporting unresolved points",
			zap.Int("chunks", len(r.chunks)),
			zap.Int("open_issues", len(r.open)))
		return r.release(ctx, unverifiedAnswer(r.open))
	}

	var seg citation.Segmenter
	_, err := r.p.invoker.Stream(ctx, types.RoleEditor, r.editPrompt(), r.q.History,
		func(ctx context.Context, chunk string) error {
			if text, ok := seg.Write(chunk); ok {
				return r.release(ctx, text)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("editor: %w", err)
	}
	if rest := seg.Flush(); rest != "" {
		return r.release(ctx, rest)
	}
	return nil
}

// release validates one segment and emits it, preceded by a degraded event
// when it cites something this query never retrieved.
func (r *run) release(ctx context.Context, text string) error {
	res := r.tracker.ValidateText(text)
	if res.Degraded() {
		r.logger.Warn("Unverifiable citation in answer", zap.Strings("chunk_ids", res.UnverifiedIDs()))
		if err := r.emit.Emit(ctx, models.Degraded(res.Message(), res.UnverifiedIDs())); err != nil {
			return err
		}
		r.answer.Unverified = union(r.answer.Unverified, res.UnverifiedIDs())
	}
	if stray := r.outsideFindings(res.Markers); len(stray) > 0 {
		r.logger.Warn("Answer cites retrieved chunks that back no verified finding", zap.Strings("chunk_ids", stray))
	}
	if err := r.emit.Emit(ctx, models.Token(text)); err != nil {
		return err
	}
	r.answer.Text += text
	r.answer.Markers = append(r.answer.Markers, res.Markers...)
	return nil
}

// outsideFindings lists cited ids that were retrieved but that no verified
// claim relies on. Unknown ids are reported as degraded instead.
func (r *run) outsideFindings(markers []models.CitationMarker) []string {
	if len(markers) == 0 {
		return nil
	}
	backing := make(map[string]struct{})
	for _, c := range r.verified {
		for _, id := range c.ChunkIDs {
			backing[id] = struct{}{}
		}
	}
	var stray []string
	for _, m := range markers {
		if _, ok := backing[m.ChunkID]; ok || !r.tracker.Known(m.ChunkID) {
			continue
		}
		stray = union(stray, []string{m.ChunkID})
	}
	return stray
}

// UnverifiedIntro opens the answer given when passages were retrieved but no
// finding drawn from them survived analysis.
const UnverifiedIntro = "Relevant passages were retrieved, but no finding drawn from them could be verified against the cited text."

func unverifiedAnswer(open []string) string {
	if len(open) == 0 {
		return UnverifiedIntro
	}
	var b strings.Builder
	b.WriteString(UnverifiedIntro)
	b.WriteString("\nUnresolved points:\n")
	for _, o := range open {
		fmt.Fprintf(&b, "- %s\n", o)
	}
	return b.String()
}

func (r *run) editPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nVerified findings:\n", r.q.RawText)
	for _, c := range r.verified {
		fmt.Fprintf(&b, "- %s [%s]\n", c.Text, strings.Join(c.ChunkIDs, ", "))
	}
	if len(r.open) > 0 {
		b.WriteString("\nUnresolved points (mention only as open questions, without citations):\n")
		for _, o := range r.open {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	b.WriteString("\nWrite the answer. Put the bracketed ids of a finding right after each sentence that uses it.")
	return b.String()
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
