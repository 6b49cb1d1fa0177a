// Package router picks the execution strategy for a query.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/tools"
)

// Classifier assigns one label from the fixed label set.
type Classifier interface {
	Classify(ctx context.Context, q models.Query) (models.Label, error)
}

var errMalformed = errors.New("malformed classification")

// route is the closed label -> strategy table.
var route = map[models.Label]models.RoutingDecision{
	models.LabelFactualLookup:      {Strategy: models.StrategyDirectTool, Tool: tools.FactualLookup},
	models.LabelDocumentSummary:    {Strategy: models.StrategyDirectTool, Tool: tools.DocumentSummary},
	models.LabelComparative:        {Strategy: models.StrategyCollaborative},
	models.LabelOpenEndedSynthesis: {Strategy: models.StrategyCollaborative},
}

type Router struct {
	classifier Classifier
	logger     *zap.Logger
}

func New(classifier Classifier, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{classifier: classifier, logger: logger}
}

// Route never fails: any classification problem falls back to the
// collaborative strategy, recorded in the rationale.
func (r *Router) Route(ctx context.Context, q models.Query) models.RoutingDecision {
	label, err := r.classifier.Classify(ctx, q)
	if err != nil {
		r.logger.Warn("Classification failed, using collaborative fallback",
			zap.String("query_id", q.ID),
			zap.Error(err))
		return fallback(fmt.Sprintf("classification failed: %v", err))
	}

	d, ok := route[label]
	if !ok {
		return fallback(fmt.Sprintf("classification failed: unknown label %q", label))
	}
	d.Label = label
	d.Rationale = fmt.Sprintf("classified as %s", label)

	r.logger.Debug("Query routed",
		zap.String("query_id", q.ID),
		zap.String("label", string(label)),
		zap.String("strategy", string(d.Strategy)),
		zap.String("tool", d.Tool))
	return d
}

func fallback(reason string) models.RoutingDecision {
	return models.RoutingDecision{
		Strategy:  models.StrategyCollaborative,
		Rationale: reason + "; falling back to collaborative",
		Fallback:  true,
	}
}

// LLMClassifier asks the model for a single label.
type LLMClassifier struct {
	Invoker types.Invoker
}

func (c LLMClassifier) Classify(ctx context.Context, q models.Query) (models.Label, error) {
	prompt := fmt.Sprintf("Question: %s\n\nLabel:", q.RawText)
	out, err := c.Invoker.Invoke(ctx, types.RoleRouter, prompt, q.History)
	if err != nil {
		return "", err
	}
	return parseLabel(out)
}

var labelTokenRe = regexp.MustCompile(`[a-z_]+`)

// parseLabel accepts a bare label, a quoted one, or {"label": "..."}.
func parseLabel(out string) (models.Label, error) {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "{") {
		var v struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal([]byte(out), &v); err != nil {
			return "", fmt.Errorf("%w: %v", errMalformed, err)
		}
		out = v.Label
	}
	out = strings.Trim(strings.ToLower(strings.TrimSpace(out)), "\"'`.")
	if l, ok := models.ParseLabel(out); ok {
		return l, nil
	}

	// Tolerate a single label wrapped in a short sentence, but not several.
	var found []models.Label
	for _, tok := range labelTokenRe.FindAllString(out, -1) {
		if l, ok := models.ParseLabel(tok); ok {
			found = append(found, l)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", fmt.Errorf("%w: %q", errMalformed, truncate(out, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
