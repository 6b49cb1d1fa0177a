package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/testutil"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/tools"
)

func TestRouteLabels(t *testing.T) {
	tests := []struct {
		reply    string
		label    models.Label
		strategy models.Strategy
		tool     string
	}{
		{"factual_lookup", models.LabelFactualLookup, models.StrategyDirectTool, tools.FactualLookup},
		{"document_summary", models.LabelDocumentSummary, models.StrategyDirectTool, tools.DocumentSummary},
		{`{"label": "comparative_analysis"}`, models.LabelComparative, models.StrategyCollaborative, ""},
		{" Open_Ended_Synthesis.\n", models.LabelOpenEndedSynthesis, models.StrategyCollaborative, ""},
		{"The label is factual_lookup", models.LabelFactualLookup, models.StrategyDirectTool, tools.FactualLookup},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			inv := testutil.NewInvoker().Reply(types.RoleRouter, tt.reply)
			r := New(LLMClassifier{Invoker: inv}, nil)

			d := r.Route(context.Background(), models.NewQuery("question", nil))
			assert.Equal(t, tt.strategy, d.Strategy)
			assert.Equal(t, tt.tool, d.Tool)
			assert.Equal(t, tt.label, d.Label)
			assert.False(t, d.Fallback)
		})
	}
}

func TestRouteFallback(t *testing.T) {
	tests := []struct {
		name    string
		handler testutil.Handler
	}{
		{"malformed", func(ctx context.Context, p string) (string, error) { return "I am not sure", nil }},
		{"two labels", func(ctx context.Context, p string) (string, error) {
			return "factual_lookup or document_summary", nil
		}},
		{"bad json", func(ctx context.Context, p string) (string, error) { return `{"label":`, nil }},
		{"llm error", func(ctx context.Context, p string) (string, error) { return "", errors.New("model offline") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := testutil.NewInvoker().On(types.RoleRouter, tt.handler)
			r := New(LLMClassifier{Invoker: inv}, nil)

			d := r.Route(context.Background(), models.NewQuery("question", nil))
			assert.Equal(t, models.StrategyCollaborative, d.Strategy)
			assert.True(t, d.Fallback)
			assert.Empty(t, d.Tool)
			assert.Contains(t, d.Rationale, "classification failed")
		})
	}
}

func TestRouteDeterministic(t *testing.T) {
	r := New(NewRuleClassifier(), nil)
	q := models.NewQuery("What is the main contribution of paper X?", nil)

	first := r.Route(context.Background(), q)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Route(context.Background(), q))
	}
}

func TestRuleClassifier(t *testing.T) {
	tests := []struct {
		text string
		want models.Label
	}{
		{"What is the main contribution of paper X?", models.LabelFactualLookup},
		{"Who proposed the sparse attention kernel?", models.LabelFactualLookup},
		{"Summarize the paper on graph transformers", models.LabelDocumentSummary},
		{"Give me an overview of paper X", models.LabelDocumentSummary},
		{"Compare the methods in paper X and paper Y", models.LabelComparative},
		{"Sparse attention vs dense attention", models.LabelComparative},
		{"Why do these approaches fail on long documents?", models.LabelOpenEndedSynthesis},
		{"Tell me something interesting", models.LabelOpenEndedSynthesis},
	}

	c := NewRuleClassifier()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(context.Background(), models.NewQuery(tt.text, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
