package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/xhad/nexus/internal/models"
)

type rule struct {
	label    models.Label
	patterns []*regexp.Regexp
}

// RuleClassifier is a deterministic keyword classifier. Rules are tried in
// order; the first match wins.
type RuleClassifier struct {
	rules []rule
}

func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{rules: []rule{
		{
			label: models.LabelComparative,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\bcompar(e|es|ed|ing|ison)\b`),
				regexp.MustCompile(`\b(versus|vs\.?)\b`),
				regexp.MustCompile(`\bdifferences?\s+between\b`),
				regexp.MustCompile(`\b(contrast|similarities)\b`),
				regexp.MustCompile(`\bhow\s+does\s+.+\s+differ\b`),
			},
		},
		{
			label: models.LabelDocumentSummary,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\bsummari[sz]e\b`),
				regexp.MustCompile(`\b(summary|overview|abstract|tl;?dr)\s+of\b`),
				regexp.MustCompile(`\bwhat\s+is\s+.+\s+(paper|article|document)\s+about\b`),
			},
		},
		{
			label: models.LabelOpenEndedSynthesis,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(why|implications?|trends?|future|should|synthesi[sz]e)\b`),
				regexp.MustCompile(`\b(across|literature|state\s+of\s+the\s+art)\b`),
			},
		},
		{
			label: models.LabelFactualLookup,
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`^(what|who|when|where|which|how\s+many|how\s+much)\b`),
				regexp.MustCompile(`\b(define|definition|main\s+contribution|dataset|accuracy)\b`),
			},
		},
	}}
}

func (c *RuleClassifier) Classify(ctx context.Context, q models.Query) (models.Label, error) {
	text := strings.ToLower(strings.TrimSpace(q.RawText))
	for _, r := range c.rules {
		for _, p := range r.patterns {
			if p.MatchString(text) {
				return r.label, nil
			}
		}
	}
	return models.LabelOpenEndedSynthesis, nil
}
