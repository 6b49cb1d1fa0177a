package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Query is a single user turn. It is not modified after dispatch.
type Query struct {
	ID      string `json:"id"`
	RawText string `json:"raw_text"`
	History []Turn `json:"conversation_history,omitempty"`
}

func NewQuery(text string, history []Turn) Query {
	h := make([]Turn, len(history))
	copy(h, history)
	return Query{
		ID:      uuid.NewString(),
		RawText: strings.TrimSpace(text),
		History: h,
	}
}

// LastUserTurn returns the most recent prior user message, if any.
func (q Query) LastUserTurn() (string, bool) {
	for i := len(q.History) - 1; i >= 0; i-- {
		if q.History[i].Role == RoleUser && strings.TrimSpace(q.History[i].Text) != "" {
			return q.History[i].Text, true
		}
	}
	return "", false
}

type Strategy string

const (
	StrategyDirectTool    Strategy = "DIRECT_TOOL"
	StrategyCollaborative Strategy = "COLLABORATIVE"
)

type Label string

const (
	LabelFactualLookup      Label = "factual_lookup"
	LabelDocumentSummary    Label = "document_summary"
	LabelComparative        Label = "comparative_analysis"
	LabelOpenEndedSynthesis Label = "open_ended_synthesis"
)

// Labels is the fixed classification label set.
var Labels = []Label{LabelFactualLookup, LabelDocumentSummary, LabelComparative, LabelOpenEndedSynthesis}

func ParseLabel(s string) (Label, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range Labels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

type RoutingDecision struct {
	Strategy  Strategy `json:"strategy"`
	Tool      string   `json:"selected_tool,omitempty"`
	Label     Label    `json:"label,omitempty"`
	Rationale string   `json:"rationale"`
	Fallback  bool     `json:"fallback"`
}

// Claim is one finding and the chunks offered in its support.
type Claim struct {
	Text     string   `json:"text"`
	ChunkIDs []string `json:"chunk_ids"`
}

type StageArtifact struct {
	Stage      string   `json:"stage_name"`
	Claims     []Claim  `json:"claims"`
	OpenIssues []string `json:"open_issues"`
}

type CitationMarker struct {
	Text    string `json:"marker_text"`
	ChunkID string `json:"chunk_id"`
}

// Verdict is the user's thumbs up or down on an answer.
type Verdict string

const (
	VerdictUp   Verdict = "up"
	VerdictDown Verdict = "down"
)

type Feedback struct {
	QueryID  string    `json:"query_id"`
	Verdict  Verdict   `json:"verdict"`
	Query    string    `json:"query,omitempty"`
	Response string    `json:"response,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}
