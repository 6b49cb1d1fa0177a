package models

type EventKind string

const (
	EventToken      EventKind = "token"
	EventStageStart EventKind = "stage_start"
	EventStageEnd   EventKind = "stage_end"
	EventToolResult EventKind = "tool_result"
	// EventDegraded flags unverifiable citations without ending the stream.
	EventDegraded EventKind = "degraded"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
)

// Error kinds carried by EventError and EventDegraded.
const (
	ErrorKindInvalidQuery = "invalid_query"
	ErrorKindUnavailable  = "unavailable"
	ErrorKindFailed       = "failed"
	ErrorKindCancelled    = "cancelled"
	ErrorKindCitation     = "unverified_citation"
)

// StreamEvent is one element of the ordered answer stream.
type StreamEvent struct {
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	ChunkIDs  []string  `json:"chunk_ids,omitempty"`
}

func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

func Token(text string) StreamEvent { return StreamEvent{Kind: EventToken, Text: text} }
func StageStart(stage string) StreamEvent { return StreamEvent{Kind: EventStageStart, Stage: stage} }
func StageEnd(stage string) StreamEvent { return StreamEvent{Kind: EventStageEnd, Stage: stage} }
func ToolResult(payload any) StreamEvent { return StreamEvent{Kind: EventToolResult, Payload: payload} }
func Done() StreamEvent { return StreamEvent{Kind: EventDone} }

func ErrorEvent(kind, msg string) StreamEvent {
	return StreamEvent{Kind: EventError, ErrorKind: kind, Message: msg}
}

func Degraded(msg string, chunkIDs []string) StreamEvent {
	return StreamEvent{Kind: EventDegraded, ErrorKind: ErrorKindCitation, Message: msg, ChunkIDs: chunkIDs}
}
