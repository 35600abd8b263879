package relay

import (
	"context"
	"errors"
)

// EventType tags every frame the relay sends to a client.
type EventType string

const (
	EventReady EventType = "ready"
	EventDelta EventType = "delta"
	EventFinal EventType = "final"
	EventError EventType = "error"
	EventPong  EventType = "pong"
)

// Event is the wire shape shared by the WebSocket and SSE transports.
// Delta events carry the cumulative text so far, not a diff.
type Event struct {
	Type          EventType `json:"type"`
	ClientMsgID   string    `json:"client_msg_id,omitempty"`
	Text          string    `json:"text,omitempty"`
	Error         string    `json:"error,omitempty"`
	Details       string    `json:"details,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	MessageNumber int64     `json:"message_number,omitempty"`
}

// Terminal reports whether no further events follow for the turn.
func (e Event) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}

// Emitter delivers events for one connection in call order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Error codes carried in Event.Error.
const (
	CodeMissingField     = "Missing chat_id or text"
	CodeTurnInProgress   = "turn_in_progress"
	CodeNotFound         = "conversation_not_found"
	CodeForbidden        = "forbidden"
	CodeInsertUserFailed = "Failed to insert user message"
	CodeLLMError         = "LLM error"
	CodeInsertAssistant  = "Failed to insert assistant message"
)

var (
	ErrMissingField   = errors.New("relay: missing chat_id or text")
	ErrTurnInProgress = errors.New("relay: turn already in progress for conversation")
	ErrForbidden      = errors.New("relay: conversation not owned by caller")
	ErrUpstream       = errors.New("relay: language model call failed")
)
