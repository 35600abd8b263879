package client

import (
	"context"

	"github.com/markdave123-py/chatrelay/internal/relay"
)

// Turn is one user submission sent over a transport.
type Turn struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id"`
	Mode        string `json:"mode,omitempty"`
}

// Transport carries turns to the relay and relay events back. Events from
// one turn arrive in emission order.
type Transport interface {
	Send(ctx context.Context, t Turn) error
	Events() <-chan relay.Event
	Close() error
}
