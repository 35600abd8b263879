package models

import (
	"time"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message status values.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Conversation is an ordered thread of messages owned by exactly one of a
// registered user or a guest.
type Conversation struct {
	ID                string           `db:"id" json:"id"`
	UserID            string           `db:"user_id" json:"user_id,omitempty"`
	GuestID           string           `db:"guest_id" json:"guest_id,omitempty"`
	Title             string           `db:"title" json:"title"`
	Meta              ConversationMeta `db:"meta" json:"meta"`
	LastMessageNumber int64            `db:"last_message_number" json:"last_message_number"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

type ConversationMeta struct {
	Mode string `json:"mode,omitempty"`
}

// Owner identifies who a conversation belongs to.
type Owner struct {
	UserID  string `json:"user_id,omitempty"`
	GuestID string `json:"guest_id,omitempty"`
}

func (o Owner) IsGuest() bool { return o.UserID == "" && o.GuestID != "" }

func (o Owner) Valid() bool { return (o.UserID == "") != (o.GuestID == "") }

// Owns reports whether the conversation belongs to o.
func (o Owner) Owns(c *Conversation) bool {
	if c == nil || !o.Valid() {
		return false
	}
	if o.UserID != "" {
		return c.UserID == o.UserID
	}
	return c.GuestID == o.GuestID
}

// Message is one persisted row of a conversation.
type Message struct {
	ID            string      `db:"id" json:"id"`
	ChatID        string      `db:"chat_id" json:"chat_id"`
	Role          Role        `db:"role" json:"role"`
	Text          string      `db:"text" json:"text"`
	MessageNumber int64       `db:"message_number" json:"message_number"`
	ClientMsgID   string      `db:"client_msg_id" json:"client_msg_id"`
	Status        string      `db:"status" json:"status"`
	Meta          MessageMeta `db:"meta" json:"meta"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

type MessageMeta struct {
	Streamed    bool   `json:"streamed,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// ChangeOp is the kind of row change announced on the change feed.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// MessageChange is a row-change notification for one message.
type MessageChange struct {
	Op      ChangeOp `json:"op"`
	ChatID  string   `json:"chat_id"`
	Message *Message `json:"message,omitempty"`
	ID      string   `json:"id"`
}

// MessageHit is a recall search result.
type MessageHit struct {
	Message  Message `json:"message"`
	Distance float64 `json:"distance"`
}

// PaymentSignals are the three external signals that release the payment gate.
type PaymentSignals struct {
	GuestID          string    `db:"guest_id" json:"guest_id"`
	PaymentConfirmed bool      `db:"payment_confirmed" json:"payment_confirmed"`
	ReportReady      bool      `db:"report_ready" json:"report_ready"`
	PaymentError     bool      `db:"payment_error" json:"payment_error"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Any reports whether at least one signal is set.
func (p PaymentSignals) Any() bool {
	return p.PaymentConfirmed || p.ReportReady || p.PaymentError
}
