package core

import (
	"context"
	"errors"

	"github.com/markdave123-py/chatrelay/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate message")
)

// DbClient defines all persistence operations the relay and API need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, owner models.Owner) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error

	// InsertMessage allocates the next message_number for msg.ChatID and
	// stores the row. A second row with the same (chat_id, role,
	// client_msg_id) returns ErrDuplicate.
	InsertMessage(ctx context.Context, msg *models.Message) error
	FindMessageByClientID(ctx context.Context, chatID string, role models.Role, clientMsgID string) (*models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)

	UpsertMessageEmbedding(ctx context.Context, messageID, chatID string, embedding []float32) error
	SearchMessages(ctx context.Context, chatID string, embedding []float32, limit int) ([]models.MessageHit, error)

	GetPaymentSignals(ctx context.Context, guestID string) (*models.PaymentSignals, error)
	MarkPaymentSignal(ctx context.Context, guestID string, signal PaymentSignal) error

	// SubscribeMessages streams row changes for chatID until ctx is done.
	SubscribeMessages(ctx context.Context, chatID string) (<-chan models.MessageChange, error)

	Close() error
}

// PaymentSignal names one of the gate-releasing signals.
type PaymentSignal string

const (
	SignalPaymentConfirmed PaymentSignal = "payment_confirmed"
	SignalReportReady      PaymentSignal = "report_ready"
	SignalPaymentError     PaymentSignal = "payment_error"
)

// ObjectClient stores blobs in a single bucket (S3 or in-memory).
// GetFile returns ErrNotFound for a missing key.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	GetFile(ctx context.Context, key string) ([]byte, string, error)
	DeleteFile(ctx context.Context, key string) error
}
