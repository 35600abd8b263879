package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

// MemoryClient is an in-process DbClient used when DATABASE_URL is unset and
// in tests. It keeps the same numbering and idempotency rules as Postgres.
type MemoryClient struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	embeddings    map[string]memEmbedding
	payments      map[string]*models.PaymentSignals
	hub           *changeHub
	now           func() time.Time
}

type memEmbedding struct {
	chatID string
	vec    []float32
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		embeddings:    make(map[string]memEmbedding),
		payments:      make(map[string]*models.PaymentSignals),
		hub:           newChangeHub(),
		now:           time.Now,
	}
}

func (m *MemoryClient) Close() error {
	m.hub.closeAll()
	return nil
}

func (m *MemoryClient) CreateConversation(_ context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("nil conversation")
	}
	if (conv.UserID == "") == (conv.GuestID == "") {
		return errors.New("conversation needs exactly one of user_id or guest_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	now := m.now()
	conv.CreatedAt, conv.UpdatedAt = now, now
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

func (m *MemoryClient) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *MemoryClient) ListConversations(_ context.Context, owner models.Owner) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, conv := range m.conversations {
		if owner.Owns(conv) {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryClient) UpdateConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return core.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.conversations[id]; !ok {
		m.mu.Unlock()
		return core.ErrNotFound
	}
	removed := m.messages[id]
	delete(m.conversations, id)
	delete(m.messages, id)
	for msgID, e := range m.embeddings {
		if e.chatID == id {
			delete(m.embeddings, msgID)
		}
	}
	m.mu.Unlock()

	for _, msg := range removed {
		m.hub.publish(models.MessageChange{Op: models.ChangeDelete, ChatID: id, ID: msg.ID})
	}
	return nil
}

func (m *MemoryClient) InsertMessage(_ context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	m.mu.Lock()
	conv, ok := m.conversations[msg.ChatID]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound
	}
	for _, existing := range m.messages[msg.ChatID] {
		if existing.Role == msg.Role && existing.ClientMsgID == msg.ClientMsgID {
			m.mu.Unlock()
			return core.ErrDuplicate
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = models.StatusComplete
	}
	conv.LastMessageNumber++
	conv.UpdatedAt = m.now()
	msg.MessageNumber = conv.LastMessageNumber
	msg.CreatedAt = conv.UpdatedAt
	cp := *msg
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], &cp)
	m.mu.Unlock()

	published := cp
	m.hub.publish(models.MessageChange{Op: models.ChangeInsert, ChatID: msg.ChatID, ID: msg.ID, Message: &published})
	return nil
}

func (m *MemoryClient) FindMessageByClientID(_ context.Context, chatID string, role models.Role, clientMsgID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[chatID] {
		if msg.Role == role && msg.ClientMsgID == clientMsgID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryClient) ListMessages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, 0, len(m.messages[chatID]))
	for _, msg := range m.messages[chatID] {
		out = append(out, *msg)
	}
	return out, nil
}

func (m *MemoryClient) UpsertMessageEmbedding(_ context.Context, messageID, chatID string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[chatID]; !ok {
		return core.ErrNotFound
	}
	m.embeddings[messageID] = memEmbedding{chatID: chatID, vec: append([]float32(nil), embedding...)}
	return nil
}

func (m *MemoryClient) SearchMessages(_ context.Context, chatID string, embedding []float32, limit int) ([]models.MessageHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []models.MessageHit
	for _, msg := range m.messages[chatID] {
		e, ok := m.embeddings[msg.ID]
		if !ok {
			continue
		}
		hits = append(hits, models.MessageHit{Message: *msg, Distance: l2(e.vec, embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func l2(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (m *MemoryClient) GetPaymentSignals(_ context.Context, guestID string) (*models.PaymentSignals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[guestID]; ok {
		cp := *p
		return &cp, nil
	}
	return &models.PaymentSignals{GuestID: guestID}, nil
}

func (m *MemoryClient) MarkPaymentSignal(_ context.Context, guestID string, signal core.PaymentSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[guestID]
	if !ok {
		p = &models.PaymentSignals{GuestID: guestID}
		m.payments[guestID] = p
	}
	switch signal {
	case core.SignalPaymentConfirmed:
		p.PaymentConfirmed = true
	case core.SignalReportReady:
		p.ReportReady = true
	case core.SignalPaymentError:
		p.PaymentError = true
	default:
		return fmt.Errorf("unknown payment signal %q", signal)
	}
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) SubscribeMessages(ctx context.Context, chatID string) (<-chan models.MessageChange, error) {
	return m.hub.subscribe(ctx, chatID), nil
}

var _ core.DbClient = (*MemoryClient)(nil)
