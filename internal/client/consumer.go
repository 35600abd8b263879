package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/models"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

type ConsumerHandlers struct {
	// OnDelta sees the cumulative reply text after every delta.
	OnDelta func(clientMsgID, text string)
	// OnMessage fires once per message newly committed to the store,
	// whichever path delivered it first.
	OnMessage func(m models.Message)
	// OnFinal fires when a turn this client sent completes on the stream.
	OnFinal func(m models.Message)
	// OnError fires for error events; the pending text is discarded.
	OnError func(ev relay.Event)
}

// Consumer applies relay events and change notifications to a Store.
type Consumer struct {
	store  *Store
	h      ConsumerHandlers
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]string
	chats   map[string]string
}

func NewConsumer(store *Store, h ConsumerHandlers, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		store:   store,
		h:       h,
		logger:  logger,
		pending: make(map[string]string),
		chats:   make(map[string]string),
	}
}

// Begin records the user message of a turn about to be sent so the reply
// can be attributed to its conversation.
func (c *Consumer) Begin(user models.Message) {
	c.mu.Lock()
	c.chats[user.ClientMsgID] = user.ChatID
	c.pending[user.ClientMsgID] = ""
	c.mu.Unlock()
	if c.store.Upsert(user) && c.h.OnMessage != nil {
		c.h.OnMessage(user)
	}
}

// Pending returns the text streamed so far for a turn in flight.
func (c *Consumer) Pending(clientMsgID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pending[clientMsgID]
	return t, ok
}

// Handle applies one relay event.
func (c *Consumer) Handle(ev relay.Event) {
	switch ev.Type {
	case relay.EventDelta:
		c.mu.Lock()
		c.pending[ev.ClientMsgID] = ev.Text
		c.mu.Unlock()
		if c.h.OnDelta != nil {
			c.h.OnDelta(ev.ClientMsgID, ev.Text)
		}

	case relay.EventFinal:
		chatID := c.finish(ev.ClientMsgID)
		if chatID == "" {
			chatID = c.store.ActiveChat()
		}
		m := models.Message{
			ID:            ev.MessageID,
			ChatID:        chatID,
			Role:          models.RoleAssistant,
			Text:          ev.Text,
			MessageNumber: ev.MessageNumber,
			ClientMsgID:   ev.ClientMsgID,
			Status:        models.StatusComplete,
			Meta:          models.MessageMeta{Streamed: true},
		}
		if c.store.Upsert(m) && c.h.OnMessage != nil {
			c.h.OnMessage(m)
		}
		if c.h.OnFinal != nil {
			c.h.OnFinal(m)
		}

	case relay.EventError:
		c.finish(ev.ClientMsgID)
		c.logger.Warn("turn failed", "client_msg_id", ev.ClientMsgID, "error", ev.Error, "details", ev.Details)
		if c.h.OnError != nil {
			c.h.OnError(ev)
		}
	}
}

func (c *Consumer) finish(clientMsgID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	chatID := c.chats[clientMsgID]
	delete(c.pending, clientMsgID)
	delete(c.chats, clientMsgID)
	return chatID
}

// HandleChange applies a row change from the change feed through the same
// upsert as stream events.
func (c *Consumer) HandleChange(ch models.MessageChange) {
	switch ch.Op {
	case models.ChangeDelete:
		c.store.Remove(ch.ID)
	case models.ChangeInsert, models.ChangeUpdate:
		if ch.Message == nil {
			return
		}
		if c.store.Upsert(*ch.Message) && c.h.OnMessage != nil {
			c.h.OnMessage(*ch.Message)
		}
	}
}

// Run applies events and changes until ctx ends or the event channel
// closes. changes may be nil.
func (c *Consumer) Run(ctx context.Context, events <-chan relay.Event, changes <-chan models.MessageChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ev)
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.HandleChange(ch)
		}
	}
}
