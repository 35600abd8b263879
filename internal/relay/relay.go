package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

const (
	DefaultPacing = 20 * time.Millisecond
	titleMaxRunes = 60
)

// TurnRequest is one user submission.
type TurnRequest struct {
	ConversationID string
	Text           string
	ClientMsgID    string
	Mode           string
	Owner          models.Owner
}

// MessageIndexer receives persisted turns for recall indexing.
type MessageIndexer interface {
	Enqueue(msgs ...models.Message)
}

type Options struct {
	SystemPrompt string
	Pacing       time.Duration
	Indexer      MessageIndexer
	Logger       *slog.Logger
}

// Relay runs chat turns: persist the user message, call the model, replay
// the sanitized reply as cumulative deltas, persist the reply, finalize.
type Relay struct {
	db           core.DbClient
	llm          core.LLMProvider
	systemPrompt string
	pacing       time.Duration
	indexer      MessageIndexer
	logger       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(db core.DbClient, llm core.LLMProvider, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	return &Relay{
		db:           db,
		llm:          llm,
		systemPrompt: opts.SystemPrompt,
		pacing:       opts.Pacing,
		indexer:      opts.Indexer,
		logger:       opts.Logger,
		inFlight:     make(map[string]struct{}),
	}
}

func (r *Relay) begin(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[conversationID]; busy {
		return false
	}
	r.inFlight[conversationID] = struct{}{}
	return true
}

func (r *Relay) end(conversationID string) {
	r.mu.Lock()
	delete(r.inFlight, conversationID)
	r.mu.Unlock()
}

// RunTurn executes one turn and reports it through emit. ctx is the
// connection's lifetime: once it is done no further events are emitted,
// though the reply is still persisted with meta.interrupted set.
func (r *Relay) RunTurn(ctx context.Context, req TurnRequest, emit Emitter) error {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || strings.TrimSpace(req.Text) == "" {
		r.emitError(ctx, emit, req.ClientMsgID, CodeMissingField, "")
		return ErrMissingField
	}
	if req.ClientMsgID == "" {
		req.ClientMsgID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = "text"
	}

	log := r.logger.With("chat_id", req.ConversationID, "client_msg_id", req.ClientMsgID)

	if !r.begin(req.ConversationID) {
		r.emitError(ctx, emit, req.ClientMsgID, CodeTurnInProgress, "")
		return ErrTurnInProgress
	}
	defer r.end(req.ConversationID)

	if err := r.ensureConversation(ctx, req); err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			r.emitError(ctx, emit, req.ClientMsgID, CodeNotFound, "")
		case errors.Is(err, ErrForbidden):
			r.emitError(ctx, emit, req.ClientMsgID, CodeForbidden, "")
		default:
			r.emitError(ctx, emit, req.ClientMsgID, CodeInsertUserFailed, err.Error())
		}
		return err
	}

	// A resubmission whose reply already exists is answered from storage.
	done, err := r.db.FindMessageByClientID(ctx, req.ConversationID, models.RoleAssistant, req.ClientMsgID)
	if err != nil {
		r.emitError(ctx, emit, req.ClientMsgID, CodeInsertUserFailed, err.Error())
		return fmt.Errorf("lookup assistant message: %w", err)
	}
	if done != nil {
		log.Info("replaying completed turn", "message_id", done.ID)
		return emit.Emit(ctx, finalEvent(done))
	}

	userMsg, err := r.persistUser(ctx, req)
	if err != nil {
		r.emitError(ctx, emit, req.ClientMsgID, CodeInsertUserFailed, err.Error())
		return fmt.Errorf("insert user message: %w", err)
	}

	raw, err := r.llm.Generate(ctx, r.systemPrompt, req.Text)
	if err != nil {
		log.Warn("model call failed, user message left in place", "error", err, "message_id", userMsg.ID)
		r.emitError(ctx, emit, req.ClientMsgID, CodeLLMError, err.Error())
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	reply := Sanitize(raw)

	interrupted := r.streamDeltas(ctx, emit, req.ClientMsgID, reply)

	assistant := &models.Message{
		ChatID:      req.ConversationID,
		Role:        models.RoleAssistant,
		Text:        reply,
		ClientMsgID: req.ClientMsgID,
		Status:      models.StatusComplete,
		Meta:        models.MessageMeta{Streamed: true, Mode: req.Mode, Interrupted: interrupted},
	}
	// The reply outlives the connection so a reconnecting client can load it.
	if err := r.db.InsertMessage(context.WithoutCancel(ctx), assistant); err != nil {
		log.Error("insert assistant message", "error", err)
		if !interrupted {
			r.emitError(ctx, emit, req.ClientMsgID, CodeInsertAssistant, err.Error())
			_ = emit.Emit(ctx, Event{Type: EventFinal, ClientMsgID: req.ClientMsgID, Text: reply})
		}
		return fmt.Errorf("insert assistant message: %w", err)
	}

	if r.indexer != nil {
		r.indexer.Enqueue(*userMsg, *assistant)
	}

	if interrupted {
		log.Info("client went away mid-turn", "message_id", assistant.ID)
		return ctx.Err()
	}
	log.Debug("turn complete", "message_number", assistant.MessageNumber)
	return emit.Emit(ctx, finalEvent(assistant))
}

// ensureConversation checks ownership, creating the conversation on first
// use when the caller is known.
func (r *Relay) ensureConversation(ctx context.Context, req TurnRequest) error {
	conv, err := r.db.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, core.ErrNotFound) && req.Owner.Valid() {
		conv = &models.Conversation{
			ID:      req.ConversationID,
			UserID:  req.Owner.UserID,
			GuestID: req.Owner.GuestID,
			Title:   titleFrom(req.Text),
			Meta:    models.ConversationMeta{Mode: req.Mode},
		}
		if err := r.db.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if req.Owner.Valid() && !req.Owner.Owns(conv) {
		return ErrForbidden
	}
	return nil
}

// persistUser inserts the user row, or returns the row left behind by an
// earlier attempt with the same client_msg_id.
func (r *Relay) persistUser(ctx context.Context, req TurnRequest) (*models.Message, error) {
	existing, err := r.db.FindMessageByClientID(ctx, req.ConversationID, models.RoleUser, req.ClientMsgID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	msg := &models.Message{
		ChatID:      req.ConversationID,
		Role:        models.RoleUser,
		Text:        req.Text,
		ClientMsgID: req.ClientMsgID,
		Status:      models.StatusComplete,
		Meta:        models.MessageMeta{Mode: req.Mode},
	}
	err = r.db.InsertMessage(ctx, msg)
	if errors.Is(err, core.ErrDuplicate) {
		return r.db.FindMessageByClientID(ctx, req.ConversationID, models.RoleUser, req.ClientMsgID)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// streamDeltas emits one cumulative snapshot per word. It reports true when
// the connection went away before every snapshot was sent.
func (r *Relay) streamDeltas(ctx context.Context, emit Emitter, clientMsgID, text string) bool {
	snaps := Snapshots(text)
	var timer *time.Timer
	if r.pacing > 0 {
		timer = time.NewTimer(r.pacing)
		defer timer.Stop()
	}
	for i, snap := range snaps {
		if ctx.Err() != nil {
			return true
		}
		if err := emit.Emit(ctx, Event{Type: EventDelta, ClientMsgID: clientMsgID, Text: snap}); err != nil {
			return true
		}
		if timer == nil || i == len(snaps)-1 {
			continue
		}
		timer.Reset(r.pacing)
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
		}
	}
	return ctx.Err() != nil
}

func (r *Relay) emitError(ctx context.Context, emit Emitter, clientMsgID, code, details string) {
	if err := emit.Emit(ctx, Event{Type: EventError, ClientMsgID: clientMsgID, Error: code, Details: details}); err != nil {
		r.logger.Debug("could not deliver error event", "error", err, "code", code)
	}
}

func finalEvent(m *models.Message) Event {
	return Event{
		Type:          EventFinal,
		ClientMsgID:   m.ClientMsgID,
		Text:          m.Text,
		MessageID:     m.ID,
		MessageNumber: m.MessageNumber,
	}
}

func titleFrom(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	runes := []rune(t)
	if len(runes) <= titleMaxRunes {
		return t
	}
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}
