package services

import (
	"context"
	"errors"
	"strings"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

var ErrForbidden = errors.New("conversation belongs to another owner")

// Searcher finds messages of a conversation by meaning.
type Searcher interface {
	Search(ctx context.Context, chatID, query string, limit int) ([]models.MessageHit, error)
}

type ConversationService struct {
	db       core.DbClient
	searcher Searcher
}

func NewConversationService(db core.DbClient, searcher Searcher) *ConversationService {
	return &ConversationService{db: db, searcher: searcher}
}

func (s *ConversationService) Create(ctx context.Context, owner models.Owner, title, mode string) (*models.Conversation, error) {
	if !owner.Valid() {
		return nil, errors.New("invalid owner")
	}
	conv := &models.Conversation{
		UserID:  owner.UserID,
		GuestID: owner.GuestID,
		Title:   strings.TrimSpace(title),
		Meta:    models.ConversationMeta{Mode: mode},
	}
	if conv.Title == "" {
		conv.Title = "New chat"
	}
	if err := s.db.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns the conversation if owner may see it.
func (s *ConversationService) Get(ctx context.Context, owner models.Owner, id string) (*models.Conversation, error) {
	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owner.Owns(conv) {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *ConversationService) List(ctx context.Context, owner models.Owner) ([]models.Conversation, error) {
	return s.db.ListConversations(ctx, owner)
}

func (s *ConversationService) Rename(ctx context.Context, owner models.Owner, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is required")
	}
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	return s.db.UpdateConversationTitle(ctx, id, title)
}

// Delete removes the conversation and, through the store, its messages.
func (s *ConversationService) Delete(ctx context.Context, owner models.Owner, id string) error {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return err
	}
	return s.db.DeleteConversation(ctx, id)
}

// Messages returns the conversation's rows ordered by message_number.
func (s *ConversationService) Messages(ctx context.Context, owner models.Owner, id string) ([]models.Message, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, id)
}

func (s *ConversationService) Search(ctx context.Context, owner models.Owner, id, query string, limit int) ([]models.MessageHit, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	if s.searcher == nil {
		return nil, nil
	}
	return s.searcher.Search(ctx, id, query, limit)
}

// Changes streams row changes for the conversation until ctx ends.
func (s *ConversationService) Changes(ctx context.Context, owner models.Owner, id string) (<-chan models.MessageChange, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.db.SubscribeMessages(ctx, id)
}
