package db

import (
	"context"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/models"
)

const subscriberBuffer = 32

// changeHub fans message changes out to per-conversation subscribers. A
// subscriber that cannot keep up misses changes rather than blocking the
// publisher; clients reconcile by re-listing.
type changeHub struct {
	mu   sync.Mutex
	subs map[string]map[chan models.MessageChange]struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[string]map[chan models.MessageChange]struct{})}
}

func (h *changeHub) subscribe(ctx context.Context, chatID string) <-chan models.MessageChange {
	ch := make(chan models.MessageChange, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[chatID]
	if !ok {
		set = make(map[chan models.MessageChange]struct{})
		h.subs[chatID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[chatID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, chatID)
			}
		}
	}()
	return ch
}

func (h *changeHub) publish(change models.MessageChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[change.ChatID] {
		select {
		case ch <- change:
		default:
		}
	}
}

func (h *changeHub) hasSubscribers(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[chatID]) > 0
}

// closeAll ends every subscription.
func (h *changeHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, chatID)
	}
}
