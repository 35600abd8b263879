package indexer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	db "github.com/markdave123-py/chatrelay/internal/core/database"
	"github.com/markdave123-py/chatrelay/internal/models"
)

// letterEmbedder maps text to a two-dimensional vector of vowel and
// consonant counts, enough to make nearest-neighbour order predictable.
type letterEmbedder struct {
	err   error
	calls int
}

func (e *letterEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var v, c float32
		for _, r := range strings.ToLower(t) {
			switch {
			case strings.ContainsRune("aeiou", r):
				v++
			case r >= 'a' && r <= 'z':
				c++
			}
		}
		out[i] = []float32{v, c}
	}
	return out, nil
}

func seed(t *testing.T, store *db.MemoryClient, texts ...string) []models.Message {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{GuestID: "g"}
	require.NoError(t, store.CreateConversation(ctx, conv))
	var msgs []models.Message
	for i, text := range texts {
		m := &models.Message{ChatID: conv.ID, Role: models.RoleUser, Text: text, ClientMsgID: string(rune('a' + i))}
		require.NoError(t, store.InsertMessage(ctx, m))
		msgs = append(msgs, *m)
	}
	return msgs
}

func TestProcessOneAndSearch(t *testing.T) {
	store := db.NewMemoryClient()
	emb := &letterEmbedder{}
	idx := New(store, emb, Config{BatchSize: 2}, nil)

	msgs := seed(t, store, "aaaa", "bcdfg", "aeio", "x")
	require.NoError(t, idx.ProcessOne(context.Background(), msgs))
	assert.Equal(t, 2, emb.calls, "three indexable messages in batches of two")

	hits, err := idx.Search(context.Background(), msgs[0].ChatID, "ooo", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.ElementsMatch(t, []string{"aaaa", "aeio"}, []string{hits[0].Message.Text, hits[1].Message.Text})
}

func TestProcessOneEmbedError(t *testing.T) {
	store := db.NewMemoryClient()
	idx := New(store, &letterEmbedder{err: errors.New("quota")}, DefaultConfig(), nil)
	msgs := seed(t, store, "hello")
	assert.ErrorContains(t, idx.ProcessOne(context.Background(), msgs), "quota")
}

func TestDimensionMismatch(t *testing.T) {
	store := db.NewMemoryClient()
	idx := New(store, &letterEmbedder{}, Config{Dim: 768}, nil)
	msgs := seed(t, store, "hello")

	assert.ErrorIs(t, idx.ProcessOne(context.Background(), msgs), ErrDimension)
	_, err := idx.Search(context.Background(), msgs[0].ChatID, "hello", 1)
	assert.ErrorIs(t, err, ErrDimension)

	idx = New(store, &letterEmbedder{}, Config{Dim: 2}, nil)
	assert.NoError(t, idx.ProcessOne(context.Background(), msgs))
}

func TestWorkersDrainQueue(t *testing.T) {
	store := db.NewMemoryClient()
	idx := New(store, &letterEmbedder{}, DefaultConfig(), nil)
	msgs := seed(t, store, "hello there", "general kenobi")

	ctx, cancel := context.WithCancel(context.Background())
	idx.Start(ctx, 2)
	idx.Enqueue(msgs...)

	require.Eventually(t, func() bool {
		hits, err := idx.Search(context.Background(), msgs[0].ChatID, "hello", 10)
		return err == nil && len(hits) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	idx.Wait()
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	idx := New(db.NewMemoryClient(), &letterEmbedder{}, Config{QueueSize: 1}, nil)
	idx.Enqueue(models.Message{ChatID: "c", Text: "one"})
	idx.Enqueue(models.Message{ChatID: "c", Text: "two"})
	assert.Len(t, idx.jobs, 1)
}
