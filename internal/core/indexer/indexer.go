package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/models"
)

// Config tunes the indexing workers.
//
// QueueSize:   pending turns held before Enqueue starts dropping.
// BatchSize:   messages embedded per request.
// MinChars:    messages shorter than this are not indexed.
// JobTimeout:  upper bound for one turn's embed + persist.
// Dim:         expected vector length; must match the embeddings column. 0 skips the check.
type Config struct {
	QueueSize  int
	BatchSize  int
	MinChars   int
	JobTimeout time.Duration
	Dim        int
}

// ErrDimension is returned when the embedder's vectors do not have the
// configured length.
var ErrDimension = errors.New("indexer: embedding dimension mismatch")

func DefaultConfig() Config {
	return Config{QueueSize: 64, BatchSize: 16, MinChars: 2, JobTimeout: time.Minute}
}

// MessageIndexer embeds persisted messages in the background so a
// conversation can be searched by meaning.
//
// db:        persistence for embeddings and search.
// embedder:  embedding provider (Gemini).
// jobs:      in-memory queue of turns to index.
type MessageIndexer struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	cfg      Config
	jobs     chan []models.Message
	logger   *slog.Logger

	wg sync.WaitGroup
}

func New(db core.DbClient, emb core.EmbeddingProvider, cfg Config, logger *slog.Logger) *MessageIndexer {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = def.MinChars
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageIndexer{
		db: db, embedder: emb, cfg: cfg, logger: logger,
		jobs: make(chan []models.Message, cfg.QueueSize),
	}
}

// Start runs numWorkers goroutines reading from the jobs channel until ctx
// is done. Wait blocks until they have exited.
func (i *MessageIndexer) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		i.wg.Add(1)
		go func(w int) {
			defer i.wg.Done()
			for {
				select {
				case <-ctx.Done():
					i.logger.Debug("indexer worker shutting down", "worker", w)
					return
				case msgs := <-i.jobs:
					if err := i.ProcessOne(ctx, msgs); err != nil {
						i.logger.Warn("index turn failed", "worker", w, "error", err)
					}
				}
			}
		}(w)
	}
}

func (i *MessageIndexer) Wait() { i.wg.Wait() }

// Enqueue schedules messages for indexing. It never blocks the caller; when
// the queue is full the turn is dropped and logged.
func (i *MessageIndexer) Enqueue(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	select {
	case i.jobs <- msgs:
	default:
		i.logger.Warn("index queue full, dropping turn", "chat_id", msgs[0].ChatID)
	}
}

// ProcessOne embeds and stores one batch of messages.
func (i *MessageIndexer) ProcessOne(ctx context.Context, msgs []models.Message) error {
	proctx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()

	var keep []models.Message
	for _, m := range msgs {
		if len(strings.TrimSpace(m.Text)) >= i.cfg.MinChars {
			keep = append(keep, m)
		}
	}

	for start := 0; start < len(keep); start += i.cfg.BatchSize {
		end := min(start+i.cfg.BatchSize, len(keep))
		batch := keep[start:end]

		texts := make([]string, len(batch))
		for k, m := range batch {
			texts[k] = m.Text
		}
		vecs, err := i.embedder.EmbedTexts(proctx, texts)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed: got %d vectors for %d messages", len(vecs), len(batch))
		}
		for _, vec := range vecs {
			if err := i.checkDim(vec); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(proctx)
		for k := range batch {
			m, vec := batch[k], vecs[k]
			g.Go(func() error {
				if err := i.db.UpsertMessageEmbedding(gctx, m.ID, m.ChatID, vec); err != nil {
					return fmt.Errorf("store embedding for %s: %w", m.ID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Search embeds query and returns the closest messages of chatID.
func (i *MessageIndexer) Search(ctx context.Context, chatID, query string, limit int) ([]models.MessageHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	vec, err := i.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if vec == nil {
		return nil, nil
	}
	if err := i.checkDim(vec); err != nil {
		return nil, err
	}
	return i.db.SearchMessages(ctx, chatID, vec, limit)
}

func (i *MessageIndexer) checkDim(vec []float32) error {
	if i.cfg.Dim > 0 && len(vec) != i.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), i.cfg.Dim)
	}
	return nil
}

// queryEmbedder is implemented by embedders that treat search queries
// differently from stored text.
type queryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

func (i *MessageIndexer) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if qe, ok := i.embedder.(queryEmbedder); ok {
		return qe.EmbedQuery(ctx, query)
	}
	vecs, err := i.embedder.EmbedTexts(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return nil, err
	}
	return vecs[0], nil
}
