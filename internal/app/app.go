// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/chatrelay/internal/config"
	"github.com/markdave123-py/chatrelay/internal/core"
	db "github.com/markdave123-py/chatrelay/internal/core/database"
	"github.com/markdave123-py/chatrelay/internal/core/indexer"
	"github.com/markdave123-py/chatrelay/internal/core/llm"
	objectclient "github.com/markdave123-py/chatrelay/internal/core/object-client"
	"github.com/markdave123-py/chatrelay/internal/core/speech"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Indexer      *indexer.MessageIndexer
	Relay        *relay.Relay
	Server       *Server

	logger  *slog.Logger
	closers []func() error
}

// NewApp wires storage, providers and the HTTP server. Storage falls back
// to in-memory implementations when DATABASE_URL or BUCKET_NAME is unset.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{logger: logger}

	if cfg.DatabaseURL != "" {
		pg, err := db.NewDatabaseClient(appCtx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.DBClient = pg
		logger.Info("database initialized and ready")
	} else {
		a.DBClient = db.NewMemoryClient()
		logger.Warn("using in-memory store; data is lost on restart")
	}
	a.closers = append(a.closers, a.DBClient.Close)

	if cfg.BucketName != "" {
		s3c, err := objectclient.NewS3Client(appCtx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.ObjectClient = s3c
		logger.Info("object client initialized and ready", "bucket", cfg.BucketName)
	} else {
		a.ObjectClient = objectclient.NewMemoryObjects()
	}

	embedder, err := llm.NewGeminiEmbedder(appCtx, llm.Options{APIKey: cfg.AIAPIKey, Model: cfg.EmbedModel, Logger: logger})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	a.closers = append(a.closers, embedder.Close)

	llmProvider, err := llm.NewGeminiLLM(appCtx, llm.Options{
		APIKey:          cfg.AIAPIKey,
		Model:           cfg.GenModel,
		MaxOutputTokens: cfg.MaxReplyTokens,
		Logger:          logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the llm, %w", err)
	}
	a.closers = append(a.closers, llmProvider.Close)

	var stt core.Transcriber
	var tts core.Synthesizer
	if cfg.SpeechAPIKey != "" {
		g, err := speech.NewGoogleSTT(appCtx, cfg.SpeechAPIKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		stt = g
		t, err := speech.NewGoogleTTS(appCtx, cfg.SpeechAPIKey, speech.TTSOptions{
			DefaultVoice: cfg.TTSVoice,
			Archive:      a.ObjectClient,
			Logger:       logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		tts = t
	} else {
		logger.Warn("GOOGLE_SPEECH_API_KEY not set; speech endpoints disabled")
	}

	idxCfg := indexer.DefaultConfig()
	idxCfg.Dim = cfg.EmbedDim
	a.Indexer = indexer.New(a.DBClient, embedder, idxCfg, logger)
	a.Indexer.Start(ctx, cfg.IndexWorkers)

	a.Relay = relay.New(a.DBClient, llmProvider, relay.Options{
		SystemPrompt: cfg.SystemPrompt,
		Pacing:       cfg.RelayPacing,
		Indexer:      a.Indexer,
		Logger:       logger,
	})

	a.Server = NewServer(cfg, Deps{
		DB:       a.DBClient,
		Relay:    a.Relay,
		Searcher: a.Indexer,
		STT:      stt,
		TTS:      tts,
		Logger:   logger,
	})
	return a, nil
}

// Close releases providers and storage in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
