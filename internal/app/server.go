package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/chatrelay/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/config"
	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/services"
)

// Deps are the collaborators the router needs.
type Deps struct {
	DB       core.DbClient
	Relay    handlers.TurnRunner
	Searcher services.Searcher
	STT      core.Transcriber
	TTS      core.Synthesizer
	Logger   *slog.Logger
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewRouter builds and wires all routes.
func NewRouter(cfg *config.Config, d Deps) http.Handler {
	authHandler := handlers.NewAuthHandler(cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(d.Relay, cfg.AllowedOrigins, d.Logger)
	convHandler := handlers.NewConversationHandler(services.NewConversationService(d.DB, d.Searcher), d.Logger)
	speechHandler := handlers.NewSpeechHandler(d.STT, d.TTS, d.Logger)
	billingHandler := handlers.NewBillingHandler(services.NewPaymentService(d.DB, d.Logger), cfg.StripeWebhookSecret, d.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(appMiddleware.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		// streaming endpoints live outside the request timeout
		api.Group(func(stream chi.Router) {
			stream.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))
			stream.Get("/chat/ws", chatHandler.ServeWS)
			stream.Post("/chat/stream", chatHandler.StreamSSE)
			stream.Get("/conversations/{id}/changes", convHandler.Changes)
		})

		api.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(60 * time.Second))

			// public endpoints
			rest.Post("/guests", authHandler.CreateGuest)
			rest.Post("/webhooks/stripe", billingHandler.StripeWebhook)

			rest.Group(func(internal chi.Router) {
				internal.Use(appMiddleware.InternalToken(cfg.InternalToken))
				internal.Post("/internal/guests/{id}/report-ready", billingHandler.ReportReady)
			})

			// protected endpoints
			rest.Group(func(protected chi.Router) {
				protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))
				protected.Get("/guests/{id}/payment-status", billingHandler.PaymentStatus)

				protected.Post("/conversations", convHandler.Create)
				protected.Get("/conversations", convHandler.List)
				protected.Patch("/conversations/{id}", convHandler.Rename)
				protected.Delete("/conversations/{id}", convHandler.Delete)
				protected.Get("/conversations/{id}/messages", convHandler.Messages)
				protected.Get("/conversations/{id}/search", convHandler.Search)

				protected.Post("/speech/transcribe", speechHandler.Transcribe)
				protected.Post("/speech/synthesize", speechHandler.Synthesize)
			})
		})
	})

	return r
}

func NewServer(cfg *config.Config, d Deps) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, d),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, logger: d.Logger}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
