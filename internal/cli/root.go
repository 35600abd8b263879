// Package cli provides the voicechat command-line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/chatrelay/internal/client"
	"github.com/markdave123-py/chatrelay/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL      string
	token          string
	chatFlag       string
	transportName  string
	sessionFile    string
	logLevel       string
	logFile        string
	requirePayment bool

	logger    *slog.Logger
	closeLog  func() error
	session   client.SessionStorage
	apiClient *client.Client
)

const (
	sessionTokenKey = "token"
	sessionGuestKey = "guest_id"
)

var gatePollInterval = 3 * time.Second

var rootCmd = &cobra.Command{
	Use:   "voicechat",
	Short: "Talk to the chat relay from the terminal",
	Long: `voicechat captures speech from the microphone, sends each utterance to
the chat relay as a turn and speaks the reply.

The active conversation is remembered in the session file, so running
voicechat again resumes where you left off.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog = config.SetupLogger(logFile, config.ParseLogLevel(logLevel))

		if cmd.Name() == "devices" || cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		session, err = openSession(sessionFile)
		if err != nil {
			return err
		}
		if token == "" {
			token, _ = session.Get(sessionTokenKey)
		}
		apiClient, err = client.New(client.Options{
			BaseURL:    serverURL,
			Token:      token,
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
			Logger:     logger,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// Execute adds all child commands to the root command and runs it until
// ctx is cancelled.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHATRELAY_URL", "http://localhost:8080"), "relay base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CHATRELAY_TOKEN"), "bearer token; a guest identity is created when empty")
	rootCmd.PersistentFlags().StringVarP(&chatFlag, "chat", "c", "", "conversation id to open when the session has none")
	rootCmd.PersistentFlags().StringVar(&transportName, "transport", "ws", "relay transport: ws or sse")
	rootCmd.PersistentFlags().StringVar(&sessionFile, "session-file", defaultSessionFile(), "where the active conversation is remembered")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&requirePayment, "require-payment", false, "wait for the guest payment gate before opening a conversation")

	rootCmd.AddCommand(talkCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(guestCmd)
	rootCmd.AddCommand(devicesCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".voicechat.yaml"
	}
	return filepath.Join(dir, "voicechat", "session.yaml")
}

func openSession(path string) (client.SessionStorage, error) {
	if path == "" {
		return client.NewMemorySession(), nil
	}
	s, err := client.OpenFileSession(path)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

// ensureIdentity makes sure the client has a token and returns the guest id
// when the identity is a guest one.
func ensureIdentity(ctx context.Context) (string, error) {
	guestID, _ := session.Get(sessionGuestKey)
	if apiClient.Token() != "" {
		return guestID, nil
	}
	g, err := apiClient.CreateGuest(ctx)
	if err != nil {
		return "", err
	}
	if err := session.Set(sessionTokenKey, g.Token); err != nil {
		logger.Warn("could not remember guest token", "error", err)
	}
	if err := session.Set(sessionGuestKey, g.ID); err != nil {
		logger.Warn("could not remember guest id", "error", err)
	}
	logger.Info("created guest identity", "guest_id", g.ID)
	return g.ID, nil
}

// openConversation resolves the gate, hydrates the active conversation and
// loads its history into store.
func openConversation(ctx context.Context, cmd *cobra.Command, store *client.Store, guestID string) (string, error) {
	if requirePayment && guestID != "" {
		sig, err := apiClient.PaymentStatus(ctx, guestID)
		if err != nil {
			logger.Warn("payment status unavailable", "error", err)
		}
		store.SetGate(client.ComputeGate(true, sig))
		if store.Gate() == client.Locked {
			fmt.Fprintln(cmd.OutOrStdout(), "Waiting for payment to complete...")
			if _, err := apiClient.WaitUnlocked(ctx, guestID, gatePollInterval); err != nil {
				return "", fmt.Errorf("payment gate: %w", err)
			}
			store.SetGate(client.Unlocked)
		}
	}

	chatID, src := store.Hydrate(chatFlag)
	if src == client.HydrateNone {
		chatID = uuid.NewString()
		if err := store.SetActiveChat(chatID); err != nil {
			return "", err
		}
	}
	logger.Debug("conversation selected", "chat_id", chatID, "source", src.String())

	history, err := apiClient.Messages(ctx, chatID)
	var he *client.HTTPError
	switch {
	case errors.As(err, &he) && he.Status == http.StatusNotFound:
	case err != nil:
		return "", fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		store.Upsert(m)
	}
	return chatID, nil
}

func dialTransport(ctx context.Context) (client.Transport, error) {
	switch transportName {
	case "ws", "":
		return apiClient.DialWS(ctx)
	case "sse":
		return apiClient.NewSSETransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transportName)
	}
}
