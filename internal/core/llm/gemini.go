// Package llm adapts Gemini to the model and embedding interfaces the relay
// and indexer consume.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

var (
	ErrBlocked    = errors.New("llm: blocked by safety filters")
	ErrEmptyReply = errors.New("llm: model returned no text")
)

// Options configures a Gemini client. Zero values take the defaults below.
// Calls are made once; failures go back to the caller unretried.
type Options struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	Logger          *slog.Logger
}

func (o Options) withDefaults(model string) Options {
	if o.APIKey == "" {
		o.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if o.Model == "" {
		o.Model = model
	}
	if o.Temperature == 0 {
		o.Temperature = 0.4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, option.WithAPIKey(apiKey))
}
