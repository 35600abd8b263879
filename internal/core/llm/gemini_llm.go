package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/chatrelay/internal/core"
)

// GeminiLLM answers one chat turn per call. Replies come back whole; the
// relay paces them out as deltas.
type GeminiLLM struct {
	client *genai.Client
	opts   Options
}

func NewGeminiLLM(ctx context.Context, opts Options) (*GeminiLLM, error) {
	opts = opts.withDefaults("gemini-1.5-flash")
	cl, err := newClient(ctx, opts.APIKey)
	if err != nil {
		return nil, err
	}
	return &GeminiLLM{client: cl, opts: opts}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m := g.client.GenerativeModel(g.opts.Model)
	m.SetTemperature(g.opts.Temperature)
	if g.opts.MaxOutputTokens > 0 {
		m.SetMaxOutputTokens(g.opts.MaxOutputTokens)
	}
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	resp, err := m.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			g.opts.Logger.Warn("reply blocked", "model", g.opts.Model, "error", err)
			return "", fmt.Errorf("%w: %v", ErrBlocked, err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return replyText(resp)
}

// replyText joins the text parts of the first candidate.
func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyReply
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyReply
	}
	return out, nil
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
