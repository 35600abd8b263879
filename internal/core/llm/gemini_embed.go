package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/chatrelay/internal/core"
)

// maxBatch is the most contents one BatchEmbedContents call accepts.
const maxBatch = 100

// GeminiEmbedder embeds chat messages for recall search. Stored messages
// and search queries use different task types so Gemini can optimize each
// side of the match.
type GeminiEmbedder struct {
	client *genai.Client
	opts   Options
}

func NewGeminiEmbedder(ctx context.Context, opts Options) (*GeminiEmbedder, error) {
	opts = opts.withDefaults("text-embedding-004")
	cl, err := newClient(ctx, opts.APIKey)
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedder{client: cl, opts: opts}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts embeds messages for storage, in batches of maxBatch.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, genai.TaskTypeRetrievalDocument, texts)
}

// EmbedQuery embeds a search query.
func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := g.embed(ctx, genai.TaskTypeRetrievalQuery, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *GeminiEmbedder) embed(ctx context.Context, task genai.TaskType, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := g.client.EmbeddingModel(g.opts.Model)
	em.TaskType = task

	out := make([][]float32, 0, len(texts))
	for _, part := range batches(texts, maxBatch) {
		batch := em.NewBatch()
		for _, t := range part {
			batch.AddContent(genai.Text(t))
		}
		resp, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini batch embed: %w", err)
		}
		if len(resp.Embeddings) != len(part) {
			return nil, fmt.Errorf("gemini batch embed: got %d embeddings for %d texts", len(resp.Embeddings), len(part))
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

func batches(texts []string, size int) [][]string {
	var out [][]string
	for len(texts) > size {
		out = append(out, texts[:size])
		texts = texts[size:]
	}
	if len(texts) > 0 {
		out = append(out, texts)
	}
	return out
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
