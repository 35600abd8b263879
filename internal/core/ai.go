package core

import "context"

type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// TranscribeRequest carries one encoded audio segment to a speech recognizer.
type TranscribeRequest struct {
	Audio    []byte
	MimeType string
	Language string
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}

// SynthesisRequest asks for spoken audio of Text.
type SynthesisRequest struct {
	Text     string
	Voice    string
	Encoding string // "MP3" or "LINEAR16"
}

// SynthesisResult is encoded audio plus its content type.
type SynthesisResult struct {
	Audio       []byte
	ContentType string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}
