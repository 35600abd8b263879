package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gspeech "google.golang.org/api/speech/v1"

	"github.com/markdave123-py/chatrelay/internal/core"
)

var ErrUpstream = errors.New("speech: upstream provider failed")

// GoogleSTT transcribes whole segments with the Cloud Speech REST API.
type GoogleSTT struct {
	svc *gspeech.Service
}

func NewGoogleSTT(ctx context.Context, apiKey string, opts ...option.ClientOption) (*GoogleSTT, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_SPEECH_API_KEY not set")
	}
	svc, err := gspeech.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("speech service: %w", err)
	}
	return &GoogleSTT{svc: svc}, nil
}

// Encoding maps a MIME type to the recognizer's encoding name.
func Encoding(mimeType string) string {
	lower := strings.ToLower(mimeType)
	switch {
	case strings.Contains(lower, "webm"):
		return "WEBM_OPUS"
	case strings.Contains(lower, "ogg"):
		return "OGG_OPUS"
	case strings.Contains(lower, "wav"), strings.Contains(lower, "l16"):
		return "LINEAR16"
	case strings.Contains(lower, "mp3"), strings.Contains(lower, "mpeg"):
		return "MP3"
	default:
		return "ENCODING_UNSPECIFIED"
	}
}

// NormalizeLanguage turns a bare "en" into "en-US" and defaults to it.
func NormalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, "en") {
		return "en-US"
	}
	return lang
}

// Transcribe returns the joined transcript, or "" when nothing was heard.
func (g *GoogleSTT) Transcribe(ctx context.Context, req core.TranscribeRequest) (string, error) {
	if len(req.Audio) == 0 {
		return "", nil
	}
	cfg := &gspeech.RecognitionConfig{
		Encoding:                   Encoding(req.MimeType),
		LanguageCode:               NormalizeLanguage(req.Language),
		EnableAutomaticPunctuation: true,
	}
	resp, err := g.svc.Speech.Recognize(&gspeech.RecognizeRequest{
		Config: cfg,
		Audio:  &gspeech.RecognitionAudio{Content: base64.StdEncoding.EncodeToString(req.Audio)},
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%w: recognize: %v", ErrUpstream, err)
	}

	var parts []string
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

var _ core.Transcriber = (*GoogleSTT)(nil)
