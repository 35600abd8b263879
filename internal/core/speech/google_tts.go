package speech

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/api/option"
	"google.golang.org/api/texttospeech/v1"

	"github.com/markdave123-py/chatrelay/internal/core"
)

const (
	cacheTTL      = 5 * time.Minute
	cacheMaxItems = 100
)

// GoogleTTS synthesizes speech with the Cloud Text-to-Speech REST API.
// Results are cached in memory for a few minutes and, when an archive is
// configured, stored there so repeated phrases skip the provider entirely.
type GoogleTTS struct {
	svc          *texttospeech.Service
	defaultVoice string
	cache        *expirable.LRU[string, *core.SynthesisResult]
	archive      core.ObjectClient
	logger       *slog.Logger
}

type TTSOptions struct {
	DefaultVoice string
	Archive      core.ObjectClient
	Logger       *slog.Logger
	ClientOpts   []option.ClientOption
}

func NewGoogleTTS(ctx context.Context, apiKey string, opts TTSOptions) (*GoogleTTS, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_SPEECH_API_KEY not set")
	}
	svc, err := texttospeech.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts.ClientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("tts service: %w", err)
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "en-US-Neural2-F"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GoogleTTS{
		svc:          svc,
		defaultVoice: opts.DefaultVoice,
		cache:        expirable.NewLRU[string, *core.SynthesisResult](cacheMaxItems, nil, cacheTTL),
		archive:      opts.Archive,
		logger:       opts.Logger,
	}, nil
}

func contentType(encoding string) string {
	if encoding == "LINEAR16" {
		return "audio/wav"
	}
	return "audio/mpeg"
}

func archiveKey(voice, encoding, text string) string {
	sum := sha256.Sum256([]byte(voice + "|" + encoding + "|" + text))
	ext := "mp3"
	if encoding == "LINEAR16" {
		ext = "wav"
	}
	return fmt.Sprintf("tts/%s/%s.%s", voice, hex.EncodeToString(sum[:]), ext)
}

func (g *GoogleTTS) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.SynthesisResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.New("speech: empty text")
	}
	voice := req.Voice
	if voice == "" {
		voice = g.defaultVoice
	}
	encoding := strings.ToUpper(req.Encoding)
	if encoding != "LINEAR16" {
		encoding = "MP3"
	}

	key := archiveKey(voice, encoding, text)
	if res, ok := g.cache.Get(key); ok {
		return res, nil
	}
	if g.archive != nil {
		data, ct, err := g.archive.GetFile(ctx, key)
		switch {
		case err == nil:
			res := &core.SynthesisResult{Audio: data, ContentType: ct}
			g.cache.Add(key, res)
			return res, nil
		case !errors.Is(err, core.ErrNotFound):
			g.logger.Warn("tts archive lookup failed", "key", key, "error", err)
		}
	}

	resp, err := g.svc.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
		Input:       &texttospeech.SynthesisInput{Text: text},
		Voice:       &texttospeech.VoiceSelectionParams{LanguageCode: languageOf(voice), Name: voice},
		AudioConfig: &texttospeech.AudioConfig{AudioEncoding: encoding},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: synthesize: %v", ErrUpstream, err)
	}
	if resp.AudioContent == "" {
		return nil, fmt.Errorf("%w: no audio content", ErrUpstream)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}

	res := &core.SynthesisResult{Audio: audio, ContentType: contentType(encoding)}
	g.cache.Add(key, res)
	if g.archive != nil {
		if _, err := g.archive.UploadFile(ctx, key, audio, res.ContentType); err != nil {
			g.logger.Warn("tts archive upload failed", "key", key, "error", err)
		}
	}
	return res, nil
}

// languageOf takes the locale prefix of a voice name like "en-US-Neural2-F".
func languageOf(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

var _ core.Synthesizer = (*GoogleTTS)(nil)
