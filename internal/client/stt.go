package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/markdave123-py/chatrelay/internal/audio"
	"github.com/markdave123-py/chatrelay/internal/audio/vad"
)

// Encoder packs captured PCM into a container the transcription endpoint
// accepts.
type Encoder interface {
	MimeType() string
	Extension() string
	Encode(samples []int16, f audio.Format) ([]byte, error)
}

// WAVEncoder is always available and is the fallback for every request.
type WAVEncoder struct{}

func (WAVEncoder) MimeType() string  { return "audio/wav" }
func (WAVEncoder) Extension() string { return "wav" }
func (WAVEncoder) Encode(samples []int16, f audio.Format) ([]byte, error) {
	return audio.EncodeWAV(samples, f), nil
}

// RegisterEncoder makes e selectable by its MIME type.
func (c *Client) RegisterEncoder(e Encoder) {
	c.encoders[e.MimeType()] = e
}

func (c *Client) encoderFor(mime string) Encoder {
	if e, ok := c.encoders[mime]; ok {
		return e
	}
	return WAVEncoder{}
}

type TranscribeOptions struct {
	Language string
	// MimeType selects a registered encoder. Unknown or empty means WAV.
	MimeType string
}

type Transcript struct {
	Text string `json:"transcript"`
}

// Empty means no speech was recognized. It is not an error.
func (t Transcript) Empty() bool { return strings.TrimSpace(t.Text) == "" }

// Transcribe uploads one segment. There is a single attempt; transport and
// decode failures are returned as errors.
func (c *Client) Transcribe(ctx context.Context, seg vad.Segment, conversationID string, opts TranscribeOptions) (Transcript, error) {
	if len(seg.Samples) == 0 {
		return Transcript{}, nil
	}
	enc := c.encoderFor(opts.MimeType)
	payload, err := enc.Encode(seg.Samples, seg.Format)
	if err != nil {
		c.logger.Warn("encoder failed, falling back to wav", "mime", enc.MimeType(), "error", err)
		enc = WAVEncoder{}
		payload, _ = enc.Encode(seg.Samples, seg.Format)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="segment.%s"`, enc.Extension()))
	h.Set("Content-Type", enc.MimeType())
	part, err := mw.CreatePart(h)
	if err != nil {
		return Transcript{}, err
	}
	if _, err := part.Write(payload); err != nil {
		return Transcript{}, err
	}
	_ = mw.WriteField("mime_type", enc.MimeType())
	if opts.Language != "" {
		_ = mw.WriteField("language", opts.Language)
	}
	if conversationID != "" {
		_ = mw.WriteField("chat_id", conversationID)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/speech/transcribe", &body)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	var t Transcript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	t.Text = strings.TrimSpace(t.Text)
	return t, nil
}
