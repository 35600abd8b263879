package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/markdave123-py/chatrelay/internal/playback"
)

const (
	maxSpeechBytes   = 20 << 20
	streamChunkBytes = 4 << 10
)

// Synthesize fetches audio for text. encoding is MP3 or LINEAR16; LINEAR16
// answers are WAV files.
func (c *Client) Synthesize(ctx context.Context, text, voiceID, encoding string) ([]byte, string, error) {
	req, err := c.synthesisRequest(ctx, text, voiceID, encoding)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, "", fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read speech: %w", err)
	}
	return audio, resp.Header.Get("Content-Type"), nil
}

func (c *Client) synthesisRequest(ctx context.Context, text, voiceID, encoding string) (*http.Request, error) {
	b, _ := json.Marshal(map[string]string{"text": text, "voice_id": voiceID, "encoding": encoding})
	req, err := c.newRequest(ctx, http.MethodPost, "/api/speech/synthesize", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Speak synthesizes text sentence by sentence into p and waits for it to
// finish. Playback starts with the first sentence. The caller owns
// p.Cleanup.
func (c *Client) Speak(ctx context.Context, p playback.Player, text, voiceID string) error {
	if err := p.Play(ctx); err != nil {
		return err
	}
	for _, sentence := range playback.SplitSentences(text, 12) {
		wav, _, err := c.Synthesize(ctx, sentence, voiceID, "LINEAR16")
		if err != nil {
			p.EndStream()
			return err
		}
		if err := p.AppendChunk(wav); err != nil {
			p.EndStream()
			return err
		}
	}
	p.EndStream()
	return p.Wait(ctx)
}

// SpeakStream fetches the whole reply as one LINEAR16 stream and feeds p as
// the body arrives, so playback can start before the download finishes.
// p is expected to be a stream player. The caller owns p.Cleanup.
func (c *Client) SpeakStream(ctx context.Context, p playback.Player, text, voiceID string) error {
	req, err := c.synthesisRequest(ctx, text, voiceID, "LINEAR16")
	if err != nil {
		return err
	}
	resp, err := c.doStream(req)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	if err := p.Play(ctx); err != nil {
		return err
	}
	body := io.LimitReader(resp.Body, maxSpeechBytes)
	buf := make([]byte, streamChunkBytes)

	// The first piece must hold the whole WAV header.
	n, err := io.ReadFull(body, buf)
	if n > 0 {
		if aerr := p.AppendChunk(append([]byte(nil), buf[:n]...)); aerr != nil {
			p.EndStream()
			return aerr
		}
	}
	for err == nil {
		n, err = body.Read(buf)
		if n > 0 {
			if aerr := p.AppendChunk(append([]byte(nil), buf[:n]...)); aerr != nil {
				p.EndStream()
				return aerr
			}
		}
	}
	p.EndStream()
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read speech: %w", err)
	}
	return p.Wait(ctx)
}
