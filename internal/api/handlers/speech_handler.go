package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/core/speech"
)

const maxAudioBytes = 10 << 20

type SpeechHandler struct {
	stt    core.Transcriber
	tts    core.Synthesizer
	logger *slog.Logger
}

func NewSpeechHandler(stt core.Transcriber, tts core.Synthesizer, logger *slog.Logger) *SpeechHandler {
	return &SpeechHandler{stt: stt, tts: tts, logger: logger}
}

// Transcribe accepts a multipart upload with an "audio" file and an
// optional "language" field and answers {"transcript": "..."}. An empty
// transcript is a normal answer, not an error.
func (h *SpeechHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		http.Error(w, "transcription not configured", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "could not read audio", http.StatusBadRequest)
		return
	}

	mimeType := r.FormValue("mime_type")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}

	transcript, err := h.stt.Transcribe(r.Context(), core.TranscribeRequest{
		Audio:    audio,
		MimeType: mimeType,
		Language: r.FormValue("language"),
	})
	if err != nil {
		h.logger.Warn("transcription failed", "error", err, "bytes", len(audio), "mime", mimeType)
		status := http.StatusInternalServerError
		if errors.Is(err, speech.ErrUpstream) {
			status = http.StatusBadGateway
		}
		http.Error(w, "transcription failed", status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transcript": strings.TrimSpace(transcript)})
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	VoiceID  string `json:"voice_id"`
	Encoding string `json:"encoding"`
}

// Synthesize answers with the encoded audio body for {text, voice_id}.
func (h *SpeechHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	if h.tts == nil {
		http.Error(w, "synthesis not configured", http.StatusServiceUnavailable)
		return
	}
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	res, err := h.tts.Synthesize(r.Context(), core.SynthesisRequest{
		Text:     req.Text,
		Voice:    req.VoiceID,
		Encoding: req.Encoding,
	})
	if err != nil {
		h.logger.Warn("synthesis failed", "error", err)
		http.Error(w, "synthesis failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}
