package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/chatrelay/internal/audio/mic"
	"github.com/markdave123-py/chatrelay/internal/audio/vad"
	"github.com/markdave123-py/chatrelay/internal/client"
	"github.com/markdave123-py/chatrelay/internal/models"
	"github.com/markdave123-py/chatrelay/internal/playback"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

var errTransportClosed = errors.New("connection to the relay closed")

// VoiceLoop runs one spoken conversation: microphone frames go through the
// detector, segments are transcribed and sent as turns, and replies are
// spoken back. Capture is paused while a reply plays.
type VoiceLoop struct {
	Client    *client.Client
	Transport client.Transport
	Store     *client.Store
	Mic       mic.Device
	VAD       vad.Config
	Voice     string
	Language  string
	Out       io.Writer
	Logger    *slog.Logger

	// Speaker may be nil for text-only replies.
	Speaker playback.Backend

	// StreamPlayback fetches each reply as one audio stream instead of
	// sentence by sentence.
	StreamPlayback bool

	outMu    sync.Mutex
	speaking atomic.Bool
	consumer *client.Consumer
	arbiter  *mic.Arbiter
}

func (v *VoiceLoop) Run(ctx context.Context) error {
	if v.Logger == nil {
		v.Logger = slog.Default()
	}
	if v.Out == nil {
		v.Out = io.Discard
	}
	chatID := v.Store.ActiveChat()
	if chatID == "" {
		return errors.New("no active conversation")
	}

	// Past this point the raw device is only reachable through the
	// arbiter; direct opens are counted.
	v.arbiter = mic.NewArbiter(v.Mic, v.Logger)
	v.Mic = v.arbiter.Guard()
	defer func() {
		if n := v.arbiter.Bypasses(); n > 0 {
			v.Logger.Warn("microphone was opened outside the arbiter", "count", n)
		}
	}()

	lease, err := v.arbiter.Acquire(ctx, "vad")
	if err != nil {
		return err
	}
	defer lease.Release()

	segments := make(chan vad.Segment, 4)
	det := vad.New(v.VAD, vad.Handlers{
		OnSegment: func(s vad.Segment) {
			select {
			case segments <- s:
			default:
				v.Logger.Warn("dropping speech segment, transcription is behind", "duration", s.Duration())
			}
		},
		OnError: func(err error) { v.Logger.Warn("voice detection stopped", "error", err) },
		OnState: func(s vad.State) { v.Logger.Debug("voice detection", "state", s.String()) },
	})

	finals := make(chan models.Message, 4)
	v.consumer = client.NewConsumer(v.Store, client.ConsumerHandlers{
		OnMessage: v.print,
		OnFinal: func(m models.Message) {
			select {
			case finals <- m:
			default:
				v.Logger.Warn("reply not spoken, playback is behind", "message_id", m.ID)
			}
		},
		OnError: func(ev relay.Event) { v.printf("! %s\n", ev.Error) },
	}, v.Logger)

	var changes <-chan models.MessageChange
	if ch, err := v.Client.SubscribeChanges(ctx, chatID); err != nil {
		v.Logger.Warn("change feed unavailable, continuing without it", "error", err)
	} else {
		changes = ch
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := v.consumer.Run(gctx, v.Transport.Events(), changes); err != nil {
			return err
		}
		return errTransportClosed
	})
	det.Start()
	g.Go(func() error { return det.Run(gctx, lease) })
	g.Go(func() error { return v.sendLoop(gctx, chatID, segments) })
	g.Go(func() error { return v.speakLoop(gctx, det, finals) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (v *VoiceLoop) sendLoop(ctx context.Context, chatID string, segments <-chan vad.Segment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-segments:
			if v.speaking.Load() {
				continue
			}
			tr, err := v.Client.Transcribe(ctx, seg, chatID, client.TranscribeOptions{Language: v.Language})
			if err != nil {
				v.Logger.Warn("transcription failed", "error", err, "duration", seg.Duration())
				continue
			}
			if tr.Empty() {
				v.Logger.Debug("no speech recognized", "duration", seg.Duration())
				continue
			}
			if err := submit(ctx, v.consumer, v.Transport, chatID, tr.Text, "voice"); err != nil {
				return err
			}
		}
	}
}

func (v *VoiceLoop) speakLoop(ctx context.Context, det *vad.Detector, finals <-chan models.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-finals:
			if v.Speaker == nil || m.Text == "" {
				continue
			}
			v.speaking.Store(true)
			det.Stop()
			p, speak := v.player()
			err := speak(ctx, p, m.Text, v.Voice)
			if cerr := p.Cleanup(); cerr != nil {
				v.Logger.Debug("player cleanup", "error", cerr)
			}
			det.Start()
			v.speaking.Store(false)
			if err != nil && ctx.Err() == nil {
				v.Logger.Warn("could not speak reply", "error", err, "message_id", m.ID)
			}
		}
	}
}

type speakFunc func(ctx context.Context, p playback.Player, text, voiceID string) error

func (v *VoiceLoop) player() (playback.Player, speakFunc) {
	if v.StreamPlayback {
		return playback.NewStreamPlayer(v.Speaker, playback.StreamOptions{Logger: v.Logger}), v.Client.SpeakStream
	}
	return playback.NewChunkPlayer(v.Speaker, v.Logger), v.Client.Speak
}

func (v *VoiceLoop) print(m models.Message) {
	who := "you"
	if m.Role == models.RoleAssistant {
		who = "assistant"
	}
	v.printf("%s: %s\n", who, m.Text)
}

func (v *VoiceLoop) printf(format string, args ...any) {
	v.outMu.Lock()
	defer v.outMu.Unlock()
	fmt.Fprintf(v.Out, format, args...)
}

// submit records the user message locally and sends it as a new turn.
func submit(ctx context.Context, cons *client.Consumer, t client.Transport, chatID, text, mode string) error {
	id := uuid.NewString()
	cons.Begin(models.Message{
		ChatID:      chatID,
		Role:        models.RoleUser,
		Text:        text,
		ClientMsgID: id,
		Status:      models.StatusComplete,
		Meta:        models.MessageMeta{Mode: mode},
	})
	if err := t.Send(ctx, client.Turn{ChatID: chatID, Text: text, ClientMsgID: id, Mode: mode}); err != nil {
		return fmt.Errorf("send turn: %w", err)
	}
	return nil
}
