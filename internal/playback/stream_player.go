package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

// maxHeaderBytes bounds how much is buffered while waiting for a WAV header.
const maxHeaderBytes = 64 << 10

type StreamOptions struct {
	// Format of raw PCM fragments. A leading WAV header overrides it.
	Format audio.Format
	// Prebuffer is how much audio must be queued before playback starts.
	Prebuffer time.Duration
	// Block is the size of each write to the device.
	Block  time.Duration
	Logger *slog.Logger
}

// StreamPlayer treats every chunk as the next fragment of one continuous
// PCM stream and plays it through a single voice.
type StreamPlayer struct {
	backend Backend
	opts    StreamOptions
	logger  *slog.Logger

	mu      sync.Mutex
	format  audio.Format
	buf     []int16
	carry   []byte
	head    []byte // bytes held until the stream kind is known
	sniffed bool
	ended   bool
	started bool
	playing bool
	closed  bool
	err     error
	cancel  context.CancelFunc
	voice   Voice

	wake chan struct{}
	done chan struct{}
}

func NewStreamPlayer(backend Backend, opts StreamOptions) *StreamPlayer {
	if opts.Format.SampleRate <= 0 {
		opts.Format = audio.Format{SampleRate: 24000, Channels: 1}
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.Prebuffer <= 0 {
		opts.Prebuffer = 200 * time.Millisecond
	}
	if opts.Block <= 0 {
		opts.Block = 40 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StreamPlayer{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		format:  opts.Format,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *StreamPlayer) AppendChunk(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.ended {
		return ErrEnded
	}

	if !p.sniffed {
		p.head = append(p.head, data...)
		f, off, err := audio.ParseWAVHeader(p.head)
		switch {
		case errors.Is(err, audio.ErrShortHeader):
			if len(p.head) > maxHeaderBytes {
				p.head = nil
				return fmt.Errorf("decode stream header: %w", audio.ErrNotWAV)
			}
			return nil
		case errors.Is(err, audio.ErrNotWAV) && !bytes.HasPrefix(p.head, []byte("RIFF")):
			// raw PCM in the configured format
			data = p.head
		case err != nil:
			p.head = nil
			return fmt.Errorf("decode stream header: %w", err)
		default:
			p.format = f
			data = p.head[off:]
		}
		p.head = nil
		p.sniffed = true
	}
	p.appendPCM(data)
	return nil
}

// appendPCM queues little-endian samples, holding an odd trailing byte for
// the next fragment. Caller holds mu.
func (p *StreamPlayer) appendPCM(data []byte) {
	if len(p.carry) > 0 {
		data = append(append([]byte(nil), p.carry...), data...)
		p.carry = nil
	}
	if len(data)%2 == 1 {
		p.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) > 0 {
		p.buf = append(p.buf, audio.SamplesFromBytes(data)...)
		signal(p.wake)
	}
}

func (p *StreamPlayer) EndStream() {
	p.mu.Lock()
	if !p.sniffed && len(p.head) > 0 {
		p.logger.Warn("stream ended inside the audio header", "bytes", len(p.head))
	}
	p.head = nil
	p.ended = true
	p.mu.Unlock()
	signal(p.wake)
}

// Play starts the playback loop; audio begins once the prebuffer fills or
// the stream ends.
func (p *StreamPlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	return nil
}

// Playing reports whether the prebuffer has filled and audio is flowing.
func (p *StreamPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *StreamPlayer) loop(ctx context.Context) {
	defer close(p.done)
	for {
		p.mu.Lock()
		ready := p.ended || p.playing || len(p.buf) >= p.samplesPer(p.opts.Prebuffer)
		if ready && len(p.buf) > 0 {
			if p.voice == nil {
				v, err := p.backend.Open(p.format)
				if err != nil {
					p.err = fmt.Errorf("open voice: %w", err)
					p.mu.Unlock()
					return
				}
				p.voice = v
			}
			p.playing = true
			n := min(len(p.buf), p.samplesPer(p.opts.Block))
			block := p.buf[:n:n]
			p.buf = p.buf[n:]
			voice := p.voice
			p.mu.Unlock()

			if err := voice.Play(ctx, block); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
				p.logger.Warn("stream playback failed", "error", err)
				return
			}
			continue
		}
		if p.ended {
			p.playing = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// samplesPer converts d to interleaved samples. Caller holds mu.
func (p *StreamPlayer) samplesPer(d time.Duration) int {
	return max(p.format.SamplesFor(d)*max(p.format.Channels, 1), 1)
}

func (p *StreamPlayer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cleanup stops playback, drops buffered audio and closes the voice.
func (p *StreamPlayer) Cleanup() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	if started {
		<-p.done
	}

	p.mu.Lock()
	voice := p.voice
	p.voice = nil
	p.buf = nil
	p.carry = nil
	p.playing = false
	p.mu.Unlock()

	if voice != nil {
		return voice.Close()
	}
	return nil
}
