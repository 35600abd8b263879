package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

type chunk struct {
	seq     int
	voice   Voice
	samples []int16
}

// ChunkPlayer plays self-contained WAV chunks, one voice per chunk, in
// arrival order. Playback of a chunk starts as soon as it is decoded and
// the previous one has finished; nothing is buffered across chunks.
type ChunkPlayer struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	seq     int
	queue   []*chunk
	live    map[*chunk]struct{}
	started bool
	ended   bool
	closed  bool
	err     error
	cancel  context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

func NewChunkPlayer(backend Backend, logger *slog.Logger) *ChunkPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkPlayer{
		backend: backend,
		logger:  logger,
		live:    make(map[*chunk]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// AppendChunk decodes data into its own voice and queues it.
func (p *ChunkPlayer) AppendChunk(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.ended {
		p.mu.Unlock()
		return ErrEnded
	}
	p.mu.Unlock()

	samples, format, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("decode chunk: %w", err)
	}
	voice, err := p.backend.Open(format)
	if err != nil {
		return fmt.Errorf("open voice: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = voice.Close()
		return ErrClosed
	}
	p.seq++
	c := &chunk{seq: p.seq, voice: voice, samples: samples}
	p.queue = append(p.queue, c)
	p.live[c] = struct{}{}
	signal(p.wake)
	return nil
}

func (p *ChunkPlayer) EndStream() {
	p.mu.Lock()
	p.ended = true
	p.mu.Unlock()
	signal(p.wake)
}

// Play starts the playback loop. Calling it again is a no-op.
func (p *ChunkPlayer) Play(ctx context.Context) error {
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

func (p *ChunkPlayer) loop(ctx context.Context) {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			c := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			err := c.voice.Play(ctx, c.samples)
			p.release(c)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("chunk playback failed", "seq", c.seq, "error", err)
				p.setErr(err)
			}
			continue
		}
		if p.ended {
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

func (p *ChunkPlayer) release(c *chunk) {
	p.mu.Lock()
	_, ok := p.live[c]
	delete(p.live, c)
	p.mu.Unlock()
	if ok {
		if err := c.voice.Close(); err != nil {
			p.logger.Debug("voice close failed", "seq", c.seq, "error", err)
		}
	}
}

func (p *ChunkPlayer) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *ChunkPlayer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cleanup stops playback and closes every voice still allocated.
func (p *ChunkPlayer) Cleanup() error {
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
	remaining := make([]*chunk, 0, len(p.live))
	for c := range p.live {
		remaining = append(remaining, c)
	}
	p.live = make(map[*chunk]struct{})
	p.queue = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range remaining {
		if err := c.voice.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
