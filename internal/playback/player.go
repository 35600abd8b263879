package playback

import (
	"context"
	"errors"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

var (
	ErrClosed = errors.New("playback: player closed")
	ErrEnded  = errors.New("playback: stream already ended")
)

// Voice is one allocated output: a decode context plus the device buffer
// it plays into. Every Voice must be closed.
type Voice interface {
	// Play blocks until samples have been handed to the device or ctx ends.
	Play(ctx context.Context, samples []int16) error
	Close() error
}

// Backend allocates voices on an output device.
type Backend interface {
	Open(f audio.Format) (Voice, error)
}

// Player plays one synthesized reply. Cleanup releases every resource the
// player allocated and is safe to call more than once.
type Player interface {
	AppendChunk(data []byte) error
	EndStream()
	Play(ctx context.Context) error
	// Wait blocks until everything appended before EndStream has played.
	Wait(ctx context.Context) error
	Cleanup() error
}

var (
	_ Player = (*ChunkPlayer)(nil)
	_ Player = (*StreamPlayer)(nil)
)

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
