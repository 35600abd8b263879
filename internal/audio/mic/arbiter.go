package mic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

var ErrDeviceUnavailable = errors.New("mic: capture device unavailable")

// Device opens a physical capture stream.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture stream. Frames is closed when the stream ends,
// whether by Stop or because the device went away.
type Stream interface {
	Frames() <-chan audio.Frame
	Format() audio.Format
	Stop() error
}

// Status is a point-in-time view of the arbiter.
type Status struct {
	Open    bool
	Holders []string
}

const leaseBuffer = 64

// Arbiter shares one capture stream between any number of holders. The
// stream is open exactly while at least one holder is registered.
type Arbiter struct {
	device Device
	logger *slog.Logger

	// devMu orders device opens after any stop still in flight. It is
	// taken before mu and never by pump.
	devMu   sync.Mutex
	mu      sync.Mutex
	stream  Stream
	holders map[string]*Lease

	bypasses atomic.Int64
}

func NewArbiter(device Device, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		device:  device,
		logger:  logger,
		holders: make(map[string]*Lease),
	}
}

// Acquire registers holderID against the shared stream, opening the device
// if nobody holds it yet. ctx only bounds opening the device. Acquiring
// twice with the same id returns the existing lease.
func (a *Arbiter) Acquire(ctx context.Context, holderID string) (*Lease, error) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	if l, ok := a.holders[holderID]; ok {
		return l, nil
	}

	if a.stream == nil {
		s, err := a.device.Open(ctx)
		if err != nil {
			a.logger.Warn("microphone open failed", "holder", holderID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		a.stream = s
		go a.pump(s)
		a.logger.Debug("microphone opened", "holder", holderID)
	}

	l := &Lease{
		holderID: holderID,
		stream:   a.stream,
		frames:   make(chan audio.Frame, leaseBuffer),
		arbiter:  a,
	}
	a.holders[holderID] = l
	return l, nil
}

// Release drops holderID. Releasing the last holder stops the device before
// it returns. Unknown ids are ignored.
func (a *Arbiter) Release(holderID string) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	a.mu.Lock()
	l, ok := a.holders[holderID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.holders, holderID)
	close(l.frames)

	var stop Stream
	if len(a.holders) == 0 {
		stop = a.stream
		a.stream = nil
	}
	a.mu.Unlock()

	if stop != nil {
		if err := stop.Stop(); err != nil {
			a.logger.Warn("microphone stop failed", "error", err)
		}
		a.logger.Debug("microphone closed", "last_holder", holderID)
	}
}

func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.holders))
	for id := range a.holders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Status{Open: a.stream != nil, Holders: ids}
}

// pump fans frames from s out to every holder. A slow holder loses frames
// rather than stalling the others.
func (a *Arbiter) pump(s Stream) {
	for frame := range s.Frames() {
		a.mu.Lock()
		if a.stream != s {
			a.mu.Unlock()
			continue
		}
		for _, l := range a.holders {
			select {
			case l.frames <- frame:
			default:
				l.dropped.Add(1)
			}
		}
		a.mu.Unlock()
	}

	// The device ended. If it was not stopped by Release, every lease dies
	// with it.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != s {
		return
	}
	a.logger.Warn("microphone stream ended unexpectedly", "holders", len(a.holders))
	for id, l := range a.holders {
		close(l.frames)
		delete(a.holders, id)
	}
	a.stream = nil
}

// Guard wraps the raw device so that opening it without going through the
// arbiter is logged and counted. The open still succeeds.
func (a *Arbiter) Guard() Device {
	return guardedDevice{arbiter: a}
}

// Bypasses reports how many times the guarded device was opened directly.
func (a *Arbiter) Bypasses() int64 { return a.bypasses.Load() }

type guardedDevice struct{ arbiter *Arbiter }

func (g guardedDevice) Open(ctx context.Context) (Stream, error) {
	n := g.arbiter.bypasses.Add(1)
	g.arbiter.logger.Warn("microphone opened outside the arbiter", "count", n)
	return g.arbiter.device.Open(ctx)
}

// Lease is one holder's view of the shared stream.
type Lease struct {
	holderID string
	stream   Stream
	frames   chan audio.Frame
	arbiter  *Arbiter
	dropped  atomic.Int64
}

func (l *Lease) Holder() string { return l.holderID }

// Stream is the shared device handle. Every lease on the same open stream
// returns the same value.
func (l *Lease) Stream() Stream { return l.stream }

func (l *Lease) Format() audio.Format { return l.stream.Format() }

// Frames delivers this holder's copy of captured audio. It is closed on
// Release or when the device ends.
func (l *Lease) Frames() <-chan audio.Frame { return l.frames }

// Dropped counts frames discarded because this holder fell behind.
func (l *Lease) Dropped() int64 { return l.dropped.Load() }

func (l *Lease) Release() { l.arbiter.Release(l.holderID) }
