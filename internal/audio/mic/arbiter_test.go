package mic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStream struct {
	frames   chan audio.Frame
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan audio.Frame, 16), stopped: make(chan struct{})}
}

func (s *fakeStream) Frames() <-chan audio.Frame { return s.frames }
func (s *fakeStream) Format() audio.Format       { return audio.Mono16k }
func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		close(s.frames)
	})
	return nil
}

// end simulates the device disappearing.
func (s *fakeStream) end() { s.stopOnce.Do(func() { close(s.frames) }) }

func (s *fakeStream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

type fakeDevice struct {
	mu     sync.Mutex
	fail   error
	opened []*fakeStream
}

func (d *fakeDevice) Open(context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	s := newFakeStream()
	d.opened = append(d.opened, s)
	return s, nil
}

func (d *fakeDevice) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[len(d.opened)-1]
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

func TestSharedHolders(t *testing.T) {
	dev := &fakeDevice{}
	arb := NewArbiter(dev, quiet)
	ctx := context.Background()

	a, err := arb.Acquire(ctx, "A")
	require.NoError(t, err)
	b, err := arb.Acquire(ctx, "B")
	require.NoError(t, err)

	assert.Equal(t, 1, dev.openCount())
	assert.Same(t, a.Stream(), b.Stream())
	assert.Equal(t, Status{Open: true, Holders: []string{"A", "B"}}, arb.Status())

	arb.Release("A")
	assert.Equal(t, Status{Open: true, Holders: []string{"B"}}, arb.Status())
	assert.False(t, dev.last().isStopped())

	arb.Release("B")
	assert.Equal(t, Status{Open: false, Holders: []string{}}, arb.Status())
	assert.True(t, dev.last().isStopped())
}

func TestAcquireSameHolderTwice(t *testing.T) {
	arb := NewArbiter(&fakeDevice{}, quiet)
	l1, err := arb.Acquire(context.Background(), "A")
	require.NoError(t, err)
	l2, err := arb.Acquire(context.Background(), "A")
	require.NoError(t, err)
	assert.Same(t, l1, l2)

	l1.Release()
	assert.False(t, arb.Status().Open)
}

func TestAcquireDeviceDenied(t *testing.T) {
	dev := &fakeDevice{fail: errors.New("permission denied")}
	arb := NewArbiter(dev, quiet)

	l, err := arb.Acquire(context.Background(), "A")
	assert.Nil(t, l)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, Status{Open: false, Holders: []string{}}, arb.Status())
}

func TestFramesFanOut(t *testing.T) {
	dev := &fakeDevice{}
	arb := NewArbiter(dev, quiet)
	a, _ := arb.Acquire(context.Background(), "A")
	b, _ := arb.Acquire(context.Background(), "B")

	dev.last().frames <- audio.Frame{1, 2, 3}

	for _, l := range []*Lease{a, b} {
		select {
		case f := <-l.Frames():
			assert.Equal(t, audio.Frame{1, 2, 3}, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("holder %s got no frame", l.Holder())
		}
	}
}

func TestStreamEndClearsHolders(t *testing.T) {
	dev := &fakeDevice{}
	arb := NewArbiter(dev, quiet)
	a, _ := arb.Acquire(context.Background(), "A")

	dev.last().end()

	select {
	case _, ok := <-a.Frames():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("lease not closed after device ended")
	}
	assert.Eventually(t, func() bool { return !arb.Status().Open }, 2*time.Second, 5*time.Millisecond)

	// A later acquire opens a fresh stream.
	_, err := arb.Acquire(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 2, dev.openCount())
	arb.Release("B")
}

func TestGuardCountsBypass(t *testing.T) {
	dev := &fakeDevice{}
	arb := NewArbiter(dev, quiet)

	s, err := arb.Guard().Open(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, int64(1), arb.Bypasses())
	assert.False(t, arb.Status().Open)
	_ = s.Stop()
}

// slowStopDevice blocks Stop until release is closed and records whether a
// new stream was opened while an old one was still stopping.
type slowStopDevice struct {
	mu       sync.Mutex
	stopping int
	overlap  bool
	entered  chan struct{}
	release  chan struct{}
}

type slowStopStream struct {
	*fakeStream
	dev *slowStopDevice
}

func (d *slowStopDevice) Open(context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping > 0 {
		d.overlap = true
	}
	return slowStopStream{fakeStream: newFakeStream(), dev: d}, nil
}

func (s slowStopStream) Stop() error {
	s.dev.mu.Lock()
	s.dev.stopping++
	s.dev.mu.Unlock()
	close(s.dev.entered)
	<-s.dev.release
	err := s.fakeStream.Stop()
	s.dev.mu.Lock()
	s.dev.stopping--
	s.dev.mu.Unlock()
	return err
}

func TestAcquireWaitsForStop(t *testing.T) {
	dev := &slowStopDevice{entered: make(chan struct{}), release: make(chan struct{})}
	arb := NewArbiter(dev, quiet)
	_, err := arb.Acquire(context.Background(), "A")
	require.NoError(t, err)

	go arb.Release("A")
	<-dev.entered

	acquired := make(chan error, 1)
	go func() {
		_, err := arb.Acquire(context.Background(), "B")
		acquired <- err
	}()
	select {
	case <-acquired:
		t.Fatal("acquire returned while the previous stream was stopping")
	case <-time.After(30 * time.Millisecond):
	}

	close(dev.release)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed")
	}
	dev.mu.Lock()
	assert.False(t, dev.overlap)
	dev.mu.Unlock()

	dev.release = make(chan struct{})
	dev.entered = make(chan struct{})
	close(dev.release)
	arb.Release("B")
}

func TestRandomAcquireRelease(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	dev := &fakeDevice{}
	arb := NewArbiter(dev, quiet)
	ctx := context.Background()
	ids := []string{"vad", "meter", "recorder", "preview"}

	for i := 0; i < 1000; i++ {
		id := ids[r.Intn(len(ids))]
		if r.Intn(2) == 0 {
			_, err := arb.Acquire(ctx, id)
			require.NoError(t, err)
		} else {
			arb.Release(id)
		}

		st := arb.Status()
		require.Equal(t, len(st.Holders) > 0, st.Open, "step %d", i)

		open := 0
		dev.mu.Lock()
		for _, s := range dev.opened {
			if !s.isStopped() {
				open++
			}
		}
		dev.mu.Unlock()
		want := 0
		if st.Open {
			want = 1
		}
		require.Equal(t, want, open, fmt.Sprintf("step %d: live device streams", i))
	}
}
