package vad

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

func tone(n int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func silence(n int) []int16 { return make([]int16, n) }

type collector struct {
	mu       sync.Mutex
	segments []Segment
	errs     []error
	states   []State
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnSegment: func(s Segment) { c.mu.Lock(); c.segments = append(c.segments, s); c.mu.Unlock() },
		OnError:   func(err error) { c.mu.Lock(); c.errs = append(c.errs, err); c.mu.Unlock() },
		OnState:   func(s State) { c.mu.Lock(); c.states = append(c.states, s); c.mu.Unlock() },
	}
}

func samplesFor(d time.Duration) int { return audio.Mono16k.SamplesFor(d) }

func TestSingleUtteranceWithPreRoll(t *testing.T) {
	c := &collector{}
	det := New(DefaultConfig(), c.handlers())
	cfg := det.Config()
	det.Start()

	det.Feed(silence(samplesFor(time.Second)))
	speech := tone(samplesFor(500*time.Millisecond), 0.3)
	det.Feed(speech)
	assert.Equal(t, SpeechDetected, det.State())
	det.Feed(silence(samplesFor(2 * time.Second)))

	require.Len(t, c.segments, 1)
	seg := c.segments[0]
	preRollFrames := int(cfg.Lookback / cfg.FrameDuration)
	frame := samplesFor(cfg.FrameDuration)
	assert.Len(t, seg.Samples, preRollFrames*frame+len(speech))
	assert.Equal(t, speech, seg.Samples[preRollFrames*frame:])
	assert.Equal(t, time.Duration(preRollFrames)*cfg.FrameDuration, seg.PreRoll)
	assert.Equal(t, Listening, det.State())
	assert.Equal(t, []State{Listening, SpeechDetected, Listening}, c.states)
}

func TestShortPauseStaysInSegment(t *testing.T) {
	c := &collector{}
	det := New(Config{Lookback: -1}, c.handlers())
	det.Start()

	a := tone(samplesFor(200*time.Millisecond), 0.3)
	gap := silence(samplesFor(400 * time.Millisecond))
	b := tone(samplesFor(200*time.Millisecond), 0.3)
	det.Feed(a)
	det.Feed(gap)
	det.Feed(b)
	det.Feed(silence(samplesFor(2 * time.Second)))

	require.Len(t, c.segments, 1)
	assert.Len(t, c.segments[0].Samples, len(a)+len(gap)+len(b))
	assert.Zero(t, c.segments[0].PreRoll)
}

func TestNothingWhileIdle(t *testing.T) {
	c := &collector{}
	det := New(DefaultConfig(), c.handlers())
	det.Feed(tone(samplesFor(time.Second), 0.5))
	det.Feed(silence(samplesFor(2 * time.Second)))
	assert.Empty(t, c.segments)
	assert.Equal(t, Idle, det.State())
	assert.Greater(t, det.Level(), -1.0)
}

func TestStopFlushesSpeech(t *testing.T) {
	c := &collector{}
	det := New(DefaultConfig(), c.handlers())
	det.Start()
	det.Feed(tone(samplesFor(300*time.Millisecond), 0.3))
	det.Stop()

	require.Len(t, c.segments, 1)
	assert.Equal(t, Idle, det.State())
}

type chanSource chan audio.Frame

func (c chanSource) Frames() <-chan audio.Frame { return c }

func TestRunTrackEnded(t *testing.T) {
	c := &collector{}
	det := New(DefaultConfig(), c.handlers())
	det.Start()

	src := make(chanSource, 4)
	src <- audio.Frame(tone(samplesFor(100*time.Millisecond), 0.3))
	close(src)

	err := det.Run(context.Background(), src)
	assert.ErrorIs(t, err, ErrTrackEnded)
	assert.Equal(t, Idle, det.State())
	require.Len(t, c.errs, 1)
	assert.ErrorIs(t, c.errs[0], ErrTrackEnded)
	assert.Empty(t, c.segments)
}

func TestRunStopsOnContext(t *testing.T) {
	det := New(DefaultConfig(), Handlers{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, det.Run(ctx, make(chanSource)), context.Canceled)
}

func TestFrameDurationClamped(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, New(Config{FrameDuration: time.Millisecond}, Handlers{}).Config().FrameDuration)
	assert.Equal(t, 250*time.Millisecond, New(Config{FrameDuration: time.Second}, Handlers{}).Config().FrameDuration)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		ev   event
		want State
	}{
		{Idle, evStart, Listening},
		{Idle, evVoice, Idle},
		{Listening, evVoice, SpeechDetected},
		{Listening, evStop, Idle},
		{SpeechDetected, evSilenceTimeout, Finalizing},
		{SpeechDetected, evStop, Finalizing},
		{Finalizing, evEmitted, Listening},
		{Finalizing, evEmittedStopped, Idle},
		{SpeechDetected, evTrackEnded, Idle},
		{Listening, evSilenceTimeout, Listening},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transition(tt.from, tt.ev), "%s + %d", tt.from, tt.ev)
	}
}
