package vad

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

var ErrTrackEnded = errors.New("vad: capture track ended")

const (
	minFrame = 10 * time.Millisecond
	maxFrame = 250 * time.Millisecond
)

type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	// Threshold is the RMS level (0..1) that starts a segment.
	Threshold float64
	// SilenceThreshold is the level below which a frame counts as silence.
	// Zero means Threshold.
	SilenceThreshold float64
	SilenceTimeout   time.Duration
	Lookback         time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		FrameDuration:  20 * time.Millisecond,
		Threshold:      0.012,
		SilenceTimeout: 1500 * time.Millisecond,
		Lookback:       750 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = def.FrameDuration
	}
	c.FrameDuration = min(max(c.FrameDuration, minFrame), maxFrame)
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = c.Threshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = def.SilenceTimeout
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	}
	return c
}

// Segment is one utterance: the pre-roll captured before speech began
// followed by the speech itself, trailing silence trimmed.
type Segment struct {
	Samples    []int16
	Format     audio.Format
	PreRoll    time.Duration
	DetectedAt time.Time
}

func (s Segment) Duration() time.Duration { return s.Format.DurationOf(len(s.Samples)) }

// WAV encodes the segment as a 16-bit PCM WAV file.
func (s Segment) WAV() []byte { return audio.EncodeWAV(s.Samples, s.Format) }

type Handlers struct {
	OnSegment func(Segment)
	OnError   func(error)
	OnState   func(State)
}

// FrameSource is anything that delivers captured frames, such as a
// microphone lease.
type FrameSource interface {
	Frames() <-chan audio.Frame
}

// Detector turns a stream of PCM into speech segments using an energy
// threshold. While Idle it still tracks the level and keeps the lookback
// window so the first syllable of an utterance is never lost.
type Detector struct {
	cfg            Config
	format         audio.Format
	frameSamples   int
	lookbackFrames int
	silenceFrames  int
	h              Handlers

	mu        sync.Mutex
	state     State
	level     float64
	pending   []int16
	lookback  [][]int16
	preRoll   [][]int16
	speech    [][]int16
	trailing  [][]int16
	startedAt time.Time
}

func New(cfg Config, h Handlers) *Detector {
	cfg = cfg.normalized()
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: 1}
	silence := int((cfg.SilenceTimeout + cfg.FrameDuration - 1) / cfg.FrameDuration)
	return &Detector{
		cfg:            cfg,
		format:         format,
		frameSamples:   max(format.SamplesFor(cfg.FrameDuration), 1),
		lookbackFrames: int(cfg.Lookback / cfg.FrameDuration),
		silenceFrames:  max(silence, 1),
		h:              h,
	}
}

func (d *Detector) Config() Config { return d.cfg }

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Level is the RMS of the most recent frame.
func (d *Detector) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// Start begins listening for speech.
func (d *Detector) Start() {
	d.mu.Lock()
	changed := d.apply(evStart)
	d.mu.Unlock()
	d.notify(changed)
}

// Stop ends listening. Speech in progress is finalized and emitted first.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.state == SpeechDetected {
		d.apply(evStop)
		seg := d.finalize()
		d.apply(evEmittedStopped)
		d.mu.Unlock()
		d.notify(true)
		d.emit(seg)
		return
	}
	changed := d.apply(evStop)
	d.mu.Unlock()
	d.notify(changed)
}

// Feed slices samples into frames and processes each. Leftover samples are
// kept until the next call.
func (d *Detector) Feed(samples []int16) {
	d.mu.Lock()
	d.pending = append(d.pending, samples...)
	var out []Segment
	changed := false
	for len(d.pending) >= d.frameSamples {
		frame := append([]int16(nil), d.pending[:d.frameSamples]...)
		d.pending = d.pending[d.frameSamples:]
		seg, c := d.processFrame(frame)
		changed = changed || c
		if seg != nil {
			out = append(out, *seg)
		}
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	d.mu.Unlock()

	d.notify(changed)
	for _, seg := range out {
		d.emit(seg)
	}
}

// Run feeds frames from src until ctx is done or the source closes. A
// source that closes on its own is reported as ErrTrackEnded through
// OnError and leaves the detector Idle.
func (d *Detector) Run(ctx context.Context, src FrameSource) error {
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				d.trackEnded()
				return ErrTrackEnded
			}
			d.Feed(f)
		}
	}
}

func (d *Detector) trackEnded() {
	d.mu.Lock()
	d.resetSegment()
	d.pending = nil
	d.lookback = nil
	changed := d.apply(evTrackEnded)
	d.mu.Unlock()
	d.notify(changed)
	if d.h.OnError != nil {
		d.h.OnError(ErrTrackEnded)
	}
}

// processFrame runs one frame through the state machine. Caller holds mu.
func (d *Detector) processFrame(frame []int16) (*Segment, bool) {
	d.level = audio.RMS(frame)

	switch d.state {
	case Idle, Listening:
		if d.state == Listening && d.level >= d.cfg.Threshold {
			d.preRoll = d.lookback
			d.lookback = nil
			d.speech = [][]int16{frame}
			d.trailing = nil
			d.startedAt = time.Now()
			return nil, d.apply(evVoice)
		}
		d.pushLookback(frame)
		return nil, false

	case SpeechDetected:
		if d.level >= d.cfg.SilenceThreshold {
			d.speech = append(d.speech, d.trailing...)
			d.speech = append(d.speech, frame)
			d.trailing = nil
			return nil, false
		}
		d.trailing = append(d.trailing, frame)
		if len(d.trailing) < d.silenceFrames {
			return nil, false
		}
		d.apply(evSilenceTimeout)
		tail := d.trailing
		seg := d.finalize()
		for _, f := range tail {
			d.pushLookback(f)
		}
		d.apply(evEmitted)
		return &seg, true
	}
	return nil, false
}

// finalize packages pre-roll and speech into a segment and clears both.
// Caller holds mu.
func (d *Detector) finalize() Segment {
	n := 0
	for _, f := range d.preRoll {
		n += len(f)
	}
	pre := n
	for _, f := range d.speech {
		n += len(f)
	}
	samples := make([]int16, 0, n)
	for _, f := range d.preRoll {
		samples = append(samples, f...)
	}
	for _, f := range d.speech {
		samples = append(samples, f...)
	}
	seg := Segment{
		Samples:    samples,
		Format:     d.format,
		PreRoll:    d.format.DurationOf(pre),
		DetectedAt: d.startedAt,
	}
	d.resetSegment()
	return seg
}

func (d *Detector) resetSegment() {
	d.preRoll = nil
	d.speech = nil
	d.trailing = nil
}

func (d *Detector) pushLookback(frame []int16) {
	if d.lookbackFrames == 0 {
		return
	}
	d.lookback = append(d.lookback, frame)
	if over := len(d.lookback) - d.lookbackFrames; over > 0 {
		d.lookback = append([][]int16(nil), d.lookback[over:]...)
	}
}

// apply runs the transition function. Caller holds mu.
func (d *Detector) apply(e event) bool {
	next := transition(d.state, e)
	if next == d.state {
		return false
	}
	d.state = next
	return true
}

func (d *Detector) notify(changed bool) {
	if changed && d.h.OnState != nil {
		d.h.OnState(d.State())
	}
}

func (d *Detector) emit(seg Segment) {
	if d.h.OnSegment != nil {
		d.h.OnSegment(seg)
	}
}
