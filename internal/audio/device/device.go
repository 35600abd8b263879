// Package device binds the microphone arbiter and the playback players to
// real hardware through PortAudio.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/markdave123-py/chatrelay/internal/audio"
	"github.com/markdave123-py/chatrelay/internal/audio/mic"
	"github.com/markdave123-py/chatrelay/internal/playback"
)

// Init initializes PortAudio. The returned func terminates it.
func Init() (func() error, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// InputDevice is a capture device as listed by PortAudio.
type InputDevice struct {
	Index      int
	Name       string
	SampleRate float64
	IsDefault  bool
}

func ListInputs() ([]InputDevice, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()
	var out []InputDevice
	for i, d := range all {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, InputDevice{
			Index:      i,
			Name:       d.Name,
			SampleRate: d.DefaultSampleRate,
			IsDefault:  def != nil && d.Name == def.Name,
		})
	}
	return out, nil
}

// Microphone opens mono capture streams. DeviceIndex < 0 selects the
// system default input.
type Microphone struct {
	Format        audio.Format
	FrameDuration time.Duration
	DeviceIndex   int
	Logger        *slog.Logger
}

var _ mic.Device = (*Microphone)(nil)

func (m *Microphone) Open(ctx context.Context) (mic.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := m.Format
	if format.SampleRate <= 0 {
		format = audio.Mono16k
	}
	format.Channels = 1
	frameDur := m.FrameDuration
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var dev *portaudio.DeviceInfo
	var err error
	if m.DeviceIndex >= 0 {
		all, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to get devices: %w", err)
		}
		if m.DeviceIndex >= len(all) {
			return nil, fmt.Errorf("device index %d out of range", m.DeviceIndex)
		}
		dev = all[m.DeviceIndex]
	} else {
		dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default device: %w", err)
		}
	}

	framesPerBuffer := format.SamplesFor(frameDur)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}

	s := &captureStream{
		pa:     stream,
		buf:    buf,
		format: format,
		frames: make(chan audio.Frame, 32),
		done:   make(chan struct{}),
		logger: logger.With("device", dev.Name),
	}
	go s.read()
	return s, nil
}

type captureStream struct {
	pa     *portaudio.Stream
	buf    []int16
	format audio.Format
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *captureStream) Frames() <-chan audio.Frame { return s.frames }
func (s *captureStream) Format() audio.Format       { return s.format }

// Stop asks the reader to finish. The device is closed by the reader after
// its current buffer, so Stop never races a blocking Read.
func (s *captureStream) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *captureStream) read() {
	defer close(s.frames)
	defer func() {
		if err := s.pa.Stop(); err != nil {
			s.logger.Debug("stop capture stream", "error", err)
		}
		if err := s.pa.Close(); err != nil {
			s.logger.Debug("close capture stream", "error", err)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.pa.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			s.logger.Warn("capture read failed", "error", err)
			return
		}
		frame := make(audio.Frame, len(s.buf))
		copy(frame, s.buf)
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// Speaker allocates one PortAudio output stream per voice.
type Speaker struct {
	FrameDuration time.Duration
}

var _ playback.Backend = (*Speaker)(nil)

func (sp *Speaker) Open(f audio.Format) (playback.Voice, error) {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	frameDur := sp.FrameDuration
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	frames := f.SamplesFor(frameDur)
	buf := make([]int16, frames*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), frames, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	return &voice{pa: stream, buf: buf}, nil
}

type voice struct {
	mu     sync.Mutex
	pa     *portaudio.Stream
	buf    []int16
	closed bool
}

// Play writes samples one buffer at a time, padding the last with silence.
func (v *voice) Play(ctx context.Context, samples []int16) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return playback.ErrClosed
	}
	for off := 0; off < len(samples); off += len(v.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(v.buf, samples[off:])
		clear(v.buf[n:])
		if err := v.pa.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func (v *voice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return errors.Join(v.pa.Stop(), v.pa.Close())
}
