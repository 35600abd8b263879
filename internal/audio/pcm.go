package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Frame is one slice of mono 16-bit PCM samples.
type Frame []int16

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the capture format used by the microphone pipeline.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// SamplesFor returns how many samples per channel cover d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// DurationOf returns the playing time of n samples per channel.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

var (
	ErrNotWAV = errors.New("audio: not a PCM WAV payload")
	// ErrShortHeader means more bytes are needed before the header can be read.
	ErrShortHeader = errors.New("audio: incomplete WAV header")
)

// RMS returns the root mean square of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PCMBytes converts samples to little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesFromBytes converts little-endian PCM bytes to samples. A trailing
// odd byte is ignored.
func SamplesFromBytes(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// EncodeWAV wraps samples in a canonical 44-byte RIFF header.
func EncodeWAV(samples []int16, f Format) []byte {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	dataLen := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate*f.Channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(f.Channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(PCMBytes(samples))
	return buf.Bytes()
}

// DecodeWAV parses a 16-bit PCM WAV payload, skipping unknown chunks.
func DecodeWAV(b []byte) ([]int16, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var (
		f   Format
		err error
	)
	haveFmt := false
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if id == "data" && size == 0 {
			size = len(b) - body
		}
		if size < 0 || body+size > len(b) {
			// streaming encoders write a placeholder size for data
			if id == "data" && haveFmt {
				size = len(b) - body
			} else {
				return nil, Format{}, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
		}
		switch id {
		case "fmt ":
			if f, err = parseFmt(b[body : body+size]); err != nil {
				return nil, Format{}, err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return SamplesFromBytes(b[body : body+size]), f, nil
		}
		pos = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// ParseWAVHeader reads the RIFF header at the start of b and returns the
// format and the offset of the first sample. It returns ErrShortHeader while
// b ends before the "data" chunk header.
func ParseWAVHeader(b []byte) (Format, int, error) {
	if len(b) < 12 {
		if !bytes.HasPrefix([]byte("RIFF"), b[:min(len(b), 4)]) {
			return Format{}, 0, ErrNotWAV
		}
		return Format{}, 0, ErrShortHeader
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Format{}, 0, ErrNotWAV
	}
	var (
		f       Format
		haveFmt bool
		err     error
	)
	pos := 12
	for {
		if pos+8 > len(b) {
			return Format{}, 0, ErrShortHeader
		}
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if id == "data" {
			if !haveFmt {
				return Format{}, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return f, body, nil
		}
		if size < 0 || body+size > len(b) {
			return Format{}, 0, ErrShortHeader
		}
		if id == "fmt " {
			if f, err = parseFmt(b[body : body+size]); err != nil {
				return Format{}, 0, err
			}
			haveFmt = true
		}
		pos = body + size + size%2
	}
}

func parseFmt(body []byte) (Format, error) {
	if len(body) < 16 {
		return Format{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
	}
	if tag := binary.LittleEndian.Uint16(body); tag != 1 {
		return Format{}, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
	}
	if bits := binary.LittleEndian.Uint16(body[14:]); bits != 16 {
		return Format{}, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, bits)
	}
	return Format{
		Channels:   int(binary.LittleEndian.Uint16(body[2:])),
		SampleRate: int(binary.LittleEndian.Uint32(body[4:])),
	}, nil
}
