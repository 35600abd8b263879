package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1200}
	wav := EncodeWAV(samples, Mono16k)
	assert.Len(t, wav, 44+len(samples)*2)

	got, f, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
	assert.Equal(t, Mono16k, f)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("ID3\x03not a wav"))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestParseWAVHeader(t *testing.T) {
	wav := EncodeWAV([]int16{1, 2, 3}, Mono16k)

	f, off, err := ParseWAVHeader(wav)
	require.NoError(t, err)
	assert.Equal(t, Mono16k, f)
	assert.Equal(t, 44, off)

	for _, n := range []int{0, 3, 11, 20, 43} {
		_, _, err := ParseWAVHeader(wav[:n])
		assert.ErrorIs(t, err, ErrShortHeader, "prefix of %d bytes", n)
	}
	_, _, err = ParseWAVHeader([]byte("ID3"))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(make([]int16, 10)))
	assert.InDelta(t, 0.5, RMS([]int16{16384, -16384}), 1e-9)
}

func TestFormatDurations(t *testing.T) {
	assert.Equal(t, 320, Mono16k.SamplesFor(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, Mono16k.DurationOf(320))
}
