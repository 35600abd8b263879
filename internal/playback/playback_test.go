package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/chatrelay/internal/audio"
)

type fakeBackend struct {
	mu     sync.Mutex
	opened int
	closed int
	played [][]int16
	block  chan struct{}
	fail   error
}

type fakeVoice struct {
	b      *fakeBackend
	once   sync.Once
	format audio.Format
}

func (b *fakeBackend) Open(f audio.Format) (Voice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	b.opened++
	return &fakeVoice{b: b, format: f}, nil
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened, b.closed
}

func (b *fakeBackend) playedSamples() [][]int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]int16(nil), b.played...)
}

func (v *fakeVoice) Play(ctx context.Context, samples []int16) error {
	if v.b.block != nil {
		select {
		case <-v.b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	v.b.mu.Lock()
	v.b.played = append(v.b.played, append([]int16(nil), samples...))
	v.b.mu.Unlock()
	return nil
}

func (v *fakeVoice) Close() error {
	v.once.Do(func() {
		v.b.mu.Lock()
		v.b.closed++
		v.b.mu.Unlock()
	})
	return nil
}

func wavOf(samples ...int16) []byte { return audio.EncodeWAV(samples, audio.Mono16k) }

func TestChunkPlayerThreeChunks(t *testing.T) {
	be := &fakeBackend{}
	p := NewChunkPlayer(be, nil)

	require.NoError(t, p.AppendChunk(wavOf(1, 1)))
	require.NoError(t, p.AppendChunk(wavOf(2, 2)))
	require.NoError(t, p.AppendChunk(wavOf(3, 3)))
	p.EndStream()
	require.NoError(t, p.Play(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	assert.Equal(t, [][]int16{{1, 1}, {2, 2}, {3, 3}}, be.playedSamples())
	require.NoError(t, p.Cleanup())

	opened, closed := be.counts()
	assert.Equal(t, 3, opened)
	assert.Equal(t, opened, closed)
}

func TestChunkPlayerCleanupMidPlayback(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	p := NewChunkPlayer(be, nil)
	require.NoError(t, p.Play(context.Background()))
	require.NoError(t, p.AppendChunk(wavOf(1)))
	require.NoError(t, p.AppendChunk(wavOf(2)))

	require.NoError(t, p.Cleanup())
	opened, closed := be.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)

	assert.ErrorIs(t, p.AppendChunk(wavOf(3)), ErrClosed)
	assert.ErrorIs(t, p.Play(context.Background()), ErrClosed)
	assert.NoError(t, p.Cleanup())
}

func TestChunkPlayerCleanupWithoutPlay(t *testing.T) {
	be := &fakeBackend{}
	p := NewChunkPlayer(be, nil)
	require.NoError(t, p.AppendChunk(wavOf(1)))
	require.NoError(t, p.Cleanup())
	opened, closed := be.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestChunkPlayerRejectsBadChunk(t *testing.T) {
	be := &fakeBackend{}
	p := NewChunkPlayer(be, nil)
	assert.ErrorIs(t, p.AppendChunk([]byte("ID3 mp3 bytes")), audio.ErrNotWAV)
	opened, _ := be.counts()
	assert.Zero(t, opened)

	p.EndStream()
	assert.ErrorIs(t, p.AppendChunk(wavOf(1)), ErrEnded)
}

func TestChunkPlayerBackendFailure(t *testing.T) {
	p := NewChunkPlayer(&fakeBackend{fail: errors.New("no output device")}, nil)
	assert.Error(t, p.AppendChunk(wavOf(1)))
}

func TestStreamPlayerDrains(t *testing.T) {
	be := &fakeBackend{}
	p := NewStreamPlayer(be, StreamOptions{
		Format:    audio.Mono16k,
		Prebuffer: time.Millisecond,
		Block:     time.Millisecond,
	})
	require.NoError(t, p.Play(context.Background()))

	// 16 samples per millisecond at 16 kHz; the header carries 10 of them
	// and the odd byte split across fragments must be reassembled.
	first := make([]int16, 10)
	for i := range first {
		first[i] = int16(i)
	}
	require.NoError(t, p.AppendChunk(wavOf(first...)))
	rest := audio.PCMBytes([]int16{10, 11, 12})
	require.NoError(t, p.AppendChunk(rest[:3]))
	require.NoError(t, p.AppendChunk(rest[3:]))
	p.EndStream()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	var all []int16
	for _, b := range be.playedSamples() {
		all = append(all, b...)
	}
	assert.Equal(t, []int16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, all)

	require.NoError(t, p.Cleanup())
	opened, closed := be.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestStreamPlayerFragmentedHeader(t *testing.T) {
	samples := []int16{0x102, 0x304, 0x506, 0x708}
	wav := audio.EncodeWAV(samples, audio.Format{SampleRate: 24000, Channels: 1})

	cases := map[string][]int{
		"header split in fmt chunk": {20},
		"odd first fragment":        {47},
		"byte by byte header":       {1, 2, 3, 4, 12, 30, 43, 44, 45},
	}
	for name, cuts := range cases {
		t.Run(name, func(t *testing.T) {
			be := &fakeBackend{}
			p := NewStreamPlayer(be, StreamOptions{Format: audio.Mono16k, Prebuffer: time.Millisecond})
			require.NoError(t, p.Play(context.Background()))

			prev := 0
			for _, c := range append(cuts, len(wav)) {
				require.NoError(t, p.AppendChunk(wav[prev:c]))
				prev = c
			}
			p.EndStream()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, p.Wait(ctx))

			var all []int16
			for _, b := range be.playedSamples() {
				all = append(all, b...)
			}
			assert.Equal(t, samples, all)
			require.NoError(t, p.Cleanup())
		})
	}
}

func TestStreamPlayerRejectsBadHeader(t *testing.T) {
	wav := audio.EncodeWAV([]int16{1, 2}, audio.Mono16k)
	wav[34] = 8 // bits per sample

	p := NewStreamPlayer(&fakeBackend{}, StreamOptions{})
	assert.NoError(t, p.AppendChunk(wav[:30]))
	assert.ErrorIs(t, p.AppendChunk(wav[30:]), audio.ErrNotWAV)
	require.NoError(t, p.Cleanup())
}

func TestStreamPlayerWaitsForPrebuffer(t *testing.T) {
	be := &fakeBackend{}
	p := NewStreamPlayer(be, StreamOptions{Format: audio.Mono16k, Prebuffer: time.Second})
	require.NoError(t, p.Play(context.Background()))
	require.NoError(t, p.AppendChunk(audio.PCMBytes(make([]int16, 100))))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, p.Playing())
	assert.Empty(t, be.playedSamples())

	p.EndStream()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.NotEmpty(t, be.playedSamples())
	require.NoError(t, p.Cleanup())
}

func TestStreamPlayerCleanupReleasesVoice(t *testing.T) {
	be := &fakeBackend{block: make(chan struct{})}
	p := NewStreamPlayer(be, StreamOptions{Format: audio.Mono16k, Prebuffer: time.Millisecond})
	require.NoError(t, p.Play(context.Background()))
	require.NoError(t, p.AppendChunk(audio.PCMBytes(make([]int16, 1600))))

	assert.Eventually(t, func() bool { o, _ := be.counts(); return o == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Cleanup())
	opened, closed := be.counts()
	assert.Equal(t, opened, closed)
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t,
		[]string{"Hello there.", "How are you today?", "Great!"},
		SplitSentences("Hello there. How are you today? Great!", 0))
	assert.Equal(t, []string{"Version 1.5 is out."}, SplitSentences("Version 1.5 is out.", 0))
	assert.Equal(t, []string{"Hi. Welcome back."}, SplitSentences("Hi. Welcome back.", 5))
	assert.Equal(t, []string{"no punctuation"}, SplitSentences("no punctuation", 0))
	assert.Empty(t, SplitSentences("   ", 0))
}
