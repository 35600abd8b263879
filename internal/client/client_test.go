package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/api/handlers"
	"github.com/markdave123-py/chatrelay/internal/audio"
	"github.com/markdave123-py/chatrelay/internal/audio/vad"
	db "github.com/markdave123-py/chatrelay/internal/core/database"
	"github.com/markdave123-py/chatrelay/internal/models"
	"github.com/markdave123-py/chatrelay/internal/playback"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: url, Token: "tok", Logger: quiet})
	require.NoError(t, err)
	return c
}

func TestComputeGate(t *testing.T) {
	tests := []struct {
		guest bool
		sig   models.PaymentSignals
		want  GateState
	}{
		{true, models.PaymentSignals{}, Locked},
		{true, models.PaymentSignals{PaymentConfirmed: true}, Unlocked},
		{true, models.PaymentSignals{ReportReady: true}, Unlocked},
		{true, models.PaymentSignals{PaymentError: true}, Unlocked},
		{true, models.PaymentSignals{PaymentConfirmed: true, ReportReady: true, PaymentError: true}, Unlocked},
		{false, models.PaymentSignals{}, Unlocked},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeGate(tt.guest, tt.sig), "guest=%v sig=%+v", tt.guest, tt.sig)
	}
}

func TestHydrateOrder(t *testing.T) {
	session := NewMemorySession()
	s := NewStore(session)

	id, src := s.Hydrate("")
	assert.Equal(t, HydrateNone, src)
	assert.Empty(t, id)

	id, src = s.Hydrate("route-chat")
	assert.Equal(t, HydrateRoute, src)
	assert.Equal(t, "route-chat", id)

	require.NoError(t, session.Set(ActiveChatKey, "session-chat"))
	id, src = s.Hydrate("route-chat")
	assert.Equal(t, HydrateSession, src)
	assert.Equal(t, "session-chat", id)
	assert.Equal(t, "session-chat", s.ActiveChat())
}

func TestHydrateSkippedWhileLocked(t *testing.T) {
	session := NewMemorySession()
	require.NoError(t, session.Set(ActiveChatKey, "c1"))
	s := NewStore(session)
	s.SetGate(Locked)

	id, src := s.Hydrate("c2")
	assert.Equal(t, HydrateSkipped, src)
	assert.Empty(t, id)
	assert.Empty(t, s.ActiveChat())

	s.SetGate(Unlocked)
	id, src = s.Hydrate("c2")
	assert.Equal(t, HydrateSession, src)
	assert.Equal(t, "c1", id)
}

func TestFileSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.yaml")
	fs, err := OpenFileSession(path)
	require.NoError(t, err)
	require.NoError(t, fs.Set(ActiveChatKey, "c9"))

	again, err := OpenFileSession(path)
	require.NoError(t, err)
	v, ok := again.Get(ActiveChatKey)
	assert.True(t, ok)
	assert.Equal(t, "c9", v)

	require.NoError(t, again.Delete(ActiveChatKey))
	_, ok = again.Get(ActiveChatKey)
	assert.False(t, ok)
}

func TestStoreUpsertDedup(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetActiveChat("c1"))

	assert.True(t, s.Upsert(models.Message{ChatID: "c1", Role: models.RoleUser, ClientMsgID: "m1", Text: "hi"}))
	assert.True(t, s.Upsert(models.Message{ChatID: "c1", Role: models.RoleAssistant, ClientMsgID: "m1", Text: "hello"}))
	// Same assistant row from the change feed, now numbered.
	assert.False(t, s.Upsert(models.Message{ID: "a1", ChatID: "c1", Role: models.RoleAssistant, ClientMsgID: "m1", Text: "hello", MessageNumber: 2}))
	assert.False(t, s.Upsert(models.Message{ID: "a1", ChatID: "c1", Role: models.RoleAssistant, Text: "hello", MessageNumber: 2}))
	// Another conversation is ignored.
	assert.False(t, s.Upsert(models.Message{ID: "x", ChatID: "c2", Role: models.RoleUser}))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role, "numbered rows sort before unnumbered ones")
	assert.Equal(t, "a1", msgs[0].ID)

	assert.True(t, s.Remove("a1"))
	assert.Len(t, s.Messages(), 1)
}

func TestConsumerRendersOnce(t *testing.T) {
	for _, streamFirst := range []bool{true, false} {
		s := NewStore(nil)
		require.NoError(t, s.SetActiveChat("c1"))
		var rendered []models.Message
		var deltas []string
		c := NewConsumer(s, ConsumerHandlers{
			OnMessage: func(m models.Message) { rendered = append(rendered, m) },
			OnDelta:   func(_, text string) { deltas = append(deltas, text) },
		}, quiet)

		c.Begin(models.Message{ChatID: "c1", Role: models.RoleUser, ClientMsgID: "m1", Text: "hi"})
		c.Handle(relay.Event{Type: relay.EventDelta, ClientMsgID: "m1", Text: "Hello"})
		p, ok := c.Pending("m1")
		assert.True(t, ok)
		assert.Equal(t, "Hello", p)

		final := relay.Event{Type: relay.EventFinal, ClientMsgID: "m1", Text: "Hello there", MessageID: "a1", MessageNumber: 2}
		change := models.MessageChange{Op: models.ChangeInsert, ChatID: "c1", ID: "a1", Message: &models.Message{
			ID: "a1", ChatID: "c1", Role: models.RoleAssistant, ClientMsgID: "m1", Text: "Hello there", MessageNumber: 2,
		}}
		if streamFirst {
			c.Handle(final)
			c.HandleChange(change)
		} else {
			c.HandleChange(change)
			c.Handle(final)
		}

		_, ok = c.Pending("m1")
		assert.False(t, ok)
		require.Len(t, rendered, 2, "streamFirst=%v", streamFirst)
		assert.Equal(t, models.RoleUser, rendered[0].Role)
		assert.Equal(t, "Hello there", rendered[1].Text)
		assert.Len(t, s.Messages(), 2)
		assert.Equal(t, []string{"Hello"}, deltas)
	}
}

func TestConsumerErrorDropsPending(t *testing.T) {
	s := NewStore(nil)
	var failed []relay.Event
	c := NewConsumer(s, ConsumerHandlers{OnError: func(ev relay.Event) { failed = append(failed, ev) }}, quiet)
	c.Begin(models.Message{ChatID: "c1", Role: models.RoleUser, ClientMsgID: "m1", Text: "hi"})
	c.Handle(relay.Event{Type: relay.EventDelta, ClientMsgID: "m1", Text: "partial"})
	c.Handle(relay.Event{Type: relay.EventError, ClientMsgID: "m1", Error: relay.CodeLLMError})

	_, ok := c.Pending("m1")
	assert.False(t, ok)
	require.Len(t, failed, 1)
	assert.Len(t, s.Messages(), 1, "only the user message is committed")
}

func TestReadSSE(t *testing.T) {
	body := ": keep-alive\n\nevent: delta\ndata: {\"a\":1}\n\nevent: final\ndata: line1\ndata: line2\n\n"
	var got []sseMessage
	require.NoError(t, readSSE(strings.NewReader(body), func(m sseMessage) bool {
		got = append(got, m)
		return true
	}))
	assert.Equal(t, []sseMessage{{Event: "delta", Data: `{"a":1}`}, {Event: "final", Data: "line1\nline2"}}, got)
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotLang, gotMime, gotChat string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotLang = r.FormValue("language")
		gotMime = r.FormValue("mime_type")
		gotChat = r.FormValue("chat_id")
		f, _, err := r.FormFile("audio")
		require.NoError(t, err)
		gotAudio, _ = io.ReadAll(f)
		_, _ = w.Write([]byte(`{"transcript":"  hello there "}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	seg := vad.Segment{Samples: []int16{1, 2, 3}, Format: audio.Mono16k}
	tr, err := c.Transcribe(context.Background(), seg, "c1", TranscribeOptions{Language: "en", MimeType: "audio/webm"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", tr.Text)
	assert.False(t, tr.Empty())
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "en", gotLang)
	assert.Equal(t, "audio/wav", gotMime, "unregistered encoders fall back to wav")
	assert.Equal(t, "c1", gotChat)
	samples, _, err := audio.DecodeWAV(gotAudio)
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, samples)
}

func TestTranscribeEmptyAndFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "transcription failed", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"transcript":""}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	seg := vad.Segment{Samples: []int16{1}, Format: audio.Mono16k}

	tr, err := c.Transcribe(context.Background(), seg, "c1", TranscribeOptions{})
	require.NoError(t, err)
	assert.True(t, tr.Empty())

	fail.Store(true)
	_, err = c.Transcribe(context.Background(), seg, "c1", TranscribeOptions{})
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadGateway, he.Status)
}

type cannedLLM struct{ reply string }

func (c cannedLLM) Generate(context.Context, string, string) (string, error) { return c.reply, nil }

// relayServer runs the real chat handlers over an in-memory store.
func relayServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	store := db.NewMemoryClient()
	r := relay.New(store, cannedLLM{reply: reply}, relay.Options{Logger: quiet})
	h := handlers.NewChatHandler(r, nil, quiet)
	mux := http.NewServeMux()
	mux.Handle("/api/chat/ws", appMiddleware.JWTMiddleware("secret")(http.HandlerFunc(h.ServeWS)))
	mux.Handle("/api/chat/stream", appMiddleware.JWTMiddleware("secret")(http.HandlerFunc(h.StreamSSE)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func guestClient(t *testing.T, url string) *Client {
	t.Helper()
	token, err := appMiddleware.IssueToken("secret", models.Owner{GuestID: "g1"}, time.Hour)
	require.NoError(t, err)
	c, err := New(Options{BaseURL: url, Token: token, Logger: quiet})
	require.NoError(t, err)
	return c
}

func collectTurn(t *testing.T, events <-chan relay.Event) []relay.Event {
	t.Helper()
	var out []relay.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "transport closed mid-turn")
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func TestWSTransportEndToEnd(t *testing.T) {
	srv := relayServer(t, "## Hi *there*")
	c := guestClient(t, srv.URL)

	tr, err := c.DialWS(context.Background())
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Ping())

	require.NoError(t, tr.Send(context.Background(), Turn{ChatID: "c1", Text: "hello", ClientMsgID: "m1"}))
	events := collectTurn(t, tr.Events())
	require.Len(t, events, 3)
	assert.Equal(t, "Hi", events[0].Text)
	assert.Equal(t, "Hi there", events[1].Text)
	assert.Equal(t, relay.EventFinal, events[2].Type)
	assert.Equal(t, "m1", events[2].ClientMsgID)
}

func TestWSTransportUnauthorized(t *testing.T) {
	srv := relayServer(t, "x")
	c := newTestClient(t, srv.URL)
	_, err := c.DialWS(context.Background())
	assert.Error(t, err)
}

func TestSSETransportEndToEnd(t *testing.T) {
	srv := relayServer(t, "one two three")
	c := guestClient(t, srv.URL)
	tr := c.NewSSETransport()
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), Turn{ChatID: "c1", Text: "hello", ClientMsgID: "m1"}))
	events := collectTurn(t, tr.Events())
	require.Len(t, events, 4)
	assert.Equal(t, "one two three", events[3].Text)

	s := NewStore(nil)
	require.NoError(t, s.SetActiveChat("c1"))
	cons := NewConsumer(s, ConsumerHandlers{}, quiet)
	for _, ev := range events {
		cons.Handle(ev)
	}
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].MessageNumber)
}

type countingBackend struct {
	mu             sync.Mutex
	opened, closed int
	played         int
	samples        int
}

type countingVoice struct{ b *countingBackend }

func (b *countingBackend) Open(audio.Format) (playback.Voice, error) {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return countingVoice{b}, nil
}

func (v countingVoice) Play(_ context.Context, samples []int16) error {
	v.b.mu.Lock()
	v.b.played++
	v.b.samples += len(samples)
	v.b.mu.Unlock()
	return nil
}

func (v countingVoice) Close() error {
	v.b.mu.Lock()
	v.b.closed++
	v.b.mu.Unlock()
	return nil
}

func TestSpeak(t *testing.T) {
	var texts []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		texts = append(texts, req["text"])
		mu.Unlock()
		assert.Equal(t, "LINEAR16", req["encoding"])
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV([]int16{1, 2}, audio.Mono16k))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	be := &countingBackend{}
	p := playback.NewChunkPlayer(be, quiet)
	require.NoError(t, c.Speak(context.Background(), p, "The moon is bright tonight. Venus rises at dawn.", "en-US-Neural2-F"))
	require.NoError(t, p.Cleanup())

	assert.Equal(t, []string{"The moon is bright tonight.", "Venus rises at dawn."}, texts)
	assert.Equal(t, 2, be.played)
	assert.Equal(t, be.opened, be.closed)
}

func TestSpeakStream(t *testing.T) {
	pcm := make([]int16, 5000)
	for i := range pcm {
		pcm[i] = int16(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(pcm, audio.Mono16k))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	be := &countingBackend{}
	p := playback.NewStreamPlayer(be, playback.StreamOptions{Logger: quiet})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.SpeakStream(ctx, p, "A long answer that streams.", ""))
	require.NoError(t, p.Cleanup())

	assert.Equal(t, 5000, be.samples)
	assert.Equal(t, 1, be.opened)
	assert.Equal(t, be.opened, be.closed)
}

func TestWaitUnlocked(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(models.PaymentSignals{GuestID: "g1", ReportReady: n >= 3})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sig, err := c.WaitUnlocked(ctx, "g1", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, sig.ReportReady)
	assert.Equal(t, int32(3), calls.Load())
}
