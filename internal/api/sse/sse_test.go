package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := New(rec)
	require.NoError(t, err)

	require.NoError(t, w.Comment("ping"))
	require.NoError(t, w.Send("delta", map[string]string{"text": "Hi"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, ": ping\n\nevent: delta\ndata: {\"text\":\"Hi\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
