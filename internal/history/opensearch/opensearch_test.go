package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procdoctor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		body   []byte
		path   string
		method string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "process-history")
	stop := time.Now().UTC()
	e := history.Event{
		Type:       history.EventStop,
		OccurredAt: stop,
		Record:     history.Record{ID: 3, Name: "w", PID: 99, Command: []string{"java"}, StartedAt: stop.Add(-time.Second), StoppedAt: &stop},
	}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/process-history/_doc", path)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "stop", doc["event"])
	assert.EqualValues(t, 3, doc["process_id"])
	assert.Contains(t, doc, "stopped_at")
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index closed", http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "index closed")
}
