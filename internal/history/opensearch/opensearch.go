package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/procdoctor/internal/history"
)

// Sink sends events to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the indexed shape; the id makes start and stop of one worker
// easy to correlate.
type document struct {
	Event      history.EventType `json:"event"`
	OccurredAt time.Time         `json:"occurred_at"`
	ProcessID  int64             `json:"process_id"`
	Name       string            `json:"name"`
	PID        int               `json:"pid"`
	Command    []string          `json:"command"`
	StartedAt  time.Time         `json:"started_at"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(document{
		Event:      e.Type,
		OccurredAt: e.OccurredAt.UTC(),
		ProcessID:  e.Record.ID,
		Name:       e.Record.Name,
		PID:        e.Record.PID,
		Command:    e.Record.Command,
		StartedAt:  e.Record.StartedAt.UTC(),
		StoppedAt:  e.Record.StoppedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
