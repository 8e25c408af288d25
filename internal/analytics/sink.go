package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pocketsage/pocketsage/internal/httpkit"
)

// HTTPSink posts event batches as JSON to a collector endpoint.
type HTTPSink struct {
	url  string
	http *http.Client
}

// NewHTTPSink creates a sink for the given collector URL.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:  url,
		http: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

// Send posts one batch. Any non-2xx status is a delivery failure; the
// emitter keeps the batch for retry.
func (s *HTTPSink) Send(ctx context.Context, events []Envelope) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post batch: %s", resp.Status)
	}
	return nil
}

// NopSink discards batches. Used when no collector endpoint is
// configured; the in-process bus still fans events out to subscribers.
type NopSink struct{}

func (NopSink) Send(ctx context.Context, events []Envelope) error { return nil }
