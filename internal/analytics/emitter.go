package analytics

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxBuffer bounds the retry buffer; when full, the oldest undelivered
// events are dropped.
const maxBuffer = 1000

// Sink delivers event batches to the analytics backend.
type Sink interface {
	Send(ctx context.Context, events []Envelope) error
}

// PII patterns scrubbed from every string payload value. Account and
// card numbers matter most here; a finance assistant's payloads are
// full of legitimate small numbers, so only long digit runs are
// treated as identifiers.
var piiPatterns = []struct {
	re      *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\b\d{8,}\b`), "[account]"},
	{regexp.MustCompile(`\+?\d{1,2}[ -]?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`), "[phone]"},
}

// Scrub replaces PII in a string with typed placeholders.
func Scrub(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replace)
	}
	return s
}

// scrubPayload deep-copies a payload with every string value scrubbed.
func scrubPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = Scrub(val)
		case []string:
			scrubbed := make([]string, len(val))
			for i, s := range val {
				scrubbed[i] = Scrub(s)
			}
			out[k] = scrubbed
		case map[string]any:
			out[k] = scrubPayload(val)
		default:
			out[k] = v
		}
	}
	return out
}

// Emitter samples, scrubs, and buffers events for delivery. Emission
// is always best-effort: a down sink never blocks or fails the caller,
// it only grows the bounded retry buffer.
type Emitter struct {
	sink   Sink
	rates  map[string]float64
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time
	sample func() float64

	mu     sync.Mutex
	buffer []Envelope

	dropped int
}

// NewEmitter creates an emitter. rates maps event type to sample rate
// in [0,1]; types not listed are always emitted. The bus may be nil.
func NewEmitter(sink Sink, rates map[string]float64, bus *Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sink:   sink,
		rates:  rates,
		bus:    bus,
		logger: logger,
		now:    time.Now,
		sample: rand.Float64,
	}
}

// Emit records one event. Sampled-out events are dropped before
// scrubbing ever runs. Accepted events go to the live bus immediately
// and to the retry buffer for the next flush.
func (e *Emitter) Emit(eventType, sessionID string, payload map[string]any) {
	if rate, ok := e.rates[eventType]; ok && e.sample() >= rate {
		return
	}

	env := Envelope{
		Type:      eventType,
		SessionID: sessionID,
		MessageID: newID(),
		Timestamp: e.now().UTC(),
		Payload:   scrubPayload(payload),
	}

	e.bus.Publish(env)

	e.mu.Lock()
	e.buffer = append(e.buffer, env)
	if len(e.buffer) > maxBuffer {
		over := len(e.buffer) - maxBuffer
		e.buffer = e.buffer[over:]
		e.dropped += over
	}
	e.mu.Unlock()
}

// Flush attempts delivery of everything buffered. On sink failure the
// batch stays buffered for the next attempt.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if e.sink == nil {
		return nil
	}

	if err := e.sink.Send(ctx, batch); err != nil {
		e.mu.Lock()
		// Requeue ahead of anything emitted during the send.
		e.buffer = append(batch, e.buffer...)
		if len(e.buffer) > maxBuffer {
			over := len(e.buffer) - maxBuffer
			e.buffer = e.buffer[over:]
			e.dropped += over
		}
		e.mu.Unlock()
		e.logger.Warn("analytics flush failed", "events", len(batch), "error", err)
		return err
	}
	return nil
}

// Run flushes on the given interval until the context ends, then does
// a final flush.
func (e *Emitter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Pending returns how many events await delivery.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// Dropped returns how many events were lost to buffer overflow.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
