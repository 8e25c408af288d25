package shadow

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pocketsage/pocketsage/internal/opstate"
)

func newTestStore(t *testing.T) *opstate.Store {
	t.Helper()
	s, err := opstate.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type reportSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *reportSink) emit(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *reportSink) all() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

func fixedResult(answer string, factIDs ...string) RunFn {
	return func(ctx context.Context) (*RunResult, error) {
		return &RunResult{Answer: answer, FactIDs: factIDs, Tier: "mini", Model: "m", Tokens: 100}, nil
	}
}

func TestBucketDeterministicAndDistributed(t *testing.T) {
	if Bucket("user-42") != Bucket("user-42") {
		t.Error("Bucket is not deterministic")
	}

	// With a 5% sample over 10k distinct users, the in-shadow fraction
	// should land near 5%.
	const rate = 0.05
	var in int
	for i := 0; i < 10000; i++ {
		if Bucket(fmt.Sprintf("user-%d", i)) < rate {
			in++
		}
	}
	frac := float64(in) / 10000
	if math.Abs(frac-rate) > 0.01 {
		t.Errorf("in-shadow fraction = %.4f, want within 0.01 of %.2f", frac, rate)
	}
}

func TestDualRunReturnsCurrentResult(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: true, SampleRate: 1, DailyCap: 100}, sink.emit, nil)

	res, err := h.DualRun(context.Background(), "user-1",
		fixedResult("current answer", "budget-groceries"),
		fixedResult("candidate answer", "budget-groceries"))
	if err != nil {
		t.Fatalf("DualRun() error: %v", err)
	}
	if res.Answer != "current answer" {
		t.Errorf("caller got %q, must always get the current result", res.Answer)
	}

	h.Wait()
	reports := sink.all()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	r := reports[0]
	if !r.Agreement || r.AgreementMethod != "fact_ids" || r.AgreementScore != 1 {
		t.Errorf("report = %+v, want full fact-id agreement", r)
	}
}

func TestDisagreementOnDifferentFacts(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: true, SampleRate: 1, DailyCap: 100}, sink.emit, nil)

	_, err := h.DualRun(context.Background(), "user-1",
		fixedResult("a", "budget-groceries"),
		fixedResult("b", "goal-vacation"))
	if err != nil {
		t.Fatal(err)
	}
	h.Wait()

	r := sink.all()[0]
	if r.Agreement || r.AgreementScore != 0 {
		t.Errorf("report = %+v, want disagreement", r)
	}
}

func TestLengthFallbackWhenNoFactIDs(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: true, SampleRate: 1, DailyCap: 100}, sink.emit, nil)

	_, err := h.DualRun(context.Background(), "user-1",
		fixedResult("some answer text here"),
		fixedResult("some answer text her"))
	if err != nil {
		t.Fatal(err)
	}
	h.Wait()

	r := sink.all()[0]
	if r.AgreementMethod != "length" {
		t.Errorf("AgreementMethod = %q, want length", r.AgreementMethod)
	}
	if !r.Agreement {
		t.Errorf("near-identical lengths should agree: %+v", r)
	}
}

func TestDailyCap(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: true, SampleRate: 1, DailyCap: 3}, sink.emit, nil)

	for i := 0; i < 10; i++ {
		if _, err := h.DualRun(context.Background(), "user-1",
			fixedResult("a", "f1"), fixedResult("b", "f1")); err != nil {
			t.Fatal(err)
		}
	}
	h.Wait()
	if got := len(sink.all()); got != 3 {
		t.Errorf("dual runs = %d, want dailyCap=3", got)
	}
}

func TestDailyCapPersistsAcrossRestart(t *testing.T) {
	store := newTestStore(t)
	sink := &reportSink{}
	opts := Options{Enabled: true, SampleRate: 1, DailyCap: 3}

	h := New(store, opts, sink.emit, nil)
	for i := 0; i < 3; i++ {
		h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	}
	h.Wait()

	// A fresh harness over the same store sees the spent budget.
	h2 := New(store, opts, sink.emit, nil)
	h2.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h2.Wait()
	if got := len(sink.all()); got != 3 {
		t.Errorf("dual runs across restart = %d, want 3", got)
	}
}

func TestDailyCapResetsNextDay(t *testing.T) {
	store := newTestStore(t)
	sink := &reportSink{}
	h := New(store, Options{Enabled: true, SampleRate: 1, DailyCap: 1}, sink.emit, nil)

	now := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h.Wait()
	if got := len(sink.all()); got != 1 {
		t.Fatalf("same-day runs = %d, want 1", got)
	}

	now = now.Add(2 * time.Hour) // next UTC day
	h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h.Wait()
	if got := len(sink.all()); got != 2 {
		t.Errorf("runs after day rollover = %d, want 2", got)
	}
}

func TestTokenThresholdSkips(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: true, SampleRate: 1, DailyCap: 100, TokenThreshold: 50}, sink.emit, nil)

	// fixedResult reports 100 tokens, above the threshold.
	h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h.Wait()
	if got := len(sink.all()); got != 0 {
		t.Errorf("expensive current run still shadowed: %d reports", got)
	}
}

func TestDisabledHarnessNeverShadows(t *testing.T) {
	sink := &reportSink{}
	h := New(newTestStore(t), Options{Enabled: false, SampleRate: 1, DailyCap: 100}, sink.emit, nil)

	h.DualRun(context.Background(), "user-1", fixedResult("a", "f1"), fixedResult("b", "f1"))
	h.Wait()
	if got := len(sink.all()); got != 0 {
		t.Errorf("disabled harness emitted %d reports", got)
	}
}
