// Package shadow dual-runs a candidate pipeline configuration behind
// the production one. The candidate's answer is never shown to anyone;
// only an agreement signal and route metadata leave the harness. The
// daily-run counter persists across restarts so a crash loop cannot
// blow the experiment budget.
package shadow

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pocketsage/pocketsage/internal/opstate"
)

const (
	stateNamespace = "shadow"
	stateKey       = "shadow_ab_daily_count"

	// candidateTimeout bounds the background run so a hung candidate
	// cannot pile up goroutines.
	candidateTimeout = 30 * time.Second
)

// RunResult is one pipeline execution's comparable surface.
type RunResult struct {
	Answer  string
	FactIDs []string
	Tier    string
	Model   string
	Tokens  int
}

// RunFn executes one pipeline configuration.
type RunFn func(ctx context.Context) (*RunResult, error)

// Report is the telemetry emitted after a dual run.
type Report struct {
	UserID          string  `json:"user_id"`
	Agreement       bool    `json:"agreement"`
	AgreementScore  float64 `json:"agreement_score"`
	AgreementMethod string  `json:"agreement_method"` // fact_ids, length
	CurrentTier     string  `json:"current_tier"`
	CandidateTier   string  `json:"candidate_tier"`
	CurrentModel    string  `json:"current_model"`
	CandidateModel  string  `json:"candidate_model"`
	CurrentTokens   int     `json:"current_tokens"`
	CandidateTokens int     `json:"candidate_tokens"`
	CandidateError  string  `json:"candidate_error,omitempty"`
}

// Options configures the harness.
type Options struct {
	Enabled        bool
	SampleRate     float64 // fraction of users in shadow, [0,1]
	DailyCap       int     // max dual runs per UTC day
	TokenThreshold int     // skip when the current run already spent this many tokens; 0 disables
}

type dailyCounter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Harness decides per-request whether to dual-run and compares the
// results.
type Harness struct {
	store  *opstate.Store
	opts   Options
	emit   func(Report)
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // guards the daily counter read-modify-write
	wg sync.WaitGroup
}

// New creates a harness. emit receives every dual-run report; a nil
// emit discards them.
func New(store *opstate.Store, opts Options, emit func(Report), logger *slog.Logger) *Harness {
	if emit == nil {
		emit = func(Report) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		store:  store,
		opts:   opts,
		emit:   emit,
		logger: logger,
		now:    time.Now,
	}
}

// Bucket maps a user ID deterministically into [0, 1). The same user
// is always in or out of the experiment, across processes and
// restarts.
func Bucket(userID string) float64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	return float64(h.Sum64()) / float64(math.MaxUint64)
}

// DualRun executes current and returns its result to the caller. When
// the user buckets into the sample, the daily cap has headroom, and
// the current run was not already token-expensive, candidate also runs
// in the background and an agreement report is emitted.
func (h *Harness) DualRun(ctx context.Context, userID string, current, candidate RunFn) (*RunResult, error) {
	cur, err := current(ctx)
	if err != nil {
		return nil, err
	}

	if !h.shouldShadow(userID, cur.Tokens) {
		return cur, nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runCandidate(userID, cur, candidate)
	}()

	return cur, nil
}

// Wait blocks until all in-flight candidate runs finish. Used at
// shutdown and in tests.
func (h *Harness) Wait() {
	h.wg.Wait()
}

func (h *Harness) shouldShadow(userID string, currentTokens int) bool {
	if !h.opts.Enabled || h.opts.SampleRate <= 0 {
		return false
	}
	if Bucket(userID) >= h.opts.SampleRate {
		return false
	}
	if h.opts.TokenThreshold > 0 && currentTokens >= h.opts.TokenThreshold {
		return false
	}
	return h.reserveDailySlot()
}

// reserveDailySlot increments the persisted per-day counter, refusing
// once the cap is reached. The counter resets when the UTC date rolls
// over.
func (h *Harness) reserveDailySlot() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	today := h.now().UTC().Format("2006-01-02")
	var c dailyCounter
	if _, err := h.store.GetJSON(stateNamespace, stateKey, &c); err != nil {
		h.logger.Warn("shadow counter read failed", "error", err)
		return false
	}
	if c.Date != today {
		c = dailyCounter{Date: today}
	}
	if h.opts.DailyCap > 0 && c.Count >= h.opts.DailyCap {
		return false
	}
	c.Count++
	if err := h.store.SetJSON(stateNamespace, stateKey, c); err != nil {
		h.logger.Warn("shadow counter write failed", "error", err)
		return false
	}
	return true
}

// runCandidate executes the candidate with its own timeout and emits
// the comparison. The caller's context is deliberately not used: the
// candidate must survive the request finishing.
func (h *Harness) runCandidate(userID string, cur *RunResult, candidate RunFn) {
	ctx, cancel := context.WithTimeout(context.Background(), candidateTimeout)
	defer cancel()

	r := Report{
		UserID:        userID,
		CurrentTier:   cur.Tier,
		CurrentModel:  cur.Model,
		CurrentTokens: cur.Tokens,
	}

	cand, err := candidate(ctx)
	if err != nil {
		r.CandidateError = err.Error()
		h.emit(r)
		return
	}
	r.CandidateTier = cand.Tier
	r.CandidateModel = cand.Model
	r.CandidateTokens = cand.Tokens
	r.AgreementScore, r.AgreementMethod = agreement(cur, cand)
	r.Agreement = r.AgreementScore >= 0.5
	h.emit(r)
}

// agreement scores how much two results agree. When both sides cite
// facts the score is the overlap of their fact ID sets; otherwise the
// ratio of answer lengths stands in, which is a much weaker signal and
// is labeled as such in the report.
func agreement(a, b *RunResult) (float64, string) {
	if len(a.FactIDs) > 0 && len(b.FactIDs) > 0 {
		return jaccard(a.FactIDs, b.FactIDs), "fact_ids"
	}
	la, lb := len(a.Answer), len(b.Answer)
	if la == 0 && lb == 0 {
		return 1, "length"
	}
	longer := math.Max(float64(la), float64(lb))
	shorter := math.Min(float64(la), float64(lb))
	return shorter / longer, "length"
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	var inter int
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		if seen[id] {
			continue
		}
		seen[id] = true
		if set[id] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
