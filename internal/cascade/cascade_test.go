package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/groundcache"
	"github.com/pocketsage/pocketsage/internal/guard"
	"github.com/pocketsage/pocketsage/internal/intent"
	"github.com/pocketsage/pocketsage/internal/llm"
	"github.com/pocketsage/pocketsage/internal/router"
)

// scriptedCompleter returns canned responses in order per model.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	calls     []string
}

func (s *scriptedCompleter) Complete(ctx context.Context, model, system, user string) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	if err := s.errs[model]; err != nil {
		return nil, err
	}
	queue := s.responses[model]
	if len(queue) == 0 {
		return nil, errors.New("no scripted response for " + model)
	}
	text := queue[0]
	s.responses[model] = queue[1:]
	return &llm.Completion{Text: text, Model: model, InputTokens: 100, OutputTokens: 50}, nil
}

func (s *scriptedCompleter) Ping(ctx context.Context) error { return nil }

func (s *scriptedCompleter) callCount(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.calls {
		if c == model {
			n++
		}
	}
	return n
}

func groceriesPack(t *testing.T) *factpack.FactPack {
	t.Helper()
	p := &factpack.FactPack{
		SpecVersion: factpack.SpecVersion,
		UserID:      "user-1",
		Window: factpack.TimeWindow{
			Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			TZ:    "UTC",
		},
		Budgets: []factpack.Budget{
			{ID: "budget-groceries", Category: "groceries", Spent: 212.17, Limit: 400.00},
		},
	}
	p.Hash = factpack.ComputeHash(p)
	return p
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func goodDraft(t *testing.T) string {
	return mustJSON(t, WriterOutput{
		Version:     WriterVersion,
		AnswerText:  "You've spent $212.17 of your $400.00 groceries budget.",
		UsedFactIDs: []string{"budget-groceries"},
		NumericMentions: []NumericMention{
			{Value: 212.17, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
			{Value: 400.00, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
		},
		ContentKind: "status",
	})
}

func okCriticJSON(t *testing.T) string {
	return mustJSON(t, CriticReport{OK: true, Risk: RiskLow})
}

func newTestCascade(t *testing.T, sc *scriptedCompleter, cache *groundcache.Cache) *Cascade {
	t.Helper()
	models := map[router.Tier]ModelRef{
		router.TierMini: {Model: "mini-model", Client: sc},
		router.TierStd:  {Model: "std-model", Client: sc},
		router.TierPro:  {Model: "pro-model", Client: sc},
	}
	c, err := New(models, guard.New(nil), cache, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestRunHappyPath(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {goodDraft(t), okCriticJSON(t)},
	}}
	cache := groundcache.New(16, time.Hour, nil)
	c := newTestCascade(t, sc, cache)

	req := Request{
		UserID: "user-1",
		Query:  "How's my groceries budget?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	}
	res, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Kind != KindAnswer {
		t.Fatalf("Kind = %s, want answer (%+v)", res.Kind, res.Analytics)
	}
	if !strings.Contains(res.Answer, "$212.17") {
		t.Errorf("answer missing spend figure: %q", res.Answer)
	}
	if !strings.Contains(res.Answer, "400.00") {
		t.Errorf("answer missing budget limit: %q", res.Answer)
	}
	if !strings.Contains(res.Answer, "Based on 1 verified facts") {
		t.Errorf("answer missing evidence sentence: %q", res.Answer)
	}
	if !strings.Contains(res.Answer, req.Pack.Window.Label()) {
		t.Errorf("answer missing window label %q: %q", req.Pack.Window.Label(), res.Answer)
	}
	if !contains(res.UsedFactIDs, "budget-groceries") {
		t.Errorf("UsedFactIDs = %v, want budget-groceries", res.UsedFactIDs)
	}
	if res.Analytics.CacheHit {
		t.Error("first run should miss the cache")
	}
	if got := res.Analytics.StageTokens["writer"]; got != 150 {
		t.Errorf("writer tokens = %d, want 150", got)
	}

	// The identical query over identical facts now hits the cache.
	res2, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if !res2.Analytics.CacheHit {
		t.Errorf("second run missed cache, path %v", res2.Analytics.DecisionPath)
	}
	if res2.Answer != res.Answer {
		t.Error("cached answer differs from original")
	}
	if sc.callCount("mini-model") != 2 {
		t.Errorf("mini-model called %d times, want 2 (cache hit must skip the models)", sc.callCount("mini-model"))
	}
}

// altDraft is grounded on the same facts as goodDraft but phrased
// differently, so candidate output is distinguishable from the current
// pipeline's answer.
func altDraft(t *testing.T) string {
	return mustJSON(t, WriterOutput{
		Version:     WriterVersion,
		AnswerText:  "Groceries: $212.17 spent against a $400.00 limit.",
		UsedFactIDs: []string{"budget-groceries"},
		NumericMentions: []NumericMention{
			{Value: 212.17, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
			{Value: 400.00, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
		},
		ContentKind: "status",
	})
}

func TestCandidateRunBypassesCache(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {goodDraft(t), okCriticJSON(t)},
		"std-model":  {altDraft(t), okCriticJSON(t)},
	}}
	cache := groundcache.New(16, time.Hour, nil)
	c := newTestCascade(t, sc, cache)

	req := Request{
		UserID: "user-1",
		Query:  "How's my groceries budget?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	}
	first, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The cache now holds the production answer, but a candidate run of
	// the identical query must still execute its own pipeline.
	cand := req
	cand.Tier = router.TierStd
	cand.Candidate = true
	res, err := c.Run(context.Background(), cand)
	if err != nil {
		t.Fatalf("candidate Run() error: %v", err)
	}
	if res.Analytics.CacheHit {
		t.Errorf("candidate run served from cache, path %v", res.Analytics.DecisionPath)
	}
	if sc.callCount("std-model") != 2 {
		t.Errorf("std-model called %d times, want 2 (candidate writer and critic)", sc.callCount("std-model"))
	}
	if res.Answer == first.Answer {
		t.Error("candidate run returned the current pipeline's answer")
	}

	// And the candidate's output never replaced the cached answer.
	again, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("third Run() error: %v", err)
	}
	if !again.Analytics.CacheHit {
		t.Errorf("production run missed cache, path %v", again.Analytics.DecisionPath)
	}
	if again.Answer != first.Answer {
		t.Errorf("cached answer = %q, want original %q", again.Answer, first.Answer)
	}
}

func TestCandidateRunNeverPopulatesCache(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {goodDraft(t), okCriticJSON(t)},
		"std-model":  {altDraft(t), okCriticJSON(t)},
	}}
	cache := groundcache.New(16, time.Hour, nil)
	c := newTestCascade(t, sc, cache)

	cand := Request{
		UserID:    "user-1",
		Query:     "How's my groceries budget?",
		Intent:    intent.GetBudgetStatus,
		Tier:      router.TierStd,
		Pack:      groceriesPack(t),
		Candidate: true,
	}
	if _, err := c.Run(context.Background(), cand); err != nil {
		t.Fatalf("candidate Run() error: %v", err)
	}

	// A production run of the same query must miss: nothing the
	// candidate produced is allowed into the user-visible cache.
	req := cand
	req.Tier = router.TierMini
	req.Candidate = false
	res, err := c.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Analytics.CacheHit {
		t.Error("production run hit a cache entry written by a candidate run")
	}
	if !strings.Contains(res.Answer, "You've spent $212.17") {
		t.Errorf("answer = %q, want the production draft", res.Answer)
	}
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (r *stageRecorder) RecordStage(ctx context.Context, stage, model string, in, out int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return nil
}

func (r *stageRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stages...)
}

func TestCandidateRunUsageLedgeredSeparately(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {goodDraft(t), okCriticJSON(t)},
		"std-model":  {altDraft(t), okCriticJSON(t)},
	}}
	rec := &stageRecorder{}
	models := map[router.Tier]ModelRef{
		router.TierMini: {Model: "mini-model", Client: sc},
		router.TierStd:  {Model: "std-model", Client: sc},
		router.TierPro:  {Model: "pro-model", Client: sc},
	}
	c, err := New(models, guard.New(nil), nil, rec, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	req := Request{
		UserID: "user-1",
		Query:  "How's my groceries budget?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	}
	if _, err := c.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	cand := req
	cand.Tier = router.TierStd
	cand.Candidate = true
	if _, err := c.Run(context.Background(), cand); err != nil {
		t.Fatalf("candidate Run() error: %v", err)
	}

	want := []string{"writer", "critic", "shadow_candidate", "shadow_candidate"}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunHighStakesBypass(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"pro-model": {goodDraft(t)},
	}}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "Should I refinance my mortgage given my budget?",
		Intent: intent.General,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// The writer never runs: one pro call, the improver.
	if sc.callCount("mini-model") != 0 {
		t.Error("high-stakes query reached the mini tier")
	}
	if sc.callCount("pro-model") != 1 {
		t.Errorf("pro-model called %d times, want 1", sc.callCount("pro-model"))
	}
	if res.Kind != KindEscalated {
		t.Errorf("Kind = %s, want escalated", res.Kind)
	}
	if res.Analytics.Tier != string(router.TierPro) {
		t.Errorf("Tier = %s, want pro", res.Analytics.Tier)
	}
	if res.Analytics.DecisionPath[0] != "high_stakes_bypass" {
		t.Errorf("path = %v, want high_stakes_bypass first", res.Analytics.DecisionPath)
	}
}

func TestRunClarifyFromWriter(t *testing.T) {
	clarify := mustJSON(t, WriterOutput{
		Version:               WriterVersion,
		RequiresClarification: true,
		ClarifyingQuestions:   []string{"Which account did you mean?"},
		ContentKind:           "status",
	})
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {clarify},
	}}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "how much is in it?",
		Intent: intent.GetBalances,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Kind != KindClarify {
		t.Fatalf("Kind = %s, want clarify (%+v)", res.Kind, res.Analytics)
	}
	if res.Clarify.Question != "Which account did you mean?" {
		t.Errorf("Question = %q", res.Clarify.Question)
	}
	if res.Clarify.Source != "writer" {
		t.Errorf("Source = %q, want writer", res.Clarify.Source)
	}
	// No critic model runs for a clarifying writer.
	if sc.callCount("mini-model") != 1 {
		t.Errorf("mini-model called %d times, want 1", sc.callCount("mini-model"))
	}
}

func TestRunImproverRepairsGroundingFailure(t *testing.T) {
	bad := mustJSON(t, WriterOutput{
		Version:     WriterVersion,
		AnswerText:  "You've spent $999.99 on groceries.",
		UsedFactIDs: []string{"budget-groceries"},
		NumericMentions: []NumericMention{
			{Value: 999.99, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
		},
		ContentKind: "status",
	})
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {bad, okCriticJSON(t)},
		"pro-model":  {goodDraft(t)},
	}}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "groceries so far?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Kind != KindEscalated {
		t.Fatalf("Kind = %s, want escalated (%+v)", res.Kind, res.Analytics)
	}
	if !strings.Contains(res.Answer, "$212.17") {
		t.Errorf("improved answer missing correct figure: %q", res.Answer)
	}
	if len(res.Analytics.GuardFailures) == 0 {
		t.Error("analytics lost the original guard failure")
	}
	wantPath := false
	for _, step := range res.Analytics.DecisionPath {
		if step == "improver" {
			wantPath = true
		}
	}
	if !wantPath {
		t.Errorf("path %v missing improver", res.Analytics.DecisionPath)
	}
}

func TestRunEscalateFallbackUsesSafeTemplate(t *testing.T) {
	// The pro writer keeps producing ungrounded numbers, so the cascade
	// must fall back to the deterministic template.
	bad := mustJSON(t, WriterOutput{
		Version:    WriterVersion,
		AnswerText: "Spent $500.",
		NumericMentions: []NumericMention{
			{Value: 500, Unit: "USD", Kind: "amount", FactID: "budget-groceries"},
		},
		ContentKind: "status",
	})
	risky := mustJSON(t, CriticReport{OK: true, Risk: RiskHigh})
	sc := &scriptedCompleter{responses: map[string][]string{
		"std-model": {bad, risky},
		"pro-model": {bad},
	}}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "spending summary",
		Intent: intent.GetSpendingSummary,
		Tier:   router.TierStd,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Kind != KindAnswer {
		t.Fatalf("Kind = %s", res.Kind)
	}
	// The safe template renders pack facts verbatim.
	if !strings.Contains(res.Answer, "groceries budget: $212.17 spent of $400.00") {
		t.Errorf("fallback answer = %q", res.Answer)
	}
	var sawFallback bool
	for _, step := range res.Analytics.DecisionPath {
		if step == "escalate_fallback" || step == "safe_template" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Errorf("path %v never reached the fallback", res.Analytics.DecisionPath)
	}
}

func TestRunWriterStageFailureUsesSafeTemplate(t *testing.T) {
	sc := &scriptedCompleter{
		responses: map[string][]string{},
		errs:      map[string]error{"mini-model": errors.New("timeout")},
	}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "groceries?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(res.Answer, "couldn't produce a verified answer") {
		t.Errorf("answer = %q, want safe template", res.Answer)
	}
	if !strings.Contains(res.Answer, "groceries budget: $212.17 spent of $400.00") {
		t.Errorf("safe template missing pack facts: %q", res.Answer)
	}
	if sc.callCount("mini-model") != 1 {
		t.Errorf("mini-model called %d times, want 1", sc.callCount("mini-model"))
	}
}

func TestRunWriterMalformedOutputUsesSafeTemplate(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{
		"mini-model": {"You've spent some money on groceries this month."},
	}}
	c := newTestCascade(t, sc, nil)

	res, err := c.Run(context.Background(), Request{
		UserID: "user-1",
		Query:  "groceries?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(res.Answer, "couldn't produce a verified answer") {
		t.Errorf("answer = %q, want safe template", res.Answer)
	}
	var sawFailure bool
	for _, step := range res.Analytics.DecisionPath {
		if step == "writer_failed" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("path %v missing writer_failed", res.Analytics.DecisionPath)
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func TestRunCancelledContext(t *testing.T) {
	sc := &scriptedCompleter{responses: map[string][]string{}}
	c := newTestCascade(t, sc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, Request{
		UserID: "user-1",
		Query:  "groceries?",
		Intent: intent.GetBudgetStatus,
		Tier:   router.TierMini,
		Pack:   groceriesPack(t),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
