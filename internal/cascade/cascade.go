package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/groundcache"
	"github.com/pocketsage/pocketsage/internal/guard"
	"github.com/pocketsage/pocketsage/internal/intent"
	"github.com/pocketsage/pocketsage/internal/llm"
	"github.com/pocketsage/pocketsage/internal/router"
)

// highStakesPattern matches topics where a cheap tier must never
// answer alone. Matching queries skip the writer entirely and go
// straight to the pro improver.
var highStakesPattern = regexp.MustCompile(
	`(?i)\b(mortgage|refinanc\w*|bankruptc\w*|foreclos\w*|401\(?k\)?|\bira\b|pension|retire\w*|tax(es|able)?\b|irs\b|student loans?|debt consolidat\w*|divorce|inheritance|estate plan\w*)\b`)

// ModelRef binds a model name to the client that serves it.
type ModelRef struct {
	Model  string
	Client llm.Completer
}

// Recorder persists per-stage token usage. Implementations must
// tolerate being called concurrently.
type Recorder interface {
	RecordStage(ctx context.Context, stage, model string, inputTokens, outputTokens int) error
}

// Request is one query entering the cascade.
type Request struct {
	UserID    string
	SessionID string
	Query     string
	Intent    intent.Intent
	Tier      router.Tier
	Pack      *factpack.FactPack

	// Candidate marks a dual-run of an alternate pipeline configuration.
	// Candidate runs bypass the grounding cache in both directions, so
	// the alternate configuration actually executes and its output can
	// never reach a user, and their spend is booked under the
	// shadow_candidate stage instead of the production stages.
	Candidate bool
}

// Cascade runs the writer/critic/improver pipeline.
type Cascade struct {
	models     map[router.Tier]ModelRef
	guards     *guard.Engine
	postGuards *guard.Engine
	cache      *groundcache.Cache
	usage      Recorder
	logger     *slog.Logger
}

// New creates a cascade. The cache and recorder may be nil; the model
// map must cover every tier.
func New(models map[router.Tier]ModelRef, guards *guard.Engine, cache *groundcache.Cache, usage Recorder, logger *slog.Logger) (*Cascade, error) {
	for _, tier := range []router.Tier{router.TierMini, router.TierStd, router.TierPro} {
		ref, ok := models[tier]
		if !ok || ref.Client == nil || ref.Model == "" {
			return nil, fmt.Errorf("no model bound for tier %s", tier)
		}
	}
	if guards == nil {
		return nil, fmt.Errorf("guard engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{
		models: models,
		guards: guards,
		// Post-escalation checks rerun only numeric grounding and the
		// claims bank; time-window problems are already surfaced to the
		// improver as part of its problem list.
		postGuards: guard.NewWithRules(logger,
			&guard.NumericRule{Tolerance: guard.DefaultTolerance},
			&guard.ClaimsRule{}),
		cache:  cache,
		usage:  usage,
		logger: logger,
	}, nil
}

// Run executes the full cascade for one request. Model-side failures
// never surface as errors: every failure path degrades to the
// deterministic fallback built from pack facts. Only a cancelled
// context returns an error.
func (c *Cascade) Run(ctx context.Context, req Request) (res *Result, err error) {
	a := Analytics{Tier: string(req.Tier)}
	if req.Pack != nil {
		a.PackHash = req.Pack.Hash
	}

	// A panic anywhere below must not take the request down with it.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cascade panic recovered", "panic", r, "user", req.UserID)
			a.visit("panic_recovery")
			a.DecisionReason = "internal error"
			res = c.safeFallback(req, &a)
			err = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.cache != nil && req.Pack != nil && !req.Candidate {
		key := groundcache.Key(string(req.Intent), req.Query, req.Pack.Hash)
		if e, ok := c.cache.Get(key); ok {
			a.visit("cache_hit")
			a.CacheHit = true
			a.DecisionReason = "served from grounding cache"
			return &Result{
				Kind:        KindAnswer,
				Answer:      e.Answer,
				UsedFactIDs: e.FactIDs,
				Analytics:   a,
			}, nil
		}
		a.visit("cache_miss")
	}

	if highStakesPattern.MatchString(req.Query) {
		a.visit("high_stakes_bypass")
		synthetic := &WriterOutput{
			Version:          WriterVersion,
			ContentKind:      "strategy",
			UncertaintyNotes: "high-stakes topic, no draft attempted",
		}
		return c.escalate(ctx, req, synthetic, nil, nil, &a), nil
	}

	ref := c.models[req.Tier]
	draft, comp, werr := runWriter(ctx, ref.Client, ref.Model, req.Query, req.Pack)
	c.record(ctx, &a, req, "writer", ref.Model, comp)
	if werr != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logger.Warn("writer stage failed", "tier", string(req.Tier), "error", werr)
		a.visit("writer_failed")
		a.DecisionReason = "writer stage failure"
		return c.safeFallback(req, &a), nil
	}
	a.visit("writer_" + string(req.Tier))

	guardResults := c.guards.Run(draft.guardAnswer(), req.Pack)
	a.GuardFailures = guard.Summarize(guardResults)
	a.visit("guards")

	var critic *CriticReport
	if draft.RequiresClarification {
		critic = syntheticCritic(draft)
		a.visit("critic_synthetic")
	} else {
		var cerr error
		critic, comp, cerr = runCritic(ctx, ref.Client, ref.Model, draft, req.Pack)
		c.record(ctx, &a, req, "critic", ref.Model, comp)
		if cerr != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.logger.Warn("critic stage failed", "error", cerr)
			a.visit("critic_failed")
			a.DecisionReason = "critic stage failure"
			return c.safeFallback(req, &a), nil
		}
		a.visit("critic")
	}

	d := decide(draft, guardResults, critic)
	a.DecisionReason = d.Reason
	a.visit("decide_" + string(d.Action))

	switch d.Action {
	case ActionAccept:
		return c.finalize(req, draft, &a), nil

	case ActionClarify:
		return &Result{
			Kind:      KindClarify,
			Clarify:   buildClarify(guardResults, critic, draft),
			Analytics: a,
		}, nil

	default:
		return c.escalate(ctx, req, draft, guardResults, critic, &a), nil
	}
}

// escalate hands the draft and everything known to be wrong with it to
// the pro improver, then re-guards the result. Anything short of a
// clean improved answer lands on the deterministic fallback.
func (c *Cascade) escalate(ctx context.Context, req Request, draft *WriterOutput, guardResults []guard.Result, critic *CriticReport, a *Analytics) *Result {
	problems := guard.Summarize(guardResults)
	if critic != nil {
		for _, iss := range critic.Issues {
			problems = append(problems, iss.Type+": "+iss.Detail)
		}
	}
	if len(problems) == 0 {
		problems = []string{"high-stakes topic: answer conservatively from the facts and recommend professional advice where appropriate"}
	}

	ref := c.models[router.TierPro]
	a.Tier = string(router.TierPro)
	improved, comp, err := runImprover(ctx, ref.Client, ref.Model, draft, problems, req.Pack)
	c.record(ctx, a, req, "improver", ref.Model, comp)
	if err != nil {
		c.logger.Warn("improver stage failed", "error", err)
		a.visit("escalate_fallback")
		a.DecisionReason = "improver stage failure"
		return c.safeFallback(req, a)
	}
	a.visit("improver")

	if improved.RequiresClarification {
		return &Result{
			Kind:      KindClarify,
			Clarify:   buildClarify(nil, critic, improved),
			Analytics: *a,
		}
	}

	post := c.postGuards.Run(improved.guardAnswer(), req.Pack)
	a.visit("post_guards")
	if !guard.AllPassed(post) {
		a.GuardFailures = append(a.GuardFailures, guard.Summarize(post)...)
		a.visit("escalate_fallback")
		a.DecisionReason = "improved draft failed post-guards"
		return c.safeFallback(req, a)
	}

	res := c.finalize(req, improved, a)
	res.Kind = KindEscalated
	return res
}

// finalize appends the evidence sentence, populates the cache, and
// wraps the draft as the terminal result.
func (c *Cascade) finalize(req Request, draft *WriterOutput, a *Analytics) *Result {
	answer := strings.TrimSpace(draft.AnswerText)
	if req.Pack != nil {
		answer += " " + evidenceSentence(req.Pack)
	}
	a.visit("finalize")

	if c.cache != nil && req.Pack != nil && !req.Candidate {
		key := groundcache.Key(string(req.Intent), req.Query, req.Pack.Hash)
		c.cache.Put(key, answer, draft.UsedFactIDs)
	}

	return &Result{
		Kind:        KindAnswer,
		Answer:      answer,
		UsedFactIDs: draft.UsedFactIDs,
		Analytics:   *a,
	}
}

// safeFallback builds the deterministic no-model answer from pack
// facts. It cannot fail and it cannot hallucinate: every line is
// rendered directly from a fact.
func (c *Cascade) safeFallback(req Request, a *Analytics) *Result {
	a.visit("safe_template")

	var sb strings.Builder
	sb.WriteString("I couldn't produce a verified answer for that just now. Here's what your records show directly:")

	var factIDs []string
	if req.Pack != nil {
		for _, b := range req.Pack.Budgets {
			fmt.Fprintf(&sb, "\n- %s budget: $%.2f spent of $%.2f, $%.2f remaining.",
				b.Category, b.Spent, b.Limit, b.Remaining())
			factIDs = append(factIDs, b.ID)
		}
		for _, g := range req.Pack.Goals {
			fmt.Fprintf(&sb, "\n- %s goal: $%.2f saved of $%.2f.", g.Name, g.Saved, g.Target)
			factIDs = append(factIDs, g.ID)
		}
		for _, bal := range req.Pack.Balances {
			fmt.Fprintf(&sb, "\n- %s balance: $%.2f %s.", bal.Account, bal.Amount, bal.Currency)
			factIDs = append(factIDs, bal.ID)
		}
		if len(factIDs) == 0 {
			sb.WriteString("\nNo matching records were found for this time period.")
		}
		sb.WriteString("\n")
		sb.WriteString(evidenceSentence(req.Pack))
	} else {
		sb.WriteString("\nNo account data is available right now. Please try again shortly.")
	}

	return &Result{
		Kind:        KindAnswer,
		Answer:      sb.String(),
		UsedFactIDs: factIDs,
		Analytics:   *a,
	}
}

// evidenceSentence is appended to every finalized answer so users can
// see what the answer stands on.
func evidenceSentence(pack *factpack.FactPack) string {
	return fmt.Sprintf("(Based on %d verified facts from %s.)", pack.FactCount(), pack.Window.Label())
}

// record accumulates stage tokens into analytics and the usage store.
// When the provider reports no token counts, output length over four
// stands in as the estimate. Candidate runs keep per-stage analytics
// but are ledgered under shadow_candidate so experiment spend stays
// separable from production spend.
func (c *Cascade) record(ctx context.Context, a *Analytics, req Request, stage, model string, comp *llm.Completion) {
	if comp == nil {
		return
	}
	in, out := comp.InputTokens, comp.OutputTokens
	if in == 0 && out == 0 {
		out = len(comp.Text) / 4
	}
	a.addTokens(stage, in+out)
	if c.usage != nil {
		ledgerStage := stage
		if req.Candidate {
			ledgerStage = "shadow_candidate"
		}
		if err := c.usage.RecordStage(ctx, ledgerStage, model, in, out); err != nil {
			c.logger.Warn("usage recording failed", "stage", ledgerStage, "error", err)
		}
	}
}
