// Package router picks the model tier for a query before any model
// runs. Tier selection is pure and deterministic: the same intent and
// query always route the same way, so routing can be tested without a
// single completion call.
package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pocketsage/pocketsage/internal/intent"
)

// Tier identifies a model capability class. Cost rises with tier, so
// the router's job is to pick the cheapest tier that can carry the
// query.
type Tier string

const (
	TierMini Tier = "mini"
	TierStd  Tier = "std"
	TierPro  Tier = "pro"
)

// maxAuditEntries bounds the in-memory routing history.
const maxAuditEntries = 200

// Decision records one routing choice for the audit log.
type Decision struct {
	Timestamp time.Time     `json:"timestamp"`
	Query     string        `json:"query"`
	Intent    intent.Intent `json:"intent"`
	Tier      Tier          `json:"tier"`
	Reason    string        `json:"reason"`
}

// proMarkers promote a query to the pro tier regardless of intent.
// Multi-step reasoning over tradeoffs is where the small tiers start
// inventing numbers.
var proMarkers = []string{
	"strategy",
	"optimi",
	"plan for",
	"planning",
	"trade-off",
	"tradeoff",
	"restructure",
	"prioritize",
	"best way to",
}

// stdMarkers promote a query from mini to std.
var stdMarkers = []string{
	"forecast",
	"predict",
	"project",
	"trend",
	"compare",
	"compared to",
	"versus",
	" vs ",
	"why did",
	"explain",
}

// intentTiers maps intents with a known floor tier. Intents not listed
// start at mini.
var intentTiers = map[intent.Intent]Tier{
	intent.OptimizeSpending: TierPro,
	intent.ForecastSpending: TierStd,
	intent.AdjustBudget:     TierStd,
	intent.CreateBudget:     TierStd,
	intent.CreateGoal:       TierStd,
}

// PickTier returns the tier for a query along with the reason the
// choice was made. Keyword markers can only promote, never demote, the
// intent's floor tier.
func PickTier(in intent.Intent, query string) (Tier, string) {
	q := strings.ToLower(query)

	for _, marker := range proMarkers {
		if strings.Contains(q, marker) {
			return TierPro, "query marker: " + marker
		}
	}

	tier := TierMini
	reason := "default"
	if t, ok := intentTiers[in]; ok {
		tier = t
		reason = "intent floor: " + string(in)
	}

	if tier == TierMini {
		for _, marker := range stdMarkers {
			if strings.Contains(q, marker) {
				return TierStd, "query marker: " + marker
			}
		}
	}

	return tier, reason
}

// Router wraps PickTier with a bounded audit log so operators can see
// why recent queries landed on the tiers they did.
type Router struct {
	logger *slog.Logger

	mu     sync.Mutex
	log    []Decision
	byTier map[Tier]int
	routed int
}

// New creates a router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger: logger,
		byTier: make(map[Tier]int),
	}
}

// Route picks a tier and records the decision.
func (r *Router) Route(in intent.Intent, query string) Tier {
	tier, reason := PickTier(in, query)

	r.mu.Lock()
	r.routed++
	r.byTier[tier]++
	r.log = append(r.log, Decision{
		Timestamp: time.Now(),
		Query:     query,
		Intent:    in,
		Tier:      tier,
		Reason:    reason,
	})
	if len(r.log) > maxAuditEntries {
		r.log = r.log[len(r.log)-maxAuditEntries:]
	}
	r.mu.Unlock()

	r.logger.Debug("routed query", "intent", string(in), "tier", string(tier), "reason", reason)
	return tier
}

// AuditLog returns a copy of the recent decisions, newest last.
func (r *Router) AuditLog() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.log))
	copy(out, r.log)
	return out
}

// Stats returns total routed queries and the per-tier counts.
func (r *Router) Stats() (int, map[Tier]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byTier := make(map[Tier]int, len(r.byTier))
	for k, v := range r.byTier {
		byTier[k] = v
	}
	return r.routed, byTier
}

// Next returns the tier above t, or t itself at the top. The query
// API uses this to pick the candidate tier for shadow dual-runs.
func Next(t Tier) Tier {
	switch t {
	case TierMini:
		return TierStd
	case TierStd:
		return TierPro
	default:
		return TierPro
	}
}
