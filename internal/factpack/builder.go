package factpack

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/pocketsage/pocketsage/internal/intent"
)

// maxPerCategory bounds how many facts of each kind enter a pack. The
// pack feeds model prompts, so an unbounded snapshot would burn tokens
// on facts the intent never needed.
const maxPerCategory = 5

// Provider supplies raw financial facts for a user. The builder is the
// only component allowed to call it; everything downstream sees only
// the finished pack.
type Provider interface {
	Balances(ctx context.Context, userID string) ([]Balance, error)
	Budgets(ctx context.Context, userID string, w TimeWindow) ([]Budget, error)
	Goals(ctx context.Context, userID string) ([]Goal, error)
	Recurring(ctx context.Context, userID string) ([]Recurring, error)
	Transactions(ctx context.Context, userID string, w TimeWindow) ([]Transaction, error)
}

// Builder assembles FactPacks from a Provider, narrowing to the
// intent-relevant fact categories.
type Builder struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewBuilder creates a FactPack builder.
func NewBuilder(provider Provider, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// categories a pack needs per intent. Intents not listed get the
// general set (a little of everything).
var intentCategories = map[intent.Intent][]string{
	intent.GetBudgetStatus:    {"budgets", "transactions"},
	intent.GetGoalProgress:    {"goals", "balances"},
	intent.GetSpendingSummary: {"transactions", "budgets", "patterns"},
	intent.GetBalances:        {"balances", "recurring"},
	intent.ForecastSpending:   {"patterns", "recurring", "transactions"},
	intent.OptimizeSpending:   {"budgets", "recurring", "patterns", "transactions"},
	intent.CreateBudget:       {"budgets"},
	intent.AdjustBudget:       {"budgets", "transactions"},
	intent.CreateGoal:         {"goals", "balances"},
	intent.ExportData:         {"balances", "budgets", "goals"},
}

var generalCategories = []string{"balances", "budgets", "goals", "transactions"}

// Build assembles a pack for one user, intent, and window. Only the
// intent-relevant categories are fetched; each is trimmed to the top
// entries by magnitude or recency before hashing.
func (b *Builder) Build(ctx context.Context, userID string, in intent.Intent, window TimeWindow) (*FactPack, error) {
	cats, ok := intentCategories[in]
	if !ok {
		cats = generalCategories
	}

	pack := &FactPack{
		SpecVersion: SpecVersion,
		UserID:      userID,
		GeneratedAt: b.now(),
		Window:      window,
	}

	wantPatterns := false
	wantTransactions := false
	for _, c := range cats {
		switch c {
		case "patterns":
			wantPatterns = true
		case "transactions":
			wantTransactions = true
		}
	}

	for _, c := range cats {
		switch c {
		case "balances":
			balances, err := b.provider.Balances(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("fetch balances: %w", err)
			}
			pack.Balances = topBalances(balances)

		case "budgets":
			budgets, err := b.provider.Budgets(ctx, userID, window)
			if err != nil {
				return nil, fmt.Errorf("fetch budgets: %w", err)
			}
			pack.Budgets = topBudgets(budgets)

		case "goals":
			goals, err := b.provider.Goals(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("fetch goals: %w", err)
			}
			pack.Goals = topGoals(goals)

		case "recurring":
			recurring, err := b.provider.Recurring(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("fetch recurring: %w", err)
			}
			pack.Recurring = topRecurring(recurring)
		}
	}

	// Transactions feed both the pack and the derived patterns, so
	// fetch once even when both categories are requested.
	if wantTransactions || wantPatterns {
		txns, err := b.provider.Transactions(ctx, userID, window)
		if err != nil {
			return nil, fmt.Errorf("fetch transactions: %w", err)
		}
		if wantTransactions {
			pack.RecentTransactions = topTransactions(txns)
		}
		if wantPatterns {
			pack.SpendingPatterns = derivePatterns(txns)
		}
	}

	pack.Hash = ComputeHash(pack)

	b.logger.Debug("fact pack built",
		"user", userID,
		"intent", string(in),
		"facts", pack.FactCount(),
		"hash", pack.Hash[:12],
	)

	return pack, nil
}

// topBalances keeps the largest balances by absolute amount.
func topBalances(in []Balance) []Balance {
	out := append([]Balance(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Amount) > math.Abs(out[j].Amount)
	})
	return clipBalances(out)
}

// topBudgets keeps the budgets with the most spending.
func topBudgets(in []Budget) []Budget {
	out := append([]Budget(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Spent > out[j].Spent
	})
	return clipBudgets(out)
}

// topGoals keeps the goals closest to their target by remaining gap.
func topGoals(in []Goal) []Goal {
	out := append([]Goal(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return (out[i].Target - out[i].Saved) < (out[j].Target - out[j].Saved)
	})
	return clipGoals(out)
}

// topRecurring keeps the most expensive recurring charges.
func topRecurring(in []Recurring) []Recurring {
	out := append([]Recurring(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount > out[j].Amount
	})
	return clipRecurring(out)
}

// topTransactions keeps the most recent transactions.
func topTransactions(in []Transaction) []Transaction {
	out := append([]Transaction(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return clipTransactions(out)
}

// derivePatterns aggregates the full (unclipped) transaction list into
// per-category totals, then keeps the top categories by total.
func derivePatterns(txns []Transaction) []SpendingPattern {
	byCategory := make(map[string]*SpendingPattern)
	for _, tx := range txns {
		p, ok := byCategory[tx.Category]
		if !ok {
			p = &SpendingPattern{
				ID:       "pattern-" + tx.Category,
				Category: tx.Category,
			}
			byCategory[tx.Category] = p
		}
		p.WindowTotal += tx.Amount
		p.Transactions++
	}

	out := make([]SpendingPattern, 0, len(byCategory))
	for _, p := range byCategory {
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].WindowTotal != out[j].WindowTotal {
			return out[i].WindowTotal > out[j].WindowTotal
		}
		return out[i].Category < out[j].Category
	})
	if len(out) > maxPerCategory {
		out = out[:maxPerCategory]
	}
	return out
}

func clipBalances(in []Balance) []Balance {
	if len(in) > maxPerCategory {
		return in[:maxPerCategory]
	}
	return in
}

func clipBudgets(in []Budget) []Budget {
	if len(in) > maxPerCategory {
		return in[:maxPerCategory]
	}
	return in
}

func clipGoals(in []Goal) []Goal {
	if len(in) > maxPerCategory {
		return in[:maxPerCategory]
	}
	return in
}

func clipRecurring(in []Recurring) []Recurring {
	if len(in) > maxPerCategory {
		return in[:maxPerCategory]
	}
	return in
}

func clipTransactions(in []Transaction) []Transaction {
	if len(in) > maxPerCategory {
		return in[:maxPerCategory]
	}
	return in
}
