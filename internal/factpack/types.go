// Package factpack assembles versioned, hashed snapshots of a user's
// financial facts. A FactPack is the sole permissible source of numbers
// for generated answers: every numeric claim in a cascade response must
// resolve to a fact inside the pack it was generated from.
package factpack

import (
	"fmt"
	"time"
)

// SpecVersion identifies the FactPack schema. Bump when the normalized
// hash content changes shape, so old cache entries cannot collide with
// new packs.
const SpecVersion = "fp.v1"

// TimeWindow bounds the facts in a pack to a date range.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	TZ    string    `json:"tz"`
}

// Contains reports whether t falls inside the window (inclusive start,
// exclusive end).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Label renders a human-readable window description for the evidence
// sentence appended to finalized answers.
func (w TimeWindow) Label() string {
	if w.Start.Year() == w.End.Year() {
		return fmt.Sprintf("%s – %s", w.Start.Format("Jan 2"), w.End.Format("Jan 2, 2006"))
	}
	return fmt.Sprintf("%s – %s", w.Start.Format("Jan 2, 2006"), w.End.Format("Jan 2, 2006"))
}

// Balance is an account balance snapshot.
type Balance struct {
	ID       string  `json:"id"`
	Account  string  `json:"account"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Budget tracks spending against a category limit within the window.
type Budget struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Spent    float64 `json:"spent"`
	Limit    float64 `json:"limit"`
}

// Remaining returns the unspent portion of the budget.
func (b Budget) Remaining() float64 {
	return b.Limit - b.Spent
}

// Goal is a savings goal with progress.
type Goal struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Saved    float64   `json:"saved"`
	Target   float64   `json:"target"`
	Deadline time.Time `json:"deadline,omitempty"`
}

// Recurring is a recurring expense (subscription, bill).
type Recurring struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Amount  float64   `json:"amount"`
	Cadence string    `json:"cadence"` // monthly, weekly, yearly
	NextDue time.Time `json:"next_due,omitempty"`
}

// Transaction is a single ledger entry within the window.
type Transaction struct {
	ID       string    `json:"id"`
	Merchant string    `json:"merchant"`
	Category string    `json:"category"`
	Amount   float64   `json:"amount"`
	Date     time.Time `json:"date"`
}

// SpendingPattern is a derived per-category aggregate computed by the
// builder from window transactions. Patterns are facts like any other:
// they carry IDs and can be cited.
type SpendingPattern struct {
	ID           string  `json:"id"`
	Category     string  `json:"category"`
	WindowTotal  float64 `json:"window_total"`
	Transactions int     `json:"transactions"`
}

// FactPack is an immutable, hashed snapshot of a user's relevant
// financial facts for one time window. Never mutate a pack after
// construction — a new fact means a new pack.
type FactPack struct {
	SpecVersion        string            `json:"spec_version"`
	UserID             string            `json:"user_id"`
	GeneratedAt        time.Time         `json:"generated_at"`
	Window             TimeWindow        `json:"time_window"`
	Balances           []Balance         `json:"balances,omitempty"`
	Budgets            []Budget          `json:"budgets,omitempty"`
	Goals              []Goal            `json:"goals,omitempty"`
	Recurring          []Recurring       `json:"recurring,omitempty"`
	RecentTransactions []Transaction     `json:"recent_transactions,omitempty"`
	SpendingPatterns   []SpendingPattern `json:"spending_patterns,omitempty"`
	Hash               string            `json:"hash"`
}

// FactValue is the guard-facing view of a fact: its identifier and the
// set of numeric values a response may legitimately cite from it. A
// budget exposes spent, limit, and remaining; a goal exposes saved,
// target, and the gap.
type FactValue struct {
	ID     string
	Kind   string
	Label  string
	Values []float64
}

// Lookup resolves a fact ID to its citable values. Returns false when
// the ID does not exist in this pack.
func (p *FactPack) Lookup(id string) (FactValue, bool) {
	for _, b := range p.Balances {
		if b.ID == id {
			return FactValue{ID: id, Kind: "balance", Label: b.Account, Values: []float64{b.Amount}}, true
		}
	}
	for _, b := range p.Budgets {
		if b.ID == id {
			return FactValue{ID: id, Kind: "budget", Label: b.Category, Values: []float64{b.Spent, b.Limit, b.Remaining()}}, true
		}
	}
	for _, g := range p.Goals {
		if g.ID == id {
			return FactValue{ID: id, Kind: "goal", Label: g.Name, Values: []float64{g.Saved, g.Target, g.Target - g.Saved}}, true
		}
	}
	for _, r := range p.Recurring {
		if r.ID == id {
			return FactValue{ID: id, Kind: "recurring", Label: r.Name, Values: []float64{r.Amount}}, true
		}
	}
	for _, tx := range p.RecentTransactions {
		if tx.ID == id {
			return FactValue{ID: id, Kind: "transaction", Label: tx.Merchant, Values: []float64{tx.Amount}}, true
		}
	}
	for _, sp := range p.SpendingPatterns {
		if sp.ID == id {
			return FactValue{ID: id, Kind: "pattern", Label: sp.Category, Values: []float64{sp.WindowTotal, float64(sp.Transactions)}}, true
		}
	}
	return FactValue{}, false
}

// FactCount returns the total number of facts in the pack, used in the
// evidence sentence.
func (p *FactPack) FactCount() int {
	return len(p.Balances) + len(p.Budgets) + len(p.Goals) +
		len(p.Recurring) + len(p.RecentTransactions) + len(p.SpendingPatterns)
}

// FactIDs returns every fact ID in the pack, in collection order.
func (p *FactPack) FactIDs() []string {
	ids := make([]string, 0, p.FactCount())
	for _, b := range p.Balances {
		ids = append(ids, b.ID)
	}
	for _, b := range p.Budgets {
		ids = append(ids, b.ID)
	}
	for _, g := range p.Goals {
		ids = append(ids, g.ID)
	}
	for _, r := range p.Recurring {
		ids = append(ids, r.ID)
	}
	for _, tx := range p.RecentTransactions {
		ids = append(ids, tx.ID)
	}
	for _, sp := range p.SpendingPatterns {
		ids = append(ids, sp.ID)
	}
	return ids
}
