// Package intent defines the query intent taxonomy shared by the tier
// router, the FactPack builder, and the grounding cache. Intents are
// classified from raw query text with keyword matching; anything the
// classifier cannot place lands in General, which still produces a
// grounded answer from the full fact snapshot.
package intent

import "strings"

// Intent identifies what a user query is asking for.
type Intent string

const (
	GetBudgetStatus    Intent = "GET_BUDGET_STATUS"
	GetGoalProgress    Intent = "GET_GOAL_PROGRESS"
	GetSpendingSummary Intent = "GET_SPENDING_SUMMARY"
	GetBalances        Intent = "GET_BALANCES"
	ForecastSpending   Intent = "FORECAST_SPENDING"
	OptimizeSpending   Intent = "OPTIMIZE_SPENDING"
	CreateBudget       Intent = "CREATE_BUDGET"
	AdjustBudget       Intent = "ADJUST_BUDGET"
	CreateGoal         Intent = "CREATE_GOAL"
	ExportData         Intent = "EXPORT_DATA"
	General            Intent = "GENERAL"
)

// Mutating reports whether acting on this intent changes financial
// state. Mutating intents must pass through the confirmation service
// before anything executes.
func (i Intent) Mutating() bool {
	switch i {
	case CreateBudget, AdjustBudget, CreateGoal, ExportData:
		return true
	}
	return false
}

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool {
	switch i {
	case GetBudgetStatus, GetGoalProgress, GetSpendingSummary, GetBalances,
		ForecastSpending, OptimizeSpending, CreateBudget, AdjustBudget,
		CreateGoal, ExportData, General:
		return true
	}
	return false
}

// keywordTable maps lowercase substrings to intents, checked in order.
// More specific phrases come first so "adjust my budget" does not match
// the bare "budget" entry.
var keywordTable = []struct {
	phrase string
	intent Intent
}{
	{"optimize", OptimizeSpending},
	{"cut back", OptimizeSpending},
	{"save more", OptimizeSpending},
	{"forecast", ForecastSpending},
	{"predict", ForecastSpending},
	{"next month", ForecastSpending},
	{"adjust my budget", AdjustBudget},
	{"change my budget", AdjustBudget},
	{"raise my budget", AdjustBudget},
	{"new budget", CreateBudget},
	{"create a budget", CreateBudget},
	{"set a budget", CreateBudget},
	{"new goal", CreateGoal},
	{"create a goal", CreateGoal},
	{"start saving for", CreateGoal},
	{"export", ExportData},
	{"download my", ExportData},
	{"goal", GetGoalProgress},
	{"saving", GetGoalProgress},
	{"budget", GetBudgetStatus},
	{"spend", GetSpendingSummary},
	{"spent", GetSpendingSummary},
	{"balance", GetBalances},
	{"how much do i have", GetBalances},
}

// Classify maps raw query text to an intent. The match is first-hit
// over the keyword table; unmatched queries are General.
func Classify(query string) Intent {
	q := strings.ToLower(query)
	for _, entry := range keywordTable {
		if strings.Contains(q, entry.phrase) {
			return entry.intent
		}
	}
	return General
}
