// Package guard runs deterministic checks over generated answers before
// they reach a user. The rules are code, not models: a guard failure is
// a hard verdict that the cascade must act on, never a suggestion.
package guard

import (
	"fmt"
	"log/slog"

	"github.com/pocketsage/pocketsage/internal/factpack"
)

// Answer is the guard-facing view of a generated response.
type Answer struct {
	Text        string
	UsedFactIDs []string
	Mentions    []Mention
}

// Mention is one numeric claim extracted from an answer, tied to the
// fact ID the writer cited for it.
type Mention struct {
	Value  float64
	Unit   string
	Kind   string // amount, percent, count
	FactID string
}

// Result is one rule's verdict on one answer.
type Result struct {
	Rule    string
	Passed  bool
	Reason  string
	Details []string
}

// Engine runs a fixed rule set over answers. Rules run in registration
// order and every rule always runs; the engine never short-circuits, so
// a failing answer reports all of its problems at once.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// New builds an engine with the standard rule set.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules: []Rule{
			&NumericRule{Tolerance: DefaultTolerance},
			&TimeWindowRule{},
			&ClaimsRule{},
		},
		logger: logger,
	}
}

// NewWithRules builds an engine with a custom rule set.
func NewWithRules(logger *slog.Logger, rules ...Rule) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, logger: logger}
}

// Run checks the answer against every rule and returns all results.
func (e *Engine) Run(a Answer, facts *factpack.FactPack) []Result {
	results := make([]Result, 0, len(e.rules))
	for _, r := range e.rules {
		res := r.Check(a, facts)
		if !res.Passed {
			e.logger.Debug("guard rule failed",
				"rule", res.Rule,
				"reason", res.Reason,
			)
		}
		results = append(results, res)
	}
	return results
}

// Failures filters results down to the failing ones.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// AllPassed reports whether every rule passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Summarize renders failing results as short human-readable strings for
// logs and analytics payloads.
func Summarize(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Passed {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", r.Rule, r.Reason))
	}
	return out
}
