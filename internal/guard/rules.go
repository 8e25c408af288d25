package guard

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/pocketsage/pocketsage/internal/factpack"
)

// DefaultTolerance is the largest absolute difference between a cited
// number and its fact value that still counts as a match. Half a cent
// absorbs rounding in model output without letting real discrepancies
// through.
const DefaultTolerance = 0.005

// Rule checks one property of an answer against the pack it was
// generated from.
type Rule interface {
	Name() string
	Check(a Answer, facts *factpack.FactPack) Result
}

// NumericRule verifies that every numeric mention in the answer
// resolves to a fact in the pack and matches one of that fact's citable
// values. A mention whose fact ID does not exist in the pack fails; a
// number with no tolerable match against its cited fact fails.
type NumericRule struct {
	Tolerance float64
}

func (r *NumericRule) Name() string { return "numeric_grounding" }

func (r *NumericRule) Check(a Answer, facts *factpack.FactPack) Result {
	res := Result{Rule: r.Name(), Passed: true}
	if facts == nil {
		if len(a.Mentions) == 0 {
			return res
		}
		res.Passed = false
		res.Reason = "numeric mentions present but no fact pack to check against"
		return res
	}

	tol := r.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}

	for _, m := range a.Mentions {
		fv, ok := facts.Lookup(m.FactID)
		if !ok {
			res.Passed = false
			res.Details = append(res.Details,
				fmt.Sprintf("mention %.2f cites unknown fact %q", m.Value, m.FactID))
			continue
		}
		if !matchesAny(m.Value, fv.Values, tol) {
			res.Passed = false
			res.Details = append(res.Details,
				fmt.Sprintf("mention %.2f does not match any value of fact %q (%s %s)",
					m.Value, m.FactID, fv.Kind, fv.Label))
		}
	}
	if !res.Passed {
		res.Reason = fmt.Sprintf("%d of %d numeric mentions failed grounding", len(res.Details), len(a.Mentions))
	}
	return res
}

func matchesAny(v float64, values []float64, tol float64) bool {
	for _, fv := range values {
		if math.Abs(v-fv) <= tol {
			return true
		}
	}
	return false
}

// datePattern matches the date formats models actually emit in prose:
// "January 2, 2006", "Jan 2, 2006", and "2006-01-02".
var datePattern = regexp.MustCompile(
	`\b(January|February|March|April|May|June|July|August|September|October|November|December|` +
		`Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.? (\d{1,2}), (\d{4})\b|\b(\d{4})-(\d{2})-(\d{2})\b`)

var dateLayouts = []string{"January 2, 2006", "Jan 2, 2006", "2006-01-02"}

// TimeWindowRule verifies that explicit dates in the answer text fall
// inside the pack's window. An answer about March spending has no
// business asserting dates from February.
type TimeWindowRule struct{}

func (r *TimeWindowRule) Name() string { return "time_window" }

func (r *TimeWindowRule) Check(a Answer, facts *factpack.FactPack) Result {
	res := Result{Rule: r.Name(), Passed: true}
	if facts == nil {
		return res
	}

	for _, raw := range datePattern.FindAllString(a.Text, -1) {
		t, ok := parseDate(raw)
		if !ok {
			continue
		}
		if !facts.Window.Contains(t) {
			res.Passed = false
			res.Details = append(res.Details,
				fmt.Sprintf("date %q is outside the window %s", raw, facts.Window.Label()))
		}
	}
	if !res.Passed {
		res.Reason = "answer cites dates outside the fact window"
	}
	return res
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// forbiddenClaims are phrasings the product must never emit. Specific
// investment directives and certainty language about returns are
// regulatory territory, not personal finance coaching.
var forbiddenClaims = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bguaranteed returns?\b`),
	regexp.MustCompile(`(?i)\brisk[- ]free\b`),
	regexp.MustCompile(`(?i)\bcan'?t lose\b`),
	regexp.MustCompile(`(?i)\b(buy|sell|short)\s+(shares?|stock|calls?|puts?|options?)\b`),
	regexp.MustCompile(`(?i)\binvest (all|everything)\b`),
	regexp.MustCompile(`(?i)\bput (all|everything).{0,30}\b(into|in)\b.{0,30}\b(stock|crypto|bitcoin|fund)\b`),
	regexp.MustCompile(`(?i)\bwill definitely (double|triple|grow)\b`),
}

// ClaimsRule rejects answers containing forbidden advice phrasings.
type ClaimsRule struct{}

func (r *ClaimsRule) Name() string { return "prohibited_claims" }

func (r *ClaimsRule) Check(a Answer, facts *factpack.FactPack) Result {
	res := Result{Rule: r.Name(), Passed: true}
	for _, re := range forbiddenClaims {
		if match := re.FindString(a.Text); match != "" {
			res.Passed = false
			res.Details = append(res.Details, fmt.Sprintf("prohibited phrasing %q", match))
		}
	}
	if !res.Passed {
		res.Reason = "answer contains prohibited advice phrasing"
	}
	return res
}
