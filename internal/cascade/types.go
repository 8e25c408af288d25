// Package cascade orchestrates the writer, critic, and improver roles
// that turn a user query plus a fact pack into a grounded answer. Every
// path out of the cascade ends in one of three places: a guarded
// answer, a clarifying question, or a deterministic fallback built only
// from pack facts. A raw model response never reaches the user.
package cascade

import "github.com/pocketsage/pocketsage/internal/guard"

// WriterVersion is the output schema version the writer prompt demands.
const WriterVersion = "wo.v1"

// WriterOutput is the structured response the writer and improver
// roles must produce. Anything that fails to parse into this shape is
// treated as a stage failure, not repaired.
type WriterOutput struct {
	Version               string           `json:"version"`
	AnswerText            string           `json:"answer_text"`
	UsedFactIDs           []string         `json:"used_fact_ids"`
	NumericMentions       []NumericMention `json:"numeric_mentions"`
	RequiresClarification bool             `json:"requires_clarification"`
	ClarifyingQuestions   []string         `json:"clarifying_questions,omitempty"`
	ContentKind           string           `json:"content_kind"` // status, explanation, strategy
	UncertaintyNotes      string           `json:"uncertainty_notes,omitempty"`
}

// NumericMention is one number the writer claims, tied to the fact it
// came from.
type NumericMention struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Kind   string  `json:"kind"` // amount, percent, count
	FactID string  `json:"fact_id"`
}

// guardAnswer converts a writer output to the guard engine's input.
func (w *WriterOutput) guardAnswer() guard.Answer {
	mentions := make([]guard.Mention, len(w.NumericMentions))
	for i, m := range w.NumericMentions {
		mentions[i] = guard.Mention{Value: m.Value, Unit: m.Unit, Kind: m.Kind, FactID: m.FactID}
	}
	return guard.Answer{
		Text:        w.AnswerText,
		UsedFactIDs: append([]string(nil), w.UsedFactIDs...),
		Mentions:    mentions,
	}
}

// Critic issue types.
const (
	IssueAmbiguity    = "ambiguity"
	IssueSafety       = "safety"
	IssueFactMismatch = "fact_mismatch"
)

// Critic risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// CriticReport is the critic role's structured verdict on a writer
// output.
type CriticReport struct {
	OK                  bool          `json:"ok"`
	Issues              []CriticIssue `json:"issues,omitempty"`
	Risk                string        `json:"risk"`
	RecommendEscalation bool          `json:"recommend_escalation"`
}

// CriticIssue is one problem the critic found.
type CriticIssue struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func (r *CriticReport) hasIssue(typ string) bool {
	for _, i := range r.Issues {
		if i.Type == typ {
			return true
		}
	}
	return false
}

// ClarifyUI is what the client renders when the cascade needs more
// information before it can answer.
type ClarifyUI struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Source   string   `json:"source"` // guards, critic, writer
}

// Result kinds.
const (
	KindAnswer    = "answer"
	KindClarify   = "clarify"
	KindEscalated = "escalated"
)

// Result is the cascade's terminal output for one query.
type Result struct {
	Kind        string     `json:"kind"`
	Answer      string     `json:"answer,omitempty"`
	UsedFactIDs []string   `json:"used_fact_ids,omitempty"`
	Clarify     *ClarifyUI `json:"clarify,omitempty"`
	Analytics   Analytics  `json:"analytics"`
}

// Analytics accumulates per-query observability data as the cascade
// runs. DecisionPath records every stage visited in order, so a single
// field reconstructs how the answer came to be.
type Analytics struct {
	Tier           string         `json:"tier"`
	StageTokens    map[string]int `json:"stage_tokens"`
	GuardFailures  []string       `json:"guard_failures,omitempty"`
	DecisionPath   []string       `json:"decision_path"`
	DecisionReason string         `json:"decision_reason"`
	CacheHit       bool           `json:"cache_hit"`
	PackHash       string         `json:"pack_hash,omitempty"`
}

func (a *Analytics) visit(stage string) {
	a.DecisionPath = append(a.DecisionPath, stage)
}

func (a *Analytics) addTokens(stage string, n int) {
	if a.StageTokens == nil {
		a.StageTokens = make(map[string]int)
	}
	a.StageTokens[stage] += n
}
