package cascade

import (
	"fmt"

	"github.com/pocketsage/pocketsage/internal/guard"
)

// Action is what the cascade does next after reviewing a draft.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionClarify  Action = "clarify"
	ActionEscalate Action = "escalate"
)

// decision is the outcome of reviewing one draft.
type decision struct {
	Action Action
	Reason string
}

// decide picks the next action from the draft, guard results, and
// critic report. It is pure: no clocks, no models, no state.
// Clarification requests win first, whatever their source; any guard
// failure, high risk, escalation recommendation, or critic issue sends
// the draft to the improver; a clean draft is accepted.
func decide(draft *WriterOutput, guardResults []guard.Result, critic *CriticReport) decision {
	if draft.RequiresClarification {
		return decision{ActionClarify, "writer requested clarification"}
	}
	if critic.hasIssue(IssueAmbiguity) {
		return decision{ActionClarify, "critic flagged ambiguity"}
	}

	if failures := guard.Failures(guardResults); len(failures) > 0 {
		return decision{ActionEscalate, fmt.Sprintf("%d guard rules failed", len(failures))}
	}
	if critic.Risk == RiskHigh {
		return decision{ActionEscalate, "critic rated risk high"}
	}
	if critic.RecommendEscalation {
		return decision{ActionEscalate, "critic recommends escalation"}
	}
	if !critic.OK {
		return decision{ActionEscalate, "critic found issues"}
	}

	return decision{ActionAccept, "guards and critic passed"}
}

// syntheticCritic builds the critic report the cascade uses when the
// writer asks for clarification. No critic model runs in that case; the
// report exists so downstream analytics see a uniform shape.
func syntheticCritic(draft *WriterOutput) *CriticReport {
	detail := "writer requested clarification"
	if len(draft.ClarifyingQuestions) > 0 {
		detail = draft.ClarifyingQuestions[0]
	}
	return &CriticReport{
		OK:     false,
		Issues: []CriticIssue{{Type: IssueAmbiguity, Detail: detail}},
		Risk:   RiskLow,
	}
}

// buildClarify assembles the clarification UI. When several sources
// want clarification, guard-derived questions outrank the critic's,
// which outrank the writer's.
func buildClarify(guardResults []guard.Result, critic *CriticReport, draft *WriterOutput) *ClarifyUI {
	for _, r := range guard.Failures(guardResults) {
		if r.Rule == "numeric_grounding" {
			return &ClarifyUI{
				Question: "I couldn't verify some of the numbers for that. Could you rephrase what you'd like to know?",
				Source:   "guards",
			}
		}
	}
	if critic != nil {
		for _, iss := range critic.Issues {
			if iss.Type == IssueAmbiguity && iss.Detail != "" && !draft.RequiresClarification {
				return &ClarifyUI{Question: iss.Detail, Source: "critic"}
			}
		}
	}
	if draft != nil && len(draft.ClarifyingQuestions) > 0 {
		ui := &ClarifyUI{Question: draft.ClarifyingQuestions[0], Source: "writer"}
		if len(draft.ClarifyingQuestions) > 1 {
			ui.Options = draft.ClarifyingQuestions[1:]
		}
		return ui
	}
	return &ClarifyUI{
		Question: "Could you tell me a bit more about what you'd like to know?",
		Source:   "critic",
	}
}
