package cascade

import (
	"testing"

	"github.com/pocketsage/pocketsage/internal/guard"
)

func cleanResults() []guard.Result {
	return []guard.Result{
		{Rule: "numeric_grounding", Passed: true},
		{Rule: "time_window", Passed: true},
		{Rule: "prohibited_claims", Passed: true},
	}
}

func failingResults(rule string) []guard.Result {
	out := cleanResults()
	for i := range out {
		if out[i].Rule == rule {
			out[i].Passed = false
			out[i].Reason = "failed"
		}
	}
	return out
}

func TestDecide(t *testing.T) {
	okCritic := &CriticReport{OK: true, Risk: RiskLow}
	draft := &WriterOutput{Version: WriterVersion, AnswerText: "answer"}

	tests := []struct {
		name   string
		draft  *WriterOutput
		guards []guard.Result
		critic *CriticReport
		want   Action
	}{
		{
			name:  "clean draft accepts",
			draft: draft, guards: cleanResults(), critic: okCritic,
			want: ActionAccept,
		},
		{
			name: "writer clarification wins over everything",
			draft: &WriterOutput{Version: WriterVersion, RequiresClarification: true,
				ClarifyingQuestions: []string{"Which account?"}},
			guards: failingResults("numeric_grounding"),
			critic: &CriticReport{OK: false, Risk: RiskHigh,
				Issues: []CriticIssue{{Type: IssueSafety, Detail: "bad"}}},
			want: ActionClarify,
		},
		{
			name:  "critic ambiguity before safety",
			draft: draft, guards: cleanResults(),
			critic: &CriticReport{OK: false, Risk: RiskMedium, Issues: []CriticIssue{
				{Type: IssueAmbiguity, Detail: "which month?"},
				{Type: IssueSafety, Detail: "risky"},
			}},
			want: ActionClarify,
		},
		{
			name:  "safety issue escalates",
			draft: draft, guards: cleanResults(),
			critic: &CriticReport{OK: false, Risk: RiskMedium,
				Issues: []CriticIssue{{Type: IssueSafety, Detail: "harmful advice"}}},
			want: ActionEscalate,
		},
		{
			name:  "high risk escalates even when ok",
			draft: draft, guards: cleanResults(),
			critic: &CriticReport{OK: true, Risk: RiskHigh},
			want:   ActionEscalate,
		},
		{
			name:  "guard failure escalates",
			draft: draft, guards: failingResults("numeric_grounding"), critic: okCritic,
			want: ActionEscalate,
		},
		{
			name:  "escalation recommendation escalates",
			draft: draft, guards: cleanResults(),
			critic: &CriticReport{OK: true, Risk: RiskMedium, RecommendEscalation: true},
			want:   ActionEscalate,
		},
		{
			name:  "critic fact mismatch escalates",
			draft: draft, guards: cleanResults(),
			critic: &CriticReport{OK: false, Risk: RiskLow,
				Issues: []CriticIssue{{Type: IssueFactMismatch, Detail: "stale figure"}}},
			want: ActionEscalate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.draft, tt.guards, tt.critic)
			if d.Action != tt.want {
				t.Errorf("decide() = %s (%s), want %s", d.Action, d.Reason, tt.want)
			}
			if d.Reason == "" {
				t.Error("decision has no reason")
			}
		})
	}
}

func TestBuildClarifyPriority(t *testing.T) {
	draft := &WriterOutput{
		Version:               WriterVersion,
		RequiresClarification: true,
		ClarifyingQuestions:   []string{"Which account did you mean?", "Checking", "Savings"},
	}
	critic := &CriticReport{OK: false, Risk: RiskLow,
		Issues: []CriticIssue{{Type: IssueAmbiguity, Detail: "Which month?"}}}

	// Guard failures outrank both critic and writer questions.
	ui := buildClarify(failingResults("numeric_grounding"), critic, draft)
	if ui.Source != "guards" {
		t.Errorf("Source = %q, want guards", ui.Source)
	}

	// Without guard failures, a clarifying writer gets its own question
	// through ahead of the critic's.
	ui = buildClarify(cleanResults(), critic, draft)
	if ui.Source != "writer" {
		t.Errorf("Source = %q, want writer", ui.Source)
	}
	if ui.Question != "Which account did you mean?" {
		t.Errorf("Question = %q", ui.Question)
	}
	if len(ui.Options) != 2 {
		t.Errorf("Options = %v, want the remaining questions", ui.Options)
	}

	// A non-clarifying writer defers to the critic.
	plain := &WriterOutput{Version: WriterVersion, AnswerText: "answer"}
	ui = buildClarify(cleanResults(), critic, plain)
	if ui.Source != "critic" || ui.Question != "Which month?" {
		t.Errorf("got %q from %q, want critic question", ui.Question, ui.Source)
	}
}

func TestParseWriterOutput(t *testing.T) {
	valid := `{"version":"wo.v1","answer_text":"You have $187.83 left.","used_fact_ids":["budget-groceries"],"numeric_mentions":[{"value":187.83,"unit":"USD","kind":"amount","fact_id":"budget-groceries"}],"requires_clarification":false,"content_kind":"status"}`

	out, err := parseWriterOutput(valid)
	if err != nil {
		t.Fatalf("parseWriterOutput() error: %v", err)
	}
	if out.AnswerText != "You have $187.83 left." {
		t.Errorf("AnswerText = %q", out.AnswerText)
	}

	// Code fences are tolerated.
	if _, err := parseWriterOutput("```json\n" + valid + "\n```"); err != nil {
		t.Errorf("fenced JSON rejected: %v", err)
	}

	// Everything else is a stage failure.
	for name, text := range map[string]string{
		"prose":         "You have $187.83 left in groceries.",
		"wrong version": `{"version":"wo.v2","answer_text":"hi","content_kind":"status"}`,
		"empty answer":  `{"version":"wo.v1","answer_text":"","requires_clarification":false,"content_kind":"status"}`,
	} {
		if _, err := parseWriterOutput(text); err == nil {
			t.Errorf("%s: parse succeeded, want failure", name)
		}
	}
}

func TestParseCriticReport(t *testing.T) {
	report, err := parseCriticReport(`{"ok":false,"issues":[{"type":"safety","detail":"bad"}],"risk":"high","recommend_escalation":true}`)
	if err != nil {
		t.Fatalf("parseCriticReport() error: %v", err)
	}
	if report.OK || report.Risk != RiskHigh || !report.RecommendEscalation {
		t.Errorf("report = %+v", report)
	}
	if !report.hasIssue(IssueSafety) {
		t.Error("hasIssue(safety) = false")
	}

	if _, err := parseCriticReport(`{"ok":true,"risk":"severe"}`); err == nil {
		t.Error("unknown risk level accepted")
	}
}
