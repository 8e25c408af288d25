package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/llm"
)

const writerSystemPrompt = `You are a personal finance assistant. Answer the user's question using ONLY the facts provided in the FACTS block. Every number in your answer must come from a fact and be cited by its fact ID.

Respond with a single JSON object, no prose around it:
{
  "version": "wo.v1",
  "answer_text": "the answer",
  "used_fact_ids": ["..."],
  "numeric_mentions": [{"value": 0, "unit": "USD", "kind": "amount", "fact_id": "..."}],
  "requires_clarification": false,
  "clarifying_questions": [],
  "content_kind": "status|explanation|strategy",
  "uncertainty_notes": ""
}

If the question cannot be answered from the facts, or is ambiguous, set requires_clarification to true and supply clarifying_questions. Never invent numbers. Never give investment directives.`

const criticSystemPrompt = `You review a draft answer for a personal finance assistant against the facts it was generated from. Look for: numbers or claims not supported by the facts (fact_mismatch), questions the draft should have asked instead of guessing (ambiguity), and advice that could harm the user financially (safety).

Respond with a single JSON object, no prose around it:
{
  "ok": true,
  "issues": [{"type": "ambiguity|safety|fact_mismatch", "detail": "..."}],
  "risk": "low|medium|high",
  "recommend_escalation": false
}

Set recommend_escalation when the draft's problems stem from the question being harder than the draft treats it, not from sloppiness.`

const improverSystemPrompt = `You repair a draft answer for a personal finance assistant. You receive the draft, the problems found with it, and the facts. Produce a corrected answer that resolves every listed problem, using ONLY the provided facts for numbers.

Respond with the same JSON object schema as the draft (version "wo.v1"). Never invent numbers.`

// factsBlock renders the pack as the FACTS section of a prompt. Fact
// IDs are included so the model can cite them.
func factsBlock(pack *factpack.FactPack) string {
	var sb strings.Builder
	sb.WriteString("FACTS (window ")
	sb.WriteString(pack.Window.Label())
	sb.WriteString("):\n")
	for _, b := range pack.Balances {
		fmt.Fprintf(&sb, "- [%s] balance %s: %.2f %s\n", b.ID, b.Account, b.Amount, b.Currency)
	}
	for _, b := range pack.Budgets {
		fmt.Fprintf(&sb, "- [%s] budget %s: spent %.2f of %.2f (%.2f remaining)\n",
			b.ID, b.Category, b.Spent, b.Limit, b.Remaining())
	}
	for _, g := range pack.Goals {
		fmt.Fprintf(&sb, "- [%s] goal %s: saved %.2f of %.2f\n", g.ID, g.Name, g.Saved, g.Target)
	}
	for _, r := range pack.Recurring {
		fmt.Fprintf(&sb, "- [%s] recurring %s: %.2f per %s\n", r.ID, r.Name, r.Amount, r.Cadence)
	}
	for _, tx := range pack.RecentTransactions {
		fmt.Fprintf(&sb, "- [%s] transaction %s (%s): %.2f on %s\n",
			tx.ID, tx.Merchant, tx.Category, tx.Amount, tx.Date.Format("2006-01-02"))
	}
	for _, sp := range pack.SpendingPatterns {
		fmt.Fprintf(&sb, "- [%s] pattern %s: %.2f total across %d transactions\n",
			sp.ID, sp.Category, sp.WindowTotal, sp.Transactions)
	}
	return sb.String()
}

// runWriter executes the writer role at the given model and parses its
// structured output. A parse failure is a stage failure.
func runWriter(ctx context.Context, c llm.Completer, model, query string, pack *factpack.FactPack) (*WriterOutput, *llm.Completion, error) {
	prompt := factsBlock(pack) + "\nQUESTION: " + query
	comp, err := c.Complete(ctx, model, writerSystemPrompt, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("writer completion: %w", err)
	}
	out, err := parseWriterOutput(comp.Text)
	if err != nil {
		return nil, comp, fmt.Errorf("writer output: %w", err)
	}
	return out, comp, nil
}

// runCritic executes the critic role against a draft.
func runCritic(ctx context.Context, c llm.Completer, model string, draft *WriterOutput, pack *factpack.FactPack) (*CriticReport, *llm.Completion, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal draft: %w", err)
	}
	prompt := factsBlock(pack) + "\nDRAFT:\n" + string(draftJSON)
	comp, err := c.Complete(ctx, model, criticSystemPrompt, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("critic completion: %w", err)
	}
	report, err := parseCriticReport(comp.Text)
	if err != nil {
		return nil, comp, fmt.Errorf("critic report: %w", err)
	}
	return report, comp, nil
}

// runImprover executes the improver role with the draft and problem
// list.
func runImprover(ctx context.Context, c llm.Completer, model string, draft *WriterOutput, problems []string, pack *factpack.FactPack) (*WriterOutput, *llm.Completion, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal draft: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(factsBlock(pack))
	sb.WriteString("\nDRAFT:\n")
	sb.Write(draftJSON)
	sb.WriteString("\nPROBLEMS:\n")
	for _, p := range problems {
		sb.WriteString("- ")
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	comp, err := c.Complete(ctx, model, improverSystemPrompt, sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("improver completion: %w", err)
	}
	out, err := parseWriterOutput(comp.Text)
	if err != nil {
		return nil, comp, fmt.Errorf("improver output: %w", err)
	}
	return out, comp, nil
}

// parseWriterOutput parses the strict writer schema. Models sometimes
// wrap JSON in code fences; that much is tolerated, nothing else is.
func parseWriterOutput(text string) (*WriterOutput, error) {
	raw := extractJSON(text)
	var out WriterOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if out.Version != WriterVersion {
		return nil, fmt.Errorf("unexpected output version %q", out.Version)
	}
	if out.AnswerText == "" && !out.RequiresClarification {
		return nil, fmt.Errorf("empty answer without clarification request")
	}
	return &out, nil
}

func parseCriticReport(text string) (*CriticReport, error) {
	raw := extractJSON(text)
	var report CriticReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	switch report.Risk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return nil, fmt.Errorf("unexpected risk level %q", report.Risk)
	}
	return &report, nil
}

// extractJSON strips markdown code fences and surrounding prose down to
// the outermost JSON object.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}
