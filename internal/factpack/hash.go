package factpack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ComputeHash returns the content hash over the pack's normalized
// facts. The hash covers every fact value plus the window and user, and
// deliberately excludes GeneratedAt: two packs built minutes apart from
// identical data must hash identically so the grounding cache can serve
// the second one for free. Amounts are normalized to two decimal places
// and collections are sorted by ID, so field order and float noise
// below a cent cannot perturb the hash.
func ComputeHash(p *FactPack) string {
	var sb strings.Builder

	sb.WriteString(p.SpecVersion)
	sb.WriteByte('|')
	sb.WriteString(p.UserID)
	sb.WriteByte('|')
	sb.WriteString(p.Window.Start.UTC().Format(time.RFC3339))
	sb.WriteByte('|')
	sb.WriteString(p.Window.End.UTC().Format(time.RFC3339))
	sb.WriteByte('|')
	sb.WriteString(p.Window.TZ)

	lines := make([]string, 0, p.FactCount())
	for _, b := range p.Balances {
		lines = append(lines, fmt.Sprintf("balance|%s|%s|%.2f|%s", b.ID, b.Account, b.Amount, b.Currency))
	}
	for _, b := range p.Budgets {
		lines = append(lines, fmt.Sprintf("budget|%s|%s|%.2f|%.2f", b.ID, b.Category, b.Spent, b.Limit))
	}
	for _, g := range p.Goals {
		lines = append(lines, fmt.Sprintf("goal|%s|%s|%.2f|%.2f|%s", g.ID, g.Name, g.Saved, g.Target, g.Deadline.UTC().Format(time.RFC3339)))
	}
	for _, r := range p.Recurring {
		lines = append(lines, fmt.Sprintf("recurring|%s|%s|%.2f|%s|%s", r.ID, r.Name, r.Amount, r.Cadence, r.NextDue.UTC().Format(time.RFC3339)))
	}
	for _, tx := range p.RecentTransactions {
		lines = append(lines, fmt.Sprintf("txn|%s|%s|%s|%.2f|%s", tx.ID, tx.Merchant, tx.Category, tx.Amount, tx.Date.UTC().Format(time.RFC3339)))
	}
	for _, sp := range p.SpendingPatterns {
		lines = append(lines, fmt.Sprintf("pattern|%s|%s|%.2f|%d", sp.ID, sp.Category, sp.WindowTotal, sp.Transactions))
	}
	sort.Strings(lines)

	for _, line := range lines {
		sb.WriteByte('\n')
		sb.WriteString(line)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
