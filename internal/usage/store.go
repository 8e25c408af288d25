// Package usage persists per-stage token counts and dollar costs for
// every model call made by the response cascade. Records are append-only
// and summaries are computed with SQL aggregates, so the store doubles as
// the audit trail for spend reporting.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pocketsage/pocketsage/internal/config"
)

// Record is a single model invocation as stored in the database.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Stage        string    `json:"stage"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary aggregates calls grouped by a single dimension (stage or model).
type Summary struct {
	Key          string  `json:"key"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store is an append-only SQLite usage ledger.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
	now     func() time.Time
}

// Open creates or opens the usage database at path. Models absent from
// the pricing table are recorded at zero cost (local models).
func Open(path string, pricing map[string]config.PricingEntry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	s := &Store{
		db:      db,
		pricing: pricing,
		logger:  logger,
		now:     time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS model_calls (
			id            TEXT PRIMARY KEY,
			timestamp     TEXT NOT NULL,
			stage         TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd      REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_model_calls_timestamp
			ON model_calls(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_model_calls_stage
			ON model_calls(stage);
		CREATE INDEX IF NOT EXISTS idx_model_calls_model
			ON model_calls(model);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cost returns the dollar cost of a call against the configured pricing
// table. Unlisted models cost nothing.
func (s *Store) Cost(model string, inputTokens, outputTokens int) float64 {
	entry, ok := s.pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*entry.InputPerMillion/1e6 +
		float64(outputTokens)*entry.OutputPerMillion/1e6
}

// RecordStage appends one model call to the ledger. Stage names the
// cascade role that made the call (writer, critic, improver,
// shadow_candidate).
func (s *Store) RecordStage(ctx context.Context, stage, model string, inputTokens, outputTokens int) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	cost := s.Cost(model, inputTokens, outputTokens)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_calls (id, timestamp, stage, model, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), s.now().UTC().Format(time.RFC3339Nano),
		stage, model, inputTokens, outputTokens, cost,
	)
	if err != nil {
		return fmt.Errorf("record %s call: %w", stage, err)
	}

	s.logger.Debug("recorded model call",
		"stage", stage,
		"model", model,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"cost_usd", cost)
	return nil
}

// ByStage summarizes calls since the given time, grouped by stage.
func (s *Store) ByStage(ctx context.Context, since time.Time) ([]Summary, error) {
	return s.summarize(ctx, "stage", since)
}

// ByModel summarizes calls since the given time, grouped by model.
func (s *Store) ByModel(ctx context.Context, since time.Time) ([]Summary, error) {
	return s.summarize(ctx, "model", since)
}

func (s *Store) summarize(ctx context.Context, column string, since time.Time) ([]Summary, error) {
	// column is one of two fixed identifiers, never caller input.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM model_calls
		WHERE timestamp >= ?
		GROUP BY %s
		ORDER BY SUM(cost_usd) DESC, %s`, column, column, column),
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("summarize by %s: %w", column, err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Total returns the aggregate spend since the given time.
func (s *Store) Total(ctx context.Context, since time.Time) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM model_calls
		WHERE timestamp >= ?`,
		since.UTC().Format(time.RFC3339Nano))

	sum := Summary{Key: "total"}
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return Summary{}, fmt.Errorf("usage total: %w", err)
	}
	return sum, nil
}

// Recent returns the newest calls, up to limit. A limit of 0 returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, timestamp, stage, model, input_tokens, output_tokens, cost_usd
		FROM model_calls ORDER BY timestamp DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list model calls: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Stage, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}
