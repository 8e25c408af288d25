// Package confirm gates mutating actions behind explicit user
// confirmation. A requested action is held as a pending record with a
// short-lived token; the mutation executes only when that token comes
// back, and executes at most once no matter how many times the token is
// replayed.
package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultTTL is how long a confirmation token stays valid.
const DefaultTTL = 3 * time.Minute

// Sentinel errors for token state.
var (
	ErrNotFound    = errors.New("confirmation token not found")
	ErrExpired     = errors.New("confirmation token expired")
	ErrConsumed    = errors.New("confirmation token already consumed")
	ErrKeyMismatch = errors.New("idempotency key does not match token")
)

// Action is the mutation a token guards.
type Action struct {
	Type   string         `json:"type"`   // create_budget, adjust_budget, create_goal, export_data
	Entity string         `json:"entity"` // budget category, goal name, export target
	Data   map[string]any `json:"data,omitempty"`
}

// Executor performs confirmed actions against the finance backend.
type Executor interface {
	Execute(ctx context.Context, userID string, action Action) (string, error)
}

// Pending is a held action awaiting confirmation.
type Pending struct {
	Token          string    `json:"token"`
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	Action         Action    `json:"action"`
	Summary        string    `json:"summary"`
	Status         string    `json:"status"` // pending, confirmed, cancelled, expired
	Result         string    `json:"result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Service issues, confirms, and cancels action tokens, backed by
// SQLite so pending confirmations survive restarts.
type Service struct {
	db       *sql.DB
	executor Executor
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService opens the confirmation store and wires the executor.
func NewService(dbPath string, executor Executor, ttl time.Duration, logger *slog.Logger) (*Service, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Service{
		db:       db,
		executor: executor,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_actions (
		token           TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		user_id         TEXT NOT NULL,
		action          TEXT NOT NULL,
		summary         TEXT NOT NULL,
		status          TEXT NOT NULL,
		result          TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_user ON pending_actions(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newToken returns a time-ordered unique token, falling back to v4 if
// v7 generation fails.
func newToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Request holds an action for confirmation and returns the pending
// record. Requesting with an idempotency key already on file returns
// the existing record instead of minting a second token.
func (s *Service) Request(ctx context.Context, userID, idempotencyKey string, action Action, summary string) (*Pending, error) {
	if idempotencyKey == "" {
		idempotencyKey = newToken()
	}

	if existing, err := s.byIdempotencyKey(ctx, idempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	actionJSON, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	p := &Pending{
		Token:          newToken(),
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
		Action:         action,
		Summary:        summary,
		Status:         "pending",
		CreatedAt:      s.now().UTC(),
	}
	p.ExpiresAt = p.CreatedAt.Add(s.ttl)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (token, idempotency_key, user_id, action, summary, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Token, p.IdempotencyKey, p.UserID, string(actionJSON), p.Summary, p.Status,
		p.CreatedAt.Format(time.RFC3339Nano), p.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pending action: %w", err)
	}

	s.logger.Info("action held for confirmation",
		"token", p.Token, "user", userID, "type", action.Type)
	return p, nil
}

// Confirm executes the action behind a token. The caller must present
// the idempotency key issued with the token; holding the token alone is
// not enough. The first confirmation executes and records the result;
// later confirmations with the same token and key replay the recorded
// result without executing again.
func (s *Service) Confirm(ctx context.Context, token, idempotencyKey string) (string, error) {
	p, err := s.byToken(ctx, token)
	if err != nil {
		return "", err
	}

	if idempotencyKey != p.IdempotencyKey {
		return "", ErrKeyMismatch
	}

	switch p.Status {
	case "confirmed":
		return p.Result, nil
	case "cancelled", "expired":
		return "", ErrConsumed
	}

	if s.now().UTC().After(p.ExpiresAt) {
		s.setStatus(ctx, token, "expired", "")
		return "", ErrExpired
	}

	// Claim the token before executing. Only one caller wins the
	// transition out of pending, so the executor runs at most once.
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = 'executing' WHERE token = ? AND status = 'pending'`,
		token,
	)
	if err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	if n == 0 {
		// Lost the race; re-read to replay or report.
		p, err = s.byToken(ctx, token)
		if err != nil {
			return "", err
		}
		if p.Status == "confirmed" {
			return p.Result, nil
		}
		return "", ErrConsumed
	}

	result, execErr := s.executor.Execute(ctx, p.UserID, p.Action)
	if execErr != nil {
		// Put the token back so the user can retry within the TTL.
		s.setStatus(ctx, token, "pending", "")
		return "", fmt.Errorf("execute %s: %w", p.Action.Type, execErr)
	}

	if err := s.setStatus(ctx, token, "confirmed", result); err != nil {
		return "", err
	}
	s.logger.Info("action confirmed", "token", token, "type", p.Action.Type)
	return result, nil
}

// Cancel voids a pending token. A token already confirmed or cancelled
// reports ErrConsumed; an expired one reports ErrExpired.
func (s *Service) Cancel(ctx context.Context, token string) error {
	p, err := s.byToken(ctx, token)
	if err != nil {
		return err
	}
	switch p.Status {
	case "confirmed", "cancelled":
		return ErrConsumed
	case "expired":
		return ErrExpired
	}
	if s.now().UTC().After(p.ExpiresAt) {
		s.setStatus(ctx, token, "expired", "")
		return ErrExpired
	}
	if err := s.setStatus(ctx, token, "cancelled", ""); err != nil {
		return err
	}
	s.logger.Info("action cancelled", "token", token, "type", p.Action.Type)
	return nil
}

// Get returns the pending record for a token.
func (s *Service) Get(ctx context.Context, token string) (*Pending, error) {
	return s.byToken(ctx, token)
}

// PurgeExpired marks overdue pending tokens expired and returns how
// many were swept. Run periodically.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < ?`,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Service) setStatus(ctx context.Context, token, status, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, result = ? WHERE token = ?`,
		status, result, token,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

func (s *Service) byToken(ctx context.Context, token string) (*Pending, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, idempotency_key, user_id, action, summary, status, result, created_at, expires_at
		 FROM pending_actions WHERE token = ?`, token)
	return scanPending(row)
}

func (s *Service) byIdempotencyKey(ctx context.Context, key string) (*Pending, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, idempotency_key, user_id, action, summary, status, result, created_at, expires_at
		 FROM pending_actions WHERE idempotency_key = ?`, key)
	return scanPending(row)
}

func scanPending(row *sql.Row) (*Pending, error) {
	var p Pending
	var actionJSON, createdAt, expiresAt string
	err := row.Scan(&p.Token, &p.IdempotencyKey, &p.UserID, &actionJSON, &p.Summary,
		&p.Status, &p.Result, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending action: %w", err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &p.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &p, nil
}
