// Package actionqueue holds user actions that could not run because
// the finance backend was unreachable, and replays them when it comes
// back. The queue is a small JSON document persisted through the
// operational state store, so queued work survives restarts.
package actionqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pocketsage/pocketsage/internal/opstate"
)

const (
	stateNamespace = "queue"
	stateKey       = "actionQueue"
)

// Defaults applied when options are zero.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = time.Minute
	DefaultTTL        = 24 * time.Hour
)

// Priority levels for queued actions. Higher values drain first.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// QueuedAction is one deferred mutation.
type QueuedAction struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        string         `json:"type"`
	Entity      string         `json:"entity"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	Priority    int            `json:"priority"`
	NextAttempt time.Time      `json:"nextAttempt"`
}

// Executor replays a queued action against the backend.
type Executor interface {
	Execute(ctx context.Context, a QueuedAction) error
}

// Options tunes retry and staleness behavior.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	TTL        time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
}

// Queue is the persistent offline action queue.
type Queue struct {
	store  *opstate.Store
	exec   Executor
	online func() bool
	opts   Options
	logger *slog.Logger

	now    func() time.Time
	jitter func() float64

	mu    sync.Mutex
	items []QueuedAction

	processing atomic.Bool
}

// New loads the queue from the state store, dropping entries older
// than the TTL. The online probe gates processing: a false probe makes
// ProcessQueue a no-op.
func New(store *opstate.Store, exec Executor, online func() bool, opts Options, logger *slog.Logger) (*Queue, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if online == nil {
		online = func() bool { return true }
	}

	q := &Queue{
		store:  store,
		exec:   exec,
		online: online,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		jitter: rand.Float64,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// load restores persisted items and purges stale ones.
func (q *Queue) load() error {
	var items []QueuedAction
	if _, err := q.store.GetJSON(stateNamespace, stateKey, &items); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	cutoff := q.now().Add(-q.opts.TTL)
	kept := items[:0]
	var dropped int
	for _, a := range items {
		if a.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	if dropped > 0 {
		q.logger.Info("purged stale queued actions", "count", dropped)
	}

	q.mu.Lock()
	q.items = kept
	q.mu.Unlock()
	if dropped > 0 {
		return q.persist()
	}
	return nil
}

// persist writes the current queue document.
func (q *Queue) persist() error {
	q.mu.Lock()
	snapshot := append([]QueuedAction(nil), q.items...)
	q.mu.Unlock()
	if err := q.store.SetJSON(stateNamespace, stateKey, snapshot); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Enqueue adds an action and persists the queue. It never blocks on
// the backend; replay happens in ProcessQueue. A zero priority is
// treated as PriorityMedium.
func (q *Queue) Enqueue(userID, actionType, entity string, data map[string]any, priority int) (QueuedAction, error) {
	if priority == 0 {
		priority = PriorityMedium
	}
	a := QueuedAction{
		ID:          newID(),
		UserID:      userID,
		Type:        actionType,
		Entity:      entity,
		Data:        data,
		Timestamp:   q.now().UTC(),
		MaxRetries:  q.opts.MaxRetries,
		Priority:    priority,
		NextAttempt: q.now().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		return a, err
	}
	q.logger.Info("action queued", "id", a.ID, "type", actionType, "user", userID)
	return a, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue, highest priority first.
func (q *Queue) Items() []QueuedAction {
	q.mu.Lock()
	out := append([]QueuedAction(nil), q.items...)
	q.mu.Unlock()
	sortByPriority(out)
	return out
}

// ProcessQueue replays due actions in priority order. Re-entrant calls
// are no-ops while a pass is already running, and an offline probe
// makes the whole pass a no-op. Failed actions get a new NextAttempt
// with exponential backoff; the pass never sleeps waiting for one.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	if !q.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.processing.Store(false)

	if !q.online() {
		return nil
	}

	q.mu.Lock()
	batch := append([]QueuedAction(nil), q.items...)
	q.mu.Unlock()
	sortByPriority(batch)

	now := q.now().UTC()
	var done, failed, droppedIDs []string
	updated := make(map[string]QueuedAction)

	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		if a.NextAttempt.After(now) {
			continue
		}

		if err := q.exec.Execute(ctx, a); err != nil {
			a.RetryCount++
			if a.RetryCount >= a.MaxRetries {
				q.logger.Warn("queued action dropped after max retries",
					"id", a.ID, "type", a.Type, "error", err)
				droppedIDs = append(droppedIDs, a.ID)
				continue
			}
			a.NextAttempt = now.Add(q.backoff(a.RetryCount))
			updated[a.ID] = a
			failed = append(failed, a.ID)
			q.logger.Debug("queued action failed, will retry",
				"id", a.ID, "retry", a.RetryCount, "next", a.NextAttempt, "error", err)
			continue
		}
		done = append(done, a.ID)
		q.logger.Info("queued action replayed", "id", a.ID, "type", a.Type)
	}

	remove := make(map[string]bool, len(done)+len(droppedIDs))
	for _, id := range done {
		remove[id] = true
	}
	for _, id := range droppedIDs {
		remove[id] = true
	}

	q.mu.Lock()
	kept := q.items[:0]
	for _, a := range q.items {
		if remove[a.ID] {
			continue
		}
		if u, ok := updated[a.ID]; ok {
			a = u
		}
		kept = append(kept, a)
	}
	q.items = kept
	q.mu.Unlock()

	if len(remove) > 0 || len(failed) > 0 {
		return q.persist()
	}
	return nil
}

// backoff returns base * 2^(retry-1) plus up to half a base of jitter,
// capped at the configured maximum.
func (q *Queue) backoff(retry int) time.Duration {
	d := time.Duration(float64(q.opts.BaseDelay) * math.Pow(2, float64(retry-1)))
	d += time.Duration(q.jitter() * float64(q.opts.BaseDelay) / 2)
	if d > q.opts.MaxDelay {
		d = q.opts.MaxDelay
	}
	return d
}

func sortByPriority(items []QueuedAction) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
