// Package connwatch monitors the reachability of PocketSage's external
// dependencies (the financial data service, Anthropic, local Ollama).
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second transient dial errors. connwatch covers multi-second to
// multi-minute outages: service restarts, flaky home networks, and the
// laptop going offline entirely.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
//
// The action queue drains on the down-to-ready transition of the
// financial data service, so OnUp is where queued writes get flushed.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing for one watcher.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup retry (default: 2.0).
	Multiplier float64

	// StartupRetries is the number of startup probe attempts before
	// falling through to background polling (default: 8).
	StartupRetries int

	// PollInterval is the background check interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the standard probe schedule: 1s, 2s, 4s, 8s,
// 16s, 30s (capped) on startup, then 30-second background polling.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		StartupRetries: 8,
		PollInterval:   30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// Service configures a single watched dependency.
type Service struct {
	// Name identifies the service in logs and health output
	// (e.g. "findata", "anthropic", "ollama").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Schedule controls probe timing. Zero-value fields get defaults.
	Schedule Schedule

	// OnUp fires when the service transitions from down to ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnUp func()

	// OnDown fires when the service transitions from ready to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health snapshot of one watched service, suitable for the
// health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	svc    Service
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.svc.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes with exponential backoff on startup, then polls periodically
// and fires transition callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.svc.Schedule
	logger := w.svc.Logger

	delay := sched.InitialDelay
	for attempt := 1; attempt <= sched.StartupRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected",
				"service", w.svc.Name,
				"after_attempts", attempt,
			)
			if w.svc.OnUp != nil {
				go w.svc.OnUp()
			}
			break
		}

		if attempt == sched.StartupRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.svc.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.svc.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * sched.Multiplier)
		if delay > sched.MaxDelay {
			delay = sched.MaxDelay
		}
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.record(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("service became unreachable",
					"service", w.svc.Name,
					"error", err,
				)
				if w.svc.OnDown != nil {
					go w.svc.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("service recovered", "service", w.svc.Name)
				if w.svc.OnUp != nil {
					go w.svc.OnUp()
				}
			case !wasReady && err != nil:
				logger.Debug("service still unreachable",
					"service", w.svc.Name,
					"error", err,
				)
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.svc.Schedule.ProbeTimeout)
	defer cancel()
	return w.svc.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers for all external dependencies.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher for the given service. The watcher
// runs in a background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil; these are programming errors,
// not runtime conditions. Zero-value Schedule fields get defaults.
func (m *Manager) Watch(ctx context.Context, svc Service) *Watcher {
	if svc.Name == "" {
		panic("connwatch: Service.Name must not be empty")
	}
	if svc.Probe == nil {
		panic("connwatch: Service.Probe must not be nil")
	}
	if svc.Logger == nil {
		svc.Logger = m.logger
	}

	defaults := DefaultSchedule()
	if svc.Schedule.InitialDelay <= 0 {
		svc.Schedule.InitialDelay = defaults.InitialDelay
	}
	if svc.Schedule.MaxDelay <= 0 {
		svc.Schedule.MaxDelay = defaults.MaxDelay
	}
	if svc.Schedule.Multiplier <= 0 {
		svc.Schedule.Multiplier = defaults.Multiplier
	}
	if svc.Schedule.StartupRetries <= 0 {
		svc.Schedule.StartupRetries = defaults.StartupRetries
	}
	if svc.Schedule.PollInterval <= 0 {
		svc.Schedule.PollInterval = defaults.PollInterval
	}
	if svc.Schedule.ProbeTimeout <= 0 {
		svc.Schedule.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[svc.Name] = w
	m.mu.Unlock()

	return w
}

// IsReady reports whether a named service is currently reachable.
// Unknown names report false.
func (m *Manager) IsReady(name string) bool {
	m.mu.RLock()
	w := m.watchers[name]
	m.mu.RUnlock()
	return w != nil && w.IsReady()
}

// ReadyFunc returns a closure reporting the named service's readiness.
// The action queue uses this as its online check.
func (m *Manager) ReadyFunc(name string) func() bool {
	return func() bool { return m.IsReady(name) }
}

// Status returns the health snapshot of every watched service.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
