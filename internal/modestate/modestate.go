// Package modestate tracks which surface a conversation is in. The
// machine is deliberately rigid: an event either matches the fixed
// allow-list for the current mode or it is a no-op, and every attempt
// lands in the history either way.
package modestate

import (
	"sync"
	"time"
)

// Mode is a conversation surface.
type Mode string

const (
	ModeChat      Mode = "CHAT"
	ModeInsights  Mode = "INSIGHTS"
	ModeActions   Mode = "ACTIONS"
	ModeAnalytics Mode = "ANALYTICS"
)

// Event drives transitions between modes.
type Event string

const (
	EventUserQuery     Event = "USER_QUERY"
	EventActionTaken   Event = "ACTION_TAKEN"
	EventInsightAck    Event = "INSIGHT_ACK"
	EventOpenAnalytics Event = "OPEN_ANALYTICS"
	EventBack          Event = "BACK"
	EventForceMode     Event = "FORCE_MODE"
)

// historyLimit bounds the retained transition history.
const historyLimit = 10

// transitions is the allow-list. A (mode, event) pair absent here is a
// no-op.
var transitions = map[Mode]map[Event]Mode{
	ModeChat: {
		EventActionTaken:   ModeActions,
		EventInsightAck:    ModeInsights,
		EventOpenAnalytics: ModeAnalytics,
	},
	ModeInsights: {
		EventUserQuery:     ModeChat,
		EventActionTaken:   ModeActions,
		EventOpenAnalytics: ModeAnalytics,
		EventBack:          ModeChat,
	},
	ModeActions: {
		EventUserQuery:  ModeChat,
		EventInsightAck: ModeInsights,
		EventBack:       ModeChat,
	},
	ModeAnalytics: {
		EventUserQuery: ModeChat,
		EventBack:      ModeChat,
	},
}

// Transition records one attempted or applied mode change.
type Transition struct {
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	Event     Event     `json:"event"`
	Applied   bool      `json:"applied"`
	Timestamp time.Time `json:"timestamp"`
}

// Machine is the mode state machine. Safe for concurrent use.
type Machine struct {
	mu             sync.Mutex
	current        Mode
	history        []Transition
	lastTransition time.Time
	now            func() time.Time
}

// New creates a machine starting in CHAT.
func New() *Machine {
	return &Machine{
		current: ModeChat,
		now:     time.Now,
	}
}

// Current returns the active mode.
func (m *Machine) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Apply feeds an event through the machine. FORCE_MODE jumps straight
// to the target regardless of the table; every other event consults
// the allow-list. The returned mode is always one of the four defined
// modes. Illegal events leave the current mode in place but are still
// recorded as attempted.
func (m *Machine) Apply(event Event, target Mode) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.nextFor(event, target)
	t := Transition{
		From:      m.current,
		To:        next,
		Event:     event,
		Applied:   ok,
		Timestamp: m.now(),
	}
	if ok {
		m.current = next
		m.lastTransition = t.Timestamp
	} else {
		t.To = m.current
	}

	m.history = append(m.history, t)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return m.current
}

// nextFor resolves the target mode for an event. Caller holds the
// lock.
func (m *Machine) nextFor(event Event, target Mode) (Mode, bool) {
	if event == EventForceMode {
		if validMode(target) {
			return target, true
		}
		return m.current, false
	}
	next, ok := transitions[m.current][event]
	if !ok {
		return m.current, false
	}
	return next, true
}

func validMode(m Mode) bool {
	switch m {
	case ModeChat, ModeInsights, ModeActions, ModeAnalytics:
		return true
	}
	return false
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// IsStable reports whether the machine has sat in its current mode for
// at least the given duration. A machine with no transitions yet is
// stable.
func (m *Machine) IsStable(minimum time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastTransition.IsZero() {
		return true
	}
	return m.now().Sub(m.lastTransition) >= minimum
}

// LastTransition returns when the mode last changed; zero if never.
func (m *Machine) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}
