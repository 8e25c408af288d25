// Package analytics collects observability events from every component
// and delivers them to an external sink, scrubbed of PII and sampled
// per event type. An in-process bus fans the same events out to live
// subscribers (the WebSocket event feed).
package analytics

import (
	"sync"
	"time"
)

// Event type constants.
const (
	// TypeQueryAnswered records a finished cascade run.
	// Payload: intent, tier, decision_path, decision_reason, stage_tokens,
	// guard_failures, cache_hit.
	TypeQueryAnswered = "query_answered"
	// TypeGuardFailure records a guard rule rejecting a draft.
	// Payload: rule, reason.
	TypeGuardFailure = "guard_failure"
	// TypeActionRequested records a mutation held for confirmation.
	// Payload: action_type, entity.
	TypeActionRequested = "action_requested"
	// TypeActionConfirmed records a confirmed mutation.
	// Payload: action_type, entity.
	TypeActionConfirmed = "action_confirmed"
	// TypeActionQueued records a mutation deferred to the offline queue.
	// Payload: action_type, priority.
	TypeActionQueued = "action_queued"
	// TypeModeChanged records a mode machine transition.
	// Payload: from, to, event, applied.
	TypeModeChanged = "mode_changed"
	// TypeShadowReport records a shadow dual-run comparison.
	// Payload: agreement, agreement_score, agreement_method,
	// current_tier, candidate_tier.
	TypeShadowReport = "shadow_report"
)

// Envelope is one analytics event.
type Envelope struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	MessageID string         `json:"message_id"`
	Timestamp time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus is a non-blocking broadcast bus for live event subscribers.
// Slow subscribers miss events rather than blocking emitters. Safe to
// call on a nil receiver (no-op), so components do not need guard
// checks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Envelope]chan Envelope
}

// NewBus creates an event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Envelope]struct{}),
		recvToSend: make(map[<-chan Envelope]chan Envelope),
	}
}

// Publish sends an event to all subscribers. Non-blocking: a full
// subscriber channel drops the event for that subscriber.
func (b *Bus) Publish(e Envelope) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Envelope {
	ch := make(chan Envelope, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
