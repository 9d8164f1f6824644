// Package events provides the append-only change log that state-changing
// operations emit into. External indexers and the relay publisher consume it;
// nothing in here pushes to any UI.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies the type of a change notification.
type Kind string

const (
	KindNodeRegistered     Kind = "NODE_REGISTERED"
	KindNodeStatusChanged  Kind = "NODE_STATUS_CHANGED"
	KindNodeSlashed        Kind = "NODE_SLASHED"
	KindReputationChanged  Kind = "REPUTATION_CHANGED"
	KindThreatDetected     Kind = "THREAT_DETECTED"
	KindAlertVerified      Kind = "ALERT_VERIFIED"
	KindRelayCreated       Kind = "RELAY_CREATED"
	KindRelayFulfilled     Kind = "RELAY_FULFILLED"
	KindRewardsIssued      Kind = "REWARDS_ISSUED"
	KindStakeDeposited     Kind = "STAKE_DEPOSITED"
	KindStakeWithdrawn     Kind = "STAKE_WITHDRAWN"
	KindChallengeCreated   Kind = "CHALLENGE_CREATED"
	KindChallengeCompleted Kind = "CHALLENGE_COMPLETED"
)

// Event is one entry in the change log.
type Event struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Subject string            `json:"subject"`
	At      time.Time         `json:"at"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Bus is an append-only change log with fan-out to subscribers. Appends never
// block: a subscriber that falls behind misses events and must catch up from
// History.
type Bus struct {
	log         []Event
	subscribers []chan Event
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Append records an event and fans it out.
func (b *Bus) Append(kind Kind, subject string, attrs map[string]string) Event {
	evt := Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Subject: subject,
		At:      time.Now().UTC(),
		Attrs:   attrs,
	}

	b.mu.Lock()
	b.log = append(b.log, evt)
	subs := make([]chan Event, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("kind", string(kind)),
				zap.String("subject", subject))
		}
	}

	return evt
}

// Subscribe returns a buffered channel receiving all future events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// History returns a copy of the log since the given offset.
func (b *Bus) History(offset int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < 0 || offset > len(b.log) {
		offset = 0
	}
	out := make([]Event, len(b.log)-offset)
	copy(out, b.log[offset:])
	return out
}

// Len returns the number of logged events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.log)
}
