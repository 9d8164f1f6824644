package data

import (
	"context"
	"sync"
)

// MemoryRepository is an in-memory Repository used by tests and by nodes
// running without a database.
type MemoryRepository struct {
	nodes      map[string]*Node
	stakes     map[string]*Stake
	alerts     map[string]*ThreatAlert
	relays     map[string]*RelayRecord
	challenges map[string]*Challenge
	mu         sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nodes:      make(map[string]*Node),
		stakes:     make(map[string]*Stake),
		alerts:     make(map[string]*ThreatAlert),
		relays:     make(map[string]*RelayRecord),
		challenges: make(map[string]*Challenge),
	}
}

func (m *MemoryRepository) SaveNode(_ context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[node.NodeID]; exists {
		return ErrDuplicate
	}
	cp := *node
	m.nodes[node.NodeID] = &cp
	return nil
}

func (m *MemoryRepository) GetNode(_ context.Context, nodeID string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MemoryRepository) ListNodesByOwner(_ context.Context, owner string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var nodes []*Node
	for _, node := range m.nodes {
		if node.Owner == owner {
			cp := *node
			nodes = append(nodes, &cp)
		}
	}
	return nodes, nil
}

func (m *MemoryRepository) UpdateNode(_ context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.NodeID]; !ok {
		return ErrNotFound
	}
	cp := *node
	m.nodes[node.NodeID] = &cp
	return nil
}

func (m *MemoryRepository) SaveStake(_ context.Context, stake *Stake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stake
	m.stakes[stake.Owner] = &cp
	return nil
}

func (m *MemoryRepository) GetStake(_ context.Context, owner string) (*Stake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stake, ok := m.stakes[owner]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stake
	return &cp, nil
}

func (m *MemoryRepository) SaveAlert(_ context.Context, alert *ThreatAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.alerts[alert.ID]; exists {
		return ErrDuplicate
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetAlert(_ context.Context, id string) (*ThreatAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *alert
	return &cp, nil
}

func (m *MemoryRepository) UpdateAlert(_ context.Context, alert *ThreatAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *MemoryRepository) ListActiveAlerts(_ context.Context, limit int) ([]*ThreatAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []*ThreatAlert
	for _, alert := range m.alerts {
		if alert.Verified {
			continue
		}
		cp := *alert
		alerts = append(alerts, &cp)
		if limit > 0 && len(alerts) >= limit {
			break
		}
	}
	return alerts, nil
}

func (m *MemoryRepository) SaveRelay(_ context.Context, relay *RelayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.relays[relay.ID]; exists {
		return ErrDuplicate
	}
	cp := *relay
	m.relays[relay.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateRelay(_ context.Context, relay *RelayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relays[relay.ID]; !ok {
		return ErrNotFound
	}
	cp := *relay
	m.relays[relay.ID] = &cp
	return nil
}

func (m *MemoryRepository) ListRelaysByAlert(_ context.Context, alertID string) ([]*RelayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var relays []*RelayRecord
	for _, relay := range m.relays {
		if relay.AlertID == alertID {
			cp := *relay
			relays = append(relays, &cp)
		}
	}
	return relays, nil
}

func (m *MemoryRepository) ListPendingRelays(_ context.Context, limit int) ([]*RelayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var relays []*RelayRecord
	for _, relay := range m.relays {
		if relay.Delivered {
			continue
		}
		cp := *relay
		relays = append(relays, &cp)
		if limit > 0 && len(relays) >= limit {
			break
		}
	}
	return relays, nil
}

func (m *MemoryRepository) SaveChallenge(_ context.Context, challenge *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.challenges[challenge.ID]; exists {
		return ErrDuplicate
	}
	m.challenges[challenge.ID] = cloneChallenge(challenge)
	return nil
}

func (m *MemoryRepository) GetChallenge(_ context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	challenge, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChallenge(challenge), nil
}

func (m *MemoryRepository) UpdateChallenge(_ context.Context, challenge *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[challenge.ID]; !ok {
		return ErrNotFound
	}
	m.challenges[challenge.ID] = cloneChallenge(challenge)
	return nil
}

func cloneChallenge(c *Challenge) *Challenge {
	cp := *c
	cp.Scores = make(map[string]uint64, len(c.Scores))
	for k, v := range c.Scores {
		cp.Scores[k] = v
	}
	return &cp
}
