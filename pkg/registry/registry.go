// Package registry owns node identity, hardware descriptors, reputation and
// operational status, binding each node's collateral to the stake ledger.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
	"dagshield/pkg/ledger"
	"dagshield/pkg/reward"
	"dagshield/pkg/security"
)

var (
	ErrNodeExists        = errors.New("node id already registered")
	ErrNodeNotFound      = errors.New("node not found")
	ErrTooManyNodes      = errors.New("owner reached maximum node count")
	ErrNodeNotActive     = errors.New("node is not active")
	ErrNodeSlashed       = errors.New("node is slashed")
	ErrBadAttestation    = errors.New("attestation does not verify")
	ErrMetricsRegression = errors.New("cumulative threat counter decreased")
	ErrKeyMismatch       = errors.New("owner key differs from registered key")
)

const bpsDenominator = 10000

// OperatorGate authorizes privileged registry operations.
type OperatorGate interface {
	RequireOperator(callerID string) error
}

// Registry tracks all registered nodes by id. Collateral moves through the
// ledger escrow pool, never through registry state.
type Registry struct {
	cfg      config.RegistryConfig
	ledger   *ledger.StakeLedger
	rewards  *reward.Engine
	attestor security.Attestor
	gate     OperatorGate

	nodes      map[string]*data.Node
	ownerKeys  map[string][]byte
	ownerNodes map[string][]string

	activeNodes  int
	totalThreats uint64

	repo   data.Repository
	bus    *events.Bus
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a node registry bound to a ledger and reward engine.
func NewRegistry(
	cfg config.RegistryConfig,
	l *ledger.StakeLedger,
	rewards *reward.Engine,
	attestor security.Attestor,
	gate OperatorGate,
	repo data.Repository,
	bus *events.Bus,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		cfg:        cfg,
		ledger:     l,
		rewards:    rewards,
		attestor:   attestor,
		gate:       gate,
		nodes:      make(map[string]*data.Node),
		ownerKeys:  make(map[string][]byte),
		ownerNodes: make(map[string][]string),
		repo:       repo,
		bus:        bus,
		logger:     logger,
	}
}

// RegisterNode escrows the node's collateral and activates it. The owner's
// public key is pinned on first registration; later registrations under the
// same owner must present the same key.
func (r *Registry) RegisterNode(
	ctx context.Context,
	owner, nodeID, deviceType string,
	capabilities []string,
	location string,
	stakeAmount uint64,
	hardware data.HardwareSpec,
	ownerKey []byte,
) (*data.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; exists {
		return nil, ErrNodeExists
	}
	if stakeAmount < r.ledger.MinStake() {
		return nil, ledger.ErrBelowMinimum
	}
	if len(r.ownerNodes[owner]) >= r.cfg.MaxNodesPerOwner {
		return nil, ErrTooManyNodes
	}
	if existing, ok := r.ownerKeys[owner]; ok && !equalKeys(existing, ownerKey) {
		return nil, ErrKeyMismatch
	}

	if err := r.ledger.Escrow(ctx, owner, stakeAmount); err != nil {
		return nil, fmt.Errorf("escrowing node collateral: %w", err)
	}

	now := time.Now().UTC()
	node := &data.Node{
		NodeID:       nodeID,
		Owner:        owner,
		DeviceType:   deviceType,
		Capabilities: capabilities,
		Location:     location,
		StakeAmount:  stakeAmount,
		Reputation:   r.cfg.InitialReputation,
		Efficiency:   r.cfg.InitialEfficiency,
		Hardware:     hardware,
		Status:       data.NodeStatusActive,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	if err := node.Validate(); err != nil {
		r.releaseEscrowLocked(ctx, owner, stakeAmount)
		return nil, err
	}

	r.nodes[nodeID] = node
	r.ownerKeys[owner] = append([]byte(nil), ownerKey...)
	r.ownerNodes[owner] = append(r.ownerNodes[owner], nodeID)
	r.activeNodes++

	r.persistNode(ctx, node, true)
	r.bus.Append(events.KindNodeRegistered, nodeID, map[string]string{
		"owner": owner,
		"stake": fmt.Sprintf("%d", stakeAmount),
	})
	r.logger.Info("Node registered",
		zap.String("node_id", nodeID),
		zap.String("owner", owner),
		zap.Uint64("stake", stakeAmount))

	result := *node
	return &result, nil
}

// UpdateNodeMetrics ingests one signed telemetry report. The attestation
// must be the owner's signature over the metric tuple. The threat counter is
// cumulative, so the delta since the last report drives reputation and
// reward. Returns the reward amount issued, zero when issuance was skipped
// at the supply cap.
func (r *Registry) UpdateNodeMetrics(
	ctx context.Context,
	nodeID string,
	threatsCumulative, uptimeDelta uint64,
	efficiency uint32,
	attestation []byte,
) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return 0, ErrNodeNotFound
	}
	if !node.IsActive() {
		return 0, ErrNodeNotActive
	}
	if efficiency > data.MaxScore {
		return 0, data.ErrInvalidScore
	}

	digest := security.MetricsDigest(nodeID, threatsCumulative, uptimeDelta, efficiency)
	if !r.attestor.Verify(digest, attestation, r.ownerKeys[node.Owner]) {
		return 0, ErrBadAttestation
	}

	if threatsCumulative < node.ThreatsDetected {
		return 0, ErrMetricsRegression
	}
	newThreats := threatsCumulative - node.ThreatsDetected

	now := time.Now().UTC()
	node.Reputation = r.nextReputation(node, newThreats, uptimeDelta, efficiency, now)
	node.ThreatsDetected = threatsCumulative
	node.UptimeSeconds += uptimeDelta
	node.Efficiency = efficiency
	node.LastActiveAt = now
	node.Verified = true
	r.totalThreats += newThreats

	amount, err := r.rewards.IssueMetricsReward(ctx, reward.MetricsReward{
		Owner:       node.Owner,
		NodeID:      nodeID,
		StakeAmount: node.StakeAmount,
		Reputation:  node.Reputation,
		Efficiency:  node.Efficiency,
		UptimeDelta: uptimeDelta,
		NewThreats:  newThreats,
	})
	if err != nil {
		return 0, fmt.Errorf("issuing metric reward: %w", err)
	}
	node.TotalRewards += amount

	r.persistNode(ctx, node, false)
	r.bus.Append(events.KindReputationChanged, nodeID, map[string]string{
		"reputation":  fmt.Sprintf("%d", node.Reputation),
		"new_threats": fmt.Sprintf("%d", newThreats),
	})

	return amount, nil
}

// nextReputation applies the scoring rule: threat points per new detection,
// flat bonuses for a full day of uptime and for high efficiency, then decay
// proportional to time elapsed since the previous report. Caller holds the
// lock.
func (r *Registry) nextReputation(node *data.Node, newThreats, uptimeDelta uint64, efficiency uint32, now time.Time) uint32 {
	score := uint64(node.Reputation)
	score += newThreats * uint64(r.cfg.ThreatPoints)
	if uptimeDelta > data.SecondsPerDay {
		score += uint64(r.cfg.UptimeBonusPoints)
	}
	if efficiency > r.cfg.EfficiencyThreshold {
		score += uint64(r.cfg.EfficiencyBonus)
	}

	elapsed := now.Sub(node.LastActiveAt)
	if elapsed > 0 {
		decay := score * uint64(r.cfg.DecayBpsPerDay) / bpsDenominator *
			uint64(elapsed.Seconds()) / data.SecondsPerDay
		if decay > score {
			decay = score
		}
		score -= decay
	}

	if score > uint64(data.MaxScore) {
		score = uint64(data.MaxScore)
	}
	return uint32(score)
}

// SlashNode is an operator-only terminal penalty: the slashed collateral is
// burned, reputation is halved and the node can never return to service.
func (r *Registry) SlashNode(ctx context.Context, callerID, nodeID string, slashAmount uint64, reason string) error {
	if err := r.gate.RequireOperator(callerID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}
	if node.Status == data.NodeStatusSlashed {
		return ErrNodeSlashed
	}
	if slashAmount > node.StakeAmount {
		return ledger.ErrExceedsStake
	}

	if err := r.ledger.Burn(ctx, node.Owner, slashAmount); err != nil {
		return fmt.Errorf("burning slashed collateral: %w", err)
	}

	wasActive := node.IsActive()
	node.StakeAmount -= slashAmount
	node.Reputation /= 2
	node.Status = data.NodeStatusSlashed
	if wasActive {
		r.activeNodes--
	}

	r.persistNode(ctx, node, false)
	r.bus.Append(events.KindNodeSlashed, nodeID, map[string]string{
		"amount": fmt.Sprintf("%d", slashAmount),
		"reason": reason,
	})
	r.logger.Warn("Node slashed",
		zap.String("node_id", nodeID),
		zap.Uint64("amount", slashAmount),
		zap.String("reason", reason))

	return nil
}

// SetNodeStatus is an operator-only switch between active and maintenance.
// Slashed is terminal and cannot be entered or left here.
func (r *Registry) SetNodeStatus(ctx context.Context, callerID, nodeID string, status data.NodeStatus) error {
	if err := r.gate.RequireOperator(callerID); err != nil {
		return err
	}
	if status != data.NodeStatusActive && status != data.NodeStatusMaintenance {
		return fmt.Errorf("status %q is not operator-assignable", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}
	if node.Status == data.NodeStatusSlashed {
		return ErrNodeSlashed
	}
	if node.Status == status {
		return nil
	}

	if status == data.NodeStatusActive {
		r.activeNodes++
	} else if node.IsActive() {
		r.activeNodes--
	}
	node.Status = status

	r.persistNode(ctx, node, false)
	r.bus.Append(events.KindNodeStatusChanged, nodeID, map[string]string{
		"status": string(status),
	})

	return nil
}

// DecaySweep applies reputation decay to every active node that has been
// silent for more than a day. Nodes reporting regularly decay through the
// metrics path instead; the sweep covers the ones that stopped reporting.
// Returns the number of nodes decayed.
func (r *Registry) DecaySweep(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	decayed := 0
	for _, node := range r.nodes {
		if !node.IsActive() {
			continue
		}
		elapsed := now.Sub(node.LastActiveAt)
		if elapsed <= time.Duration(data.SecondsPerDay)*time.Second {
			continue
		}

		score := uint64(node.Reputation)
		decay := score * uint64(r.cfg.DecayBpsPerDay) / bpsDenominator *
			uint64(elapsed.Seconds()) / data.SecondsPerDay
		if decay == 0 {
			continue
		}
		if decay > score {
			decay = score
		}
		node.Reputation = uint32(score - decay)
		node.LastActiveAt = now
		decayed++

		r.persistNode(ctx, node, false)
		r.bus.Append(events.KindReputationChanged, node.NodeID, map[string]string{
			"reputation": fmt.Sprintf("%d", node.Reputation),
			"cause":      "decay",
		})
	}

	if decayed > 0 {
		r.logger.Info("Reputation decay applied", zap.Int("nodes", decayed))
	}
	return decayed
}

// IsActiveNode reports whether the node may submit threat alerts.
func (r *Registry) IsActiveNode(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	return exists && node.IsActive()
}

// GetNode returns a copy of the node record.
func (r *Registry) GetNode(nodeID string) (*data.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeID]
	if !exists {
		return nil, ErrNodeNotFound
	}
	result := *node
	return &result, nil
}

// NodesByOwner returns copies of all nodes registered by an owner.
func (r *Registry) NodesByOwner(owner string) []*data.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.ownerNodes[owner]
	nodes := make([]*data.Node, 0, len(ids))
	for _, id := range ids {
		if node, exists := r.nodes[id]; exists {
			copied := *node
			nodes = append(nodes, &copied)
		}
	}
	return nodes
}

// ActiveNodeCount returns the number of nodes currently in active status.
func (r *Registry) ActiveNodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeNodes
}

// NetworkStats aggregates the node arena into the network read model.
func (r *Registry) NetworkStats() data.NetworkStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := data.NetworkStats{
		TotalNodes:   len(r.nodes),
		ActiveNodes:  r.activeNodes,
		TotalThreats: r.totalThreats,
		TotalRewards: r.rewards.TotalIssued(),
	}

	var repSum, uptimeSum uint64
	for _, node := range r.nodes {
		stats.TotalStaked += node.StakeAmount
		repSum += uint64(node.Reputation)
		uptimeSum += node.UptimeSeconds
	}
	if len(r.nodes) > 0 {
		stats.AvgReputation = uint32(repSum / uint64(len(r.nodes)))
		stats.AvgUptimeSecs = uptimeSum / uint64(len(r.nodes))
	}

	return stats
}

func (r *Registry) releaseEscrowLocked(ctx context.Context, owner string, amount uint64) {
	if err := r.ledger.ReleaseEscrow(ctx, owner, amount); err != nil {
		r.logger.Error("Failed to release escrow after rejected registration",
			zap.String("owner", owner), zap.Error(err))
	}
}

func (r *Registry) persistNode(ctx context.Context, node *data.Node, isNew bool) {
	if r.repo == nil {
		return
	}
	var err error
	if isNew {
		err = r.repo.SaveNode(ctx, node)
	} else {
		err = r.repo.UpdateNode(ctx, node)
	}
	if err != nil {
		r.logger.Warn("Failed to persist node",
			zap.String("node_id", node.NodeID), zap.Error(err))
	}
}

func equalKeys(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
