package data

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidTime      = errors.New("invalid timestamp")
	ErrInvalidScore     = errors.New("score out of range")
	ErrMissingSignature = errors.New("missing required signature")
)

// Score scales. Reputation and efficiency are integers on a 0..10000 scale,
// threat confidence on 0..100.
const (
	MaxScore      uint32 = 10000
	MaxThreatLvl  uint32 = 100
	SecondsPerDay uint64 = 86400
	SecondsPerYr  uint64 = 31536000
)

// NodeStatus represents the lifecycle state of a registered node.
type NodeStatus string

const (
	NodeStatusInactive    NodeStatus = "inactive"
	NodeStatusActive      NodeStatus = "active"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusSlashed     NodeStatus = "slashed"
)

// Stake represents an owner's escrowed collateral position.
type Stake struct {
	Owner          string    `json:"owner"`
	Amount         uint64    `json:"amount"`
	StakedAt       time.Time `json:"staked_at"`
	AccruedRewards uint64    `json:"accrued_rewards"`
	ReleaseAt      time.Time `json:"release_at"`
	Active         bool      `json:"active"`
}

// Validate checks if the stake record is valid.
func (s *Stake) Validate() error {
	if s.Owner == "" {
		return errors.New("owner cannot be empty")
	}
	if s.Active && s.Amount == 0 {
		return ErrInvalidAmount
	}
	if s.Active && s.StakedAt.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// HardwareSpec describes the physical device backing a node.
type HardwareSpec struct {
	CPUCores      uint32 `json:"cpu_cores"`
	RAMMegabytes  uint32 `json:"ram_megabytes"`
	StorageGB     uint32 `json:"storage_gb"`
	BandwidthMbps uint32 `json:"bandwidth_mbps"`
	PowerWatts    uint32 `json:"power_watts"`
}

// Node represents a stake-collateralized network participant.
type Node struct {
	NodeID          string       `json:"node_id"`
	Owner           string       `json:"owner"`
	DeviceType      string       `json:"device_type"`
	Capabilities    []string     `json:"capabilities"`
	Location        string       `json:"location"`
	StakeAmount     uint64       `json:"stake_amount"`
	Reputation      uint32       `json:"reputation"`
	Efficiency      uint32       `json:"efficiency"`
	Hardware        HardwareSpec `json:"hardware"`
	Status          NodeStatus   `json:"status"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastActiveAt    time.Time    `json:"last_active_at"`
	TotalRewards    uint64       `json:"total_rewards"`
	ThreatsDetected uint64       `json:"threats_detected"`
	UptimeSeconds   uint64       `json:"uptime_seconds"`
	Verified        bool         `json:"verified"`
}

// Validate checks if the node record is valid.
func (n *Node) Validate() error {
	if n.NodeID == "" {
		return ErrInvalidID
	}
	if n.Owner == "" {
		return errors.New("owner cannot be empty")
	}
	if n.Reputation > MaxScore {
		return ErrInvalidScore
	}
	if n.Efficiency > MaxScore {
		return ErrInvalidScore
	}
	if n.RegisteredAt.IsZero() {
		return ErrInvalidTime
	}
	switch n.Status {
	case NodeStatusInactive, NodeStatusActive, NodeStatusMaintenance, NodeStatusSlashed:
	default:
		return errors.New("unknown node status")
	}
	return nil
}

// IsActive reports whether the node may submit telemetry and alerts.
func (n *Node) IsActive() bool {
	return n.Status == NodeStatusActive
}

// ThreatAlert represents a claim that a transaction or address is malicious.
type ThreatAlert struct {
	ID                string    `json:"id"`
	ThreatType        string    `json:"threat_type"`
	Confidence        uint32    `json:"confidence"`
	ImplicatedAddress string    `json:"implicated_address"`
	SourceTxHash      string    `json:"source_tx_hash"`
	SubmittedAt       time.Time `json:"submitted_at"`
	AttestationRef    string    `json:"attestation_ref"`
	Verified          bool      `json:"verified"`
	Confirmations     int       `json:"confirmations"`
	Confirmers        []string  `json:"confirmers"`
}

// NewThreatAlert creates a new ThreatAlert with one confirmation from the
// submitting node.
func NewThreatAlert(id, threatType string, confidence uint32, implicated, sourceTx, attestationRef, submitter string) (*ThreatAlert, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if threatType == "" {
		return nil, errors.New("threat type cannot be empty")
	}
	if confidence > MaxThreatLvl {
		return nil, ErrInvalidScore
	}

	return &ThreatAlert{
		ID:                id,
		ThreatType:        threatType,
		Confidence:        confidence,
		ImplicatedAddress: implicated,
		SourceTxHash:      sourceTx,
		SubmittedAt:       time.Now().UTC(),
		AttestationRef:    attestationRef,
		Confirmations:     1,
		Confirmers:        []string{submitter},
	}, nil
}

// HasConfirmer reports whether the given node already confirmed this alert.
func (a *ThreatAlert) HasConfirmer(nodeID string) bool {
	for _, c := range a.Confirmers {
		if c == nodeID {
			return true
		}
	}
	return false
}

// Validate checks if the alert record is valid.
func (a *ThreatAlert) Validate() error {
	if a.ID == "" {
		return ErrInvalidID
	}
	if a.ThreatType == "" {
		return errors.New("threat type cannot be empty")
	}
	if a.Confidence > MaxThreatLvl {
		return ErrInvalidScore
	}
	if a.Confirmations < len(a.Confirmers) {
		return errors.New("confirmation count below confirmer set size")
	}
	return nil
}

// RelayRecord is the durable intent to deliver a verified alert to one
// external ledger. It completes asynchronously via fulfillment.
type RelayRecord struct {
	ID           string     `json:"id"`
	SourceLedger string     `json:"source_ledger"`
	TargetLedger string     `json:"target_ledger"`
	AlertID      string     `json:"alert_id"`
	Payload      []byte     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	Delivered    bool       `json:"delivered"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// NewRelayRecord creates a pending relay record for one target ledger.
func NewRelayRecord(sourceLedger, targetLedger, alertID string, payload []byte) (*RelayRecord, error) {
	if sourceLedger == "" || targetLedger == "" {
		return nil, errors.New("ledger identifiers cannot be empty")
	}
	if alertID == "" {
		return nil, ErrInvalidID
	}

	return &RelayRecord{
		ID:           uuid.New().String(),
		SourceLedger: sourceLedger,
		TargetLedger: targetLedger,
		AlertID:      alertID,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// MarkDelivered records delivery completion.
func (r *RelayRecord) MarkDelivered() {
	now := time.Now().UTC()
	r.Delivered = true
	r.DeliveredAt = &now
}

// Challenge represents a time-boxed leaderboard competition.
type Challenge struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	StartAt         time.Time         `json:"start_at"`
	EndAt           time.Time         `json:"end_at"`
	RewardPool      uint64            `json:"reward_pool"`
	MinParticipants int               `json:"min_participants"`
	Scores          map[string]uint64 `json:"scores"`
	Active          bool              `json:"active"`
	Winner          string            `json:"winner,omitempty"`
	Paid            bool              `json:"paid"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// NewChallenge creates an open challenge running from now for the given
// duration.
func NewChallenge(name, description string, duration time.Duration, rewardPool uint64, minParticipants int) (*Challenge, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("name cannot be empty")
	}
	if duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	if rewardPool == 0 {
		return nil, ErrInvalidAmount
	}
	if minParticipants <= 0 {
		return nil, errors.New("minimum participants must be positive")
	}

	now := time.Now().UTC()
	return &Challenge{
		ID:              uuid.New().String(),
		Name:            name,
		Description:     description,
		StartAt:         now,
		EndAt:           now.Add(duration),
		RewardPool:      rewardPool,
		MinParticipants: minParticipants,
		Scores:          make(map[string]uint64),
		Active:          true,
	}, nil
}

// HasEnded reports whether the challenge window is over at the given time.
func (c *Challenge) HasEnded(at time.Time) bool {
	return !at.Before(c.EndAt)
}

// HasParticipant reports whether the owner already joined.
func (c *Challenge) HasParticipant(owner string) bool {
	_, ok := c.Scores[owner]
	return ok
}

// OwnerProfile tracks gamification state for a node owner.
type OwnerProfile struct {
	Owner        string `json:"owner"`
	Experience   uint64 `json:"experience"`
	Level        uint64 `json:"level"`
	Achievements uint64 `json:"achievements"`
}

// NetworkStats is the aggregate read model over all nodes.
type NetworkStats struct {
	TotalNodes    int    `json:"total_nodes"`
	ActiveNodes   int    `json:"active_nodes"`
	TotalStaked   uint64 `json:"total_staked"`
	TotalRewards  uint64 `json:"total_rewards"`
	AvgReputation uint32 `json:"avg_reputation"`
	TotalThreats  uint64 `json:"total_threats"`
	AvgUptimeSecs uint64 `json:"avg_uptime_secs"`
}
