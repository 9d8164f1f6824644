// Package reward computes and issues node rewards under the ledger's supply
// cap, and tracks per-owner experience, levels and achievements.
package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
	"dagshield/pkg/ledger"
)

var ErrInvalidMetrics = errors.New("invalid metric values")

const bpsDenominator = 10000

// MetricsReward carries the inputs of one reward computation for a node
// telemetry update.
type MetricsReward struct {
	Owner       string
	NodeID      string
	StakeAmount uint64
	Reputation  uint32
	Efficiency  uint32
	UptimeDelta uint64 // seconds
	NewThreats  uint64
}

// Engine issues rewards through the StakeLedger and owns the gamification
// read-modify path (XP, levels, achievements).
type Engine struct {
	cfg    config.RewardConfig
	ledger *ledger.StakeLedger

	profiles    map[string]*data.OwnerProfile
	totalIssued uint64

	bus    *events.Bus
	logger *zap.Logger
	mu     sync.Mutex
}

// NewEngine creates a reward engine bound to a ledger.
func NewEngine(cfg config.RewardConfig, l *ledger.StakeLedger, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		ledger:   l,
		profiles: make(map[string]*data.OwnerProfile),
		bus:      bus,
		logger:   logger,
	}
}

// Compute returns the reward for a metric update without issuing it:
// base + reputation bonus + efficiency bonus + uptime bonus + threat bonus.
func (e *Engine) Compute(m MetricsReward) uint64 {
	base := m.StakeAmount * e.cfg.DailyRateBps / bpsDenominator

	reward := base
	reward += base * uint64(m.Reputation) / bpsDenominator * e.cfg.ReputationMultBps / bpsDenominator
	if m.Efficiency > e.cfg.EfficiencyThreshold {
		reward += base * e.cfg.EfficiencyRateBps / bpsDenominator
	}
	if m.UptimeDelta > data.SecondsPerDay {
		reward += base * e.cfg.UptimeRateBps / bpsDenominator
	}
	reward += m.NewThreats * e.cfg.PerThreatReward

	return reward
}

// IssueMetricsReward computes and issues the reward for one telemetry
// update. Issuance that would breach the supply cap is skipped in full, which
// is reported as a zero reward, not an error. On success the owner earns
// experience and may level up, each level-up minting a flat bonus under the
// same cap check.
func (e *Engine) IssueMetricsReward(ctx context.Context, m MetricsReward) (uint64, error) {
	if m.Owner == "" || m.NodeID == "" {
		return 0, ErrInvalidMetrics
	}
	if m.Reputation > data.MaxScore || m.Efficiency > data.MaxScore {
		return 0, ErrInvalidMetrics
	}

	amount := e.Compute(m)
	if amount == 0 {
		return 0, nil
	}

	if !e.ledger.IssueReward(ctx, m.Owner, amount) {
		return 0, nil
	}

	e.mu.Lock()
	e.totalIssued += amount
	e.grantExperience(ctx, m.Owner, amount/e.cfg.XPDivisor)
	e.mu.Unlock()

	e.bus.Append(events.KindRewardsIssued, m.NodeID, map[string]string{
		"owner":  m.Owner,
		"amount": fmt.Sprintf("%d", amount),
		"source": "node_metrics",
	})

	return amount, nil
}

// PayChallengeReward issues a challenge pool to the winner, granting an
// achievement and a flat experience bonus. Returns false if the mint was
// skipped at the supply cap.
func (e *Engine) PayChallengeReward(ctx context.Context, owner string, amount, xpBonus uint64) bool {
	if owner == "" || amount == 0 {
		return false
	}
	if !e.ledger.IssueReward(ctx, owner, amount) {
		return false
	}

	e.mu.Lock()
	e.totalIssued += amount
	profile := e.profileLocked(owner)
	profile.Achievements++
	e.grantExperience(ctx, owner, xpBonus)
	e.mu.Unlock()

	e.bus.Append(events.KindRewardsIssued, owner, map[string]string{
		"amount": fmt.Sprintf("%d", amount),
		"source": "challenge",
	})

	return true
}

// grantExperience adds XP and runs the level-up check. Caller holds the
// lock.
func (e *Engine) grantExperience(ctx context.Context, owner string, xp uint64) {
	profile := e.profileLocked(owner)
	profile.Experience += xp

	for profile.Experience >= profile.Level*e.cfg.XPPerLevel {
		profile.Level++
		if e.cfg.LevelUpBonus > 0 && e.ledger.IssueReward(ctx, owner, e.cfg.LevelUpBonus) {
			e.totalIssued += e.cfg.LevelUpBonus
		}
		e.logger.Info("Owner leveled up",
			zap.String("owner", owner),
			zap.Uint64("level", profile.Level))
	}
}

func (e *Engine) profileLocked(owner string) *data.OwnerProfile {
	profile, exists := e.profiles[owner]
	if !exists {
		profile = &data.OwnerProfile{Owner: owner, Level: 1}
		e.profiles[owner] = profile
	}
	return profile
}

// Profile returns a copy of the owner's gamification state.
func (e *Engine) Profile(owner string) data.OwnerProfile {
	e.mu.Lock()
	defer e.mu.Unlock()

	profile, exists := e.profiles[owner]
	if !exists {
		return data.OwnerProfile{Owner: owner, Level: 1}
	}
	return *profile
}

// TotalIssued returns the network-wide reward counter.
func (e *Engine) TotalIssued() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalIssued
}
