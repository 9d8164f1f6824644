// Package challenge runs time-boxed leaderboard competitions over node
// owners, paying the pool to the strictly highest scorer.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
	"dagshield/pkg/reward"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeInactive = errors.New("challenge is not active")
	ErrChallengeEnded    = errors.New("challenge window has ended")
	ErrChallengeRunning  = errors.New("challenge window has not ended")
	ErrAlreadyJoined     = errors.New("owner already joined")
	ErrNotParticipant    = errors.New("owner has not joined")
	ErrNoRegisteredNodes = errors.New("owner has no registered nodes")
)

// NodeOwnership answers which nodes an owner has registered.
type NodeOwnership interface {
	NodesByOwner(owner string) []*data.Node
}

// OperatorGate authorizes privileged challenge operations.
type OperatorGate interface {
	RequireOperator(callerID string) error
}

// Manager owns the challenge arena. Scores arrive through the operator as
// an oracle feed from off-ledger scoring.
type Manager struct {
	cfg     config.ChallengeConfig
	nodes   NodeOwnership
	rewards *reward.Engine
	gate    OperatorGate

	challenges map[string]*data.Challenge

	repo   data.Repository
	bus    *events.Bus
	logger *zap.Logger
	mu     sync.Mutex
}

// NewManager creates a challenge manager.
func NewManager(
	cfg config.ChallengeConfig,
	nodes NodeOwnership,
	rewards *reward.Engine,
	gate OperatorGate,
	repo data.Repository,
	bus *events.Bus,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		nodes:      nodes,
		rewards:    rewards,
		gate:       gate,
		challenges: make(map[string]*data.Challenge),
		repo:       repo,
		bus:        bus,
		logger:     logger,
	}
}

// Create opens a new challenge. Operator only.
func (m *Manager) Create(ctx context.Context, callerID, name, description string, duration time.Duration, rewardPool uint64, minParticipants int) (*data.Challenge, error) {
	if err := m.gate.RequireOperator(callerID); err != nil {
		return nil, err
	}

	c, err := data.NewChallenge(name, description, duration, rewardPool, minParticipants)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.challenges[c.ID] = c
	m.persist(ctx, c, true)
	m.mu.Unlock()

	m.bus.Append(events.KindChallengeCreated, c.ID, map[string]string{
		"name": name,
	})
	m.logger.Info("Challenge created",
		zap.String("challenge_id", c.ID),
		zap.String("name", name),
		zap.Uint64("pool", rewardPool))

	return m.snapshot(c), nil
}

// Join enrolls an owner into an open challenge. The owner must hold at
// least one registered node.
func (m *Manager) Join(ctx context.Context, owner, challengeID string) error {
	if len(m.nodes.NodesByOwner(owner)) == 0 {
		return ErrNoRegisteredNodes
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.challenges[challengeID]
	if !exists {
		return ErrChallengeNotFound
	}
	if !c.Active {
		return ErrChallengeInactive
	}
	if c.HasEnded(time.Now().UTC()) {
		return ErrChallengeEnded
	}
	if c.HasParticipant(owner) {
		return ErrAlreadyJoined
	}

	c.Scores[owner] = 0
	m.persist(ctx, c, false)
	return nil
}

// UpdateScore overwrites one participant's score. Operator only.
func (m *Manager) UpdateScore(ctx context.Context, callerID, challengeID, participant string, score uint64) error {
	if err := m.gate.RequireOperator(callerID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.challenges[challengeID]
	if !exists {
		return ErrChallengeNotFound
	}
	if !c.Active {
		return ErrChallengeInactive
	}
	if !c.HasParticipant(participant) {
		return ErrNotParticipant
	}

	c.Scores[participant] = score
	m.persist(ctx, c, false)
	return nil
}

// Complete closes an ended challenge. The strictly highest scorer wins; a
// tie leaves no winner. The pool is paid only when the participant count
// meets the minimum, otherwise nothing is minted and the pool lapses.
func (m *Manager) Complete(ctx context.Context, challengeID string) (*data.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.challenges[challengeID]
	if !exists {
		return nil, ErrChallengeNotFound
	}
	if !c.Active {
		return nil, ErrChallengeInactive
	}
	now := time.Now().UTC()
	if !c.HasEnded(now) {
		return nil, ErrChallengeRunning
	}

	c.Active = false
	c.CompletedAt = &now
	c.Winner = strictWinner(c.Scores)

	if c.Winner != "" && len(c.Scores) >= c.MinParticipants {
		c.Paid = m.rewards.PayChallengeReward(ctx, c.Winner, c.RewardPool, m.cfg.WinnerXPBonus)
	}

	m.persist(ctx, c, false)
	m.bus.Append(events.KindChallengeCompleted, c.ID, map[string]string{
		"winner": c.Winner,
		"paid":   map[bool]string{true: "true", false: "false"}[c.Paid],
	})
	m.logger.Info("Challenge completed",
		zap.String("challenge_id", c.ID),
		zap.String("winner", c.Winner),
		zap.Bool("paid", c.Paid))

	return m.snapshot(c), nil
}

// CompleteExpired closes every active challenge whose window has ended.
// Used by the scheduler sweep. Returns the number of challenges closed.
func (m *Manager) CompleteExpired(ctx context.Context) int {
	m.mu.Lock()
	var expired []string
	now := time.Now().UTC()
	for id, c := range m.challenges {
		if c.Active && c.HasEnded(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range expired {
		if _, err := m.Complete(ctx, id); err == nil {
			closed++
		} else if !errors.Is(err, ErrChallengeInactive) {
			m.logger.Warn("Failed to complete expired challenge",
				zap.String("challenge_id", id), zap.Error(err))
		}
	}
	return closed
}

// Get returns a copy of a challenge.
func (m *Manager) Get(challengeID string) (*data.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.challenges[challengeID]
	if !exists {
		return nil, ErrChallengeNotFound
	}
	return m.snapshot(c), nil
}

// Active returns copies of all currently open challenges.
func (m *Manager) Active() []*data.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*data.Challenge
	for _, c := range m.challenges {
		if c.Active {
			active = append(active, m.snapshot(c))
		}
	}
	return active
}

// strictWinner returns the participant holding the single highest score, or
// empty on a tie or an empty leaderboard.
func strictWinner(scores map[string]uint64) string {
	var winner string
	var best uint64
	tied := false
	for owner, score := range scores {
		switch {
		case winner == "" || score > best:
			winner, best, tied = owner, score, false
		case score == best:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return winner
}

func (m *Manager) snapshot(c *data.Challenge) *data.Challenge {
	copied := *c
	copied.Scores = make(map[string]uint64, len(c.Scores))
	for owner, score := range c.Scores {
		copied.Scores[owner] = score
	}
	return &copied
}

func (m *Manager) persist(ctx context.Context, c *data.Challenge, isNew bool) {
	if m.repo == nil {
		return
	}
	var err error
	if isNew {
		err = m.repo.SaveChallenge(ctx, c)
	} else {
		err = m.repo.UpdateChallenge(ctx, c)
	}
	if err != nil {
		m.logger.Warn("Failed to persist challenge",
			zap.String("challenge_id", c.ID), zap.Error(err))
	}
}
