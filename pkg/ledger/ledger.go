// Package ledger owns fungible balances, stake escrow, unstake cooldowns and
// the hard supply cap. It is the sole authority over balances: every other
// component requests debits and credits through it.
package ledger

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
)

var (
	ErrBelowMinimum        = errors.New("amount below minimum stake")
	ErrInsufficientBalance = errors.New("insufficient spendable balance")
	ErrNoActiveStake       = errors.New("no active stake")
	ErrExceedsStake        = errors.New("amount exceeds staked balance")
	ErrSupplyCapExceeded   = errors.New("supply cap exceeded")
	ErrReentrantTransfer   = errors.New("reentrant balance transfer")
)

const bpsDenominator = 10000

// StakeLedger tracks spendable balances, stake positions and collateral
// escrow under an immutable supply cap. Every operation is an atomic state
// transition: it either completes fully or rejects with no side effect.
type StakeLedger struct {
	cfg config.LedgerConfig

	balances    map[string]uint64
	stakes      map[string]*data.Stake
	escrow      map[string]uint64
	totalSupply uint64
	totalStaked uint64

	repo   data.Repository
	bus    *events.Bus
	logger *zap.Logger

	// transferring guards against a nested call back into a balance-moving
	// operation while one is in flight.
	transferring bool
	mu           sync.Mutex
}

// NewStakeLedger creates an empty ledger.
func NewStakeLedger(cfg config.LedgerConfig, repo data.Repository, bus *events.Bus, logger *zap.Logger) *StakeLedger {
	return &StakeLedger{
		cfg:      cfg,
		balances: make(map[string]uint64),
		stakes:   make(map[string]*data.Stake),
		escrow:   make(map[string]uint64),
		repo:     repo,
		bus:      bus,
		logger:   logger,
	}
}

// Mint credits newly issued tokens to an owner's spendable balance. Unlike
// reward issuance this is a hard-failing entry point: exceeding the cap is an
// error, not a silent skip.
func (l *StakeLedger) Mint(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner == "" {
		return data.ErrInvalidID
	}
	if amount == 0 {
		return data.ErrInvalidAmount
	}
	if l.totalSupply+amount > l.cfg.MaxSupply {
		return ErrSupplyCapExceeded
	}

	l.balances[owner] += amount
	l.totalSupply += amount
	return nil
}

// Stake escrows tokens out of the owner's spendable balance into the stake
// pool. An existing position has its pending reward settled before the
// position grows, and the accrual clock restarts.
func (l *StakeLedger) Stake(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.beginTransfer(); err != nil {
		return err
	}
	defer l.endTransfer()

	if amount < l.cfg.MinStake {
		return ErrBelowMinimum
	}
	if l.balances[owner] < amount {
		return ErrInsufficientBalance
	}

	stake, exists := l.stakes[owner]
	if exists && stake.Active {
		l.settleReward(stake)
	} else {
		stake = &data.Stake{Owner: owner}
		l.stakes[owner] = stake
	}

	l.balances[owner] -= amount
	stake.Amount += amount
	stake.StakedAt = time.Now().UTC()
	stake.Active = true
	l.totalStaked += amount

	l.persistStake(ctx, stake)
	l.bus.Append(events.KindStakeDeposited, owner, map[string]string{
		"amount": fmt.Sprintf("%d", amount),
	})

	return nil
}

// Unstake reduces the owner's stake and returns the escrowed tokens to the
// spendable balance. A release time of now + cooldown is recorded for
// accounting, but the returned transfer is immediate; callers that want a
// hard cooldown gate must check ReleaseAt themselves. This mirrors the
// reference behavior and is deliberate (see DESIGN.md).
func (l *StakeLedger) Unstake(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.beginTransfer(); err != nil {
		return err
	}
	defer l.endTransfer()

	stake, exists := l.stakes[owner]
	if !exists || !stake.Active {
		return ErrNoActiveStake
	}
	if amount == 0 {
		return data.ErrInvalidAmount
	}
	if amount > stake.Amount {
		return ErrExceedsStake
	}

	l.settleReward(stake)

	stake.Amount -= amount
	stake.ReleaseAt = time.Now().UTC().Add(l.cfg.UnstakeCooldown)
	if stake.Amount == 0 {
		stake.Active = false
	}
	l.totalStaked -= amount
	l.balances[owner] += amount

	l.persistStake(ctx, stake)
	l.bus.Append(events.KindStakeWithdrawn, owner, map[string]string{
		"amount":     fmt.Sprintf("%d", amount),
		"release_at": stake.ReleaseAt.Format(time.RFC3339),
	})

	return nil
}

// Claim settles the pending accrued reward without changing the stake
// amount.
func (l *StakeLedger) Claim(ctx context.Context, owner string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.beginTransfer(); err != nil {
		return 0, err
	}
	defer l.endTransfer()

	stake, exists := l.stakes[owner]
	if !exists || !stake.Active {
		return 0, ErrNoActiveStake
	}

	settled := l.settleReward(stake)
	l.persistStake(ctx, stake)

	return settled, nil
}

// Escrow binds collateral for a node registration: tokens leave the owner's
// spendable balance into the escrow pool.
func (l *StakeLedger) Escrow(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.beginTransfer(); err != nil {
		return err
	}
	defer l.endTransfer()

	if amount == 0 {
		return data.ErrInvalidAmount
	}
	if l.balances[owner] < amount {
		return ErrInsufficientBalance
	}

	l.balances[owner] -= amount
	l.escrow[owner] += amount
	return nil
}

// ReleaseEscrow returns bound collateral to the owner's spendable balance.
func (l *StakeLedger) ReleaseEscrow(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.beginTransfer(); err != nil {
		return err
	}
	defer l.endTransfer()

	if l.escrow[owner] < amount {
		return ErrExceedsStake
	}

	l.escrow[owner] -= amount
	l.balances[owner] += amount
	return nil
}

// Burn destroys bound collateral, reducing total supply. Used by slashing.
func (l *StakeLedger) Burn(ctx context.Context, owner string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.escrow[owner] < amount {
		return ErrExceedsStake
	}

	l.escrow[owner] -= amount
	l.totalSupply -= amount
	return nil
}

// IssueReward mints a reward into the owner's spendable balance. Issuance
// that would push total supply above the cap is skipped in full: the return
// value reports whether the mint happened. This silent-skip policy is
// distinct from the rejection taxonomy on purpose.
func (l *StakeLedger) IssueReward(ctx context.Context, owner string, amount uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.issueLocked(owner, amount)
}

func (l *StakeLedger) issueLocked(owner string, amount uint64) bool {
	if amount == 0 {
		return false
	}
	if l.totalSupply+amount > l.cfg.MaxSupply {
		l.logger.Debug("Issuance skipped at supply cap",
			zap.String("owner", owner),
			zap.Uint64("amount", amount),
			zap.Uint64("totalSupply", l.totalSupply))
		return false
	}

	l.balances[owner] += amount
	l.totalSupply += amount
	return true
}

// settleReward computes and issues the time-accrued stake reward:
// amount × APY × elapsed / year. Skipped in full at the supply cap. The
// accrual clock restarts either way. Caller holds the lock.
func (l *StakeLedger) settleReward(stake *data.Stake) uint64 {
	if !stake.Active || stake.Amount == 0 {
		return 0
	}

	elapsed := time.Since(stake.StakedAt)
	if elapsed <= 0 {
		return 0
	}

	reward := stake.Amount * l.cfg.StakeAPYBps / bpsDenominator *
		uint64(elapsed.Seconds()) / data.SecondsPerYr
	stake.StakedAt = time.Now().UTC()

	if reward == 0 {
		return 0
	}
	if !l.issueLocked(stake.Owner, reward) {
		return 0
	}

	stake.AccruedRewards += reward
	l.bus.Append(events.KindRewardsIssued, stake.Owner, map[string]string{
		"amount": fmt.Sprintf("%d", reward),
		"source": "stake_apy",
	})

	return reward
}

func (l *StakeLedger) beginTransfer() error {
	if l.transferring {
		return ErrReentrantTransfer
	}
	l.transferring = true
	return nil
}

func (l *StakeLedger) endTransfer() {
	l.transferring = false
}

func (l *StakeLedger) persistStake(ctx context.Context, stake *data.Stake) {
	if l.repo == nil {
		return
	}
	if err := l.repo.SaveStake(ctx, stake); err != nil {
		l.logger.Warn("Failed to persist stake",
			zap.String("owner", stake.Owner),
			zap.Error(err))
	}
}

// Queries

// BalanceOf returns the owner's spendable balance.
func (l *StakeLedger) BalanceOf(owner string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

// StakeOf returns a copy of the owner's stake position.
func (l *StakeLedger) StakeOf(owner string) (*data.Stake, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stake, exists := l.stakes[owner]
	if !exists {
		return nil, ErrNoActiveStake
	}
	cp := *stake
	return &cp, nil
}

// EscrowOf returns the owner's bound collateral.
func (l *StakeLedger) EscrowOf(owner string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrow[owner]
}

// TotalSupply returns the current circulating supply.
func (l *StakeLedger) TotalSupply() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupply
}

// TotalStaked returns the sum of all active stake positions.
func (l *StakeLedger) TotalStaked() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalStaked
}

// MaxSupply returns the immutable supply cap.
func (l *StakeLedger) MaxSupply() uint64 {
	return l.cfg.MaxSupply
}

// MinStake returns the minimum stake amount.
func (l *StakeLedger) MinStake() uint64 {
	return l.cfg.MinStake
}
