package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
	"dagshield/pkg/ledger"
	"dagshield/pkg/reward"
	"dagshield/pkg/security"
)

type testEnv struct {
	registry *Registry
	ledger   *ledger.StakeLedger
	keyPair  *security.KeyPair
	attestor *security.Ed25519Attestor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keyPair, err := security.GenerateKeyPair()
	require.NoError(t, err)
	attestor := security.NewEd25519Attestor(keyPair)

	logger := zap.NewNop()
	bus := events.NewBus(logger)
	repo := data.NewMemoryRepository()

	l := ledger.NewStakeLedger(
		config.LedgerConfig{MaxSupply: 10_000_000, MinStake: 100, StakeAPYBps: 1250},
		repo, bus, logger,
	)
	engine := reward.NewEngine(config.RewardConfig{
		DailyRateBps:        10,
		ReputationMultBps:   5000,
		EfficiencyRateBps:   2500,
		UptimeRateBps:       2000,
		PerThreatReward:     10,
		XPDivisor:           10,
		XPPerLevel:          1000,
		LevelUpBonus:        100,
		EfficiencyThreshold: 8000,
	}, l, bus, logger)

	reg := NewRegistry(config.RegistryConfig{
		MaxNodesPerOwner:    3,
		InitialReputation:   5000,
		InitialEfficiency:   7000,
		ThreatPoints:        10,
		UptimeBonusPoints:   50,
		EfficiencyBonus:     25,
		EfficiencyThreshold: 8000,
		DecayBpsPerDay:      100,
	}, l, engine, attestor, security.NewAuthorizer("operator", logger), repo, bus, logger)

	return &testEnv{registry: reg, ledger: l, keyPair: keyPair, attestor: attestor}
}

func (e *testEnv) fund(t *testing.T, owner string, amount uint64) {
	t.Helper()
	require.NoError(t, e.ledger.Mint(context.Background(), owner, amount))
}

func (e *testEnv) register(t *testing.T, owner, nodeID string, stake uint64) *data.Node {
	t.Helper()
	node, err := e.registry.RegisterNode(context.Background(), owner, nodeID,
		"sensor", []string{"ddos"}, "eu-west",
		stake, data.HardwareSpec{CPUCores: 4, RAMMegabytes: 4096}, e.keyPair.PublicKey)
	require.NoError(t, err)
	return node
}

func (e *testEnv) attest(t *testing.T, nodeID string, threats, uptime uint64, efficiency uint32) []byte {
	t.Helper()
	sig, err := e.attestor.Sign(security.MetricsDigest(nodeID, threats, uptime, efficiency))
	require.NoError(t, err)
	return sig
}

func TestRegisterNode(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)

	node := env.register(t, "alice", "node-1", 1000)
	assert.Equal(t, data.NodeStatusActive, node.Status)
	assert.Equal(t, uint32(5000), node.Reputation)
	assert.Equal(t, uint32(7000), node.Efficiency)
	assert.Equal(t, uint64(4000), env.ledger.BalanceOf("alice"))
	assert.Equal(t, uint64(1000), env.ledger.EscrowOf("alice"))
	assert.Equal(t, 1, env.registry.ActiveNodeCount())
}

func TestRegisterNodeRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 10000)
	env.register(t, "alice", "node-1", 1000)

	_, err := env.registry.RegisterNode(ctx, "alice", "node-1", "sensor", nil, "",
		1000, data.HardwareSpec{}, env.keyPair.PublicKey)
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = env.registry.RegisterNode(ctx, "alice", "node-2", "sensor", nil, "",
		50, data.HardwareSpec{}, env.keyPair.PublicKey)
	assert.ErrorIs(t, err, ledger.ErrBelowMinimum)

	_, err = env.registry.RegisterNode(ctx, "broke", "node-3", "sensor", nil, "",
		1000, data.HardwareSpec{}, env.keyPair.PublicKey)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	env.register(t, "alice", "node-2", 1000)
	env.register(t, "alice", "node-3", 1000)
	_, err = env.registry.RegisterNode(ctx, "alice", "node-4", "sensor", nil, "",
		1000, data.HardwareSpec{}, env.keyPair.PublicKey)
	assert.ErrorIs(t, err, ErrTooManyNodes)

	other, err := security.GenerateKeyPair()
	require.NoError(t, err)
	env.fund(t, "bob", 2000)
	_, err = env.registry.RegisterNode(ctx, "bob", "node-5", "sensor", nil, "",
		1000, data.HardwareSpec{}, other.PublicKey)
	require.NoError(t, err)
	_, err = env.registry.RegisterNode(ctx, "bob", "node-6", "sensor", nil, "",
		1000, data.HardwareSpec{}, env.keyPair.PublicKey)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestUpdateNodeMetrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.register(t, "alice", "node-1", 1000)

	uptime := uint64(2 * data.SecondsPerDay)
	sig := env.attest(t, "node-1", 5, uptime, 9000)
	rewardAmount, err := env.registry.UpdateNodeMetrics(ctx, "node-1", 5, uptime, 9000, sig)
	require.NoError(t, err)
	assert.NotZero(t, rewardAmount)

	node, err := env.registry.GetNode("node-1")
	require.NoError(t, err)

	// 5 threats at 10 points, day-long uptime +50, high efficiency +25,
	// before any meaningful decay has elapsed
	assert.GreaterOrEqual(t, node.Reputation, uint32(5000+50))
	assert.LessOrEqual(t, node.Reputation, uint32(5125))
	assert.Equal(t, uint64(5), node.ThreatsDetected)
	assert.Equal(t, uptime, node.UptimeSeconds)
	assert.Equal(t, uint32(9000), node.Efficiency)
	assert.Equal(t, rewardAmount, node.TotalRewards)
	assert.True(t, node.Verified)
	assert.Equal(t, rewardAmount, env.ledger.BalanceOf("alice")-4000)
}

func TestUpdateNodeMetricsRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.register(t, "alice", "node-1", 1000)

	_, err := env.registry.UpdateNodeMetrics(ctx, "missing", 1, 0, 7000, nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// a signature over different values must not verify
	sig := env.attest(t, "node-1", 9, 0, 7000)
	_, err = env.registry.UpdateNodeMetrics(ctx, "node-1", 1, 0, 7000, sig)
	assert.ErrorIs(t, err, ErrBadAttestation)

	sig = env.attest(t, "node-1", 5, 0, 7000)
	_, err = env.registry.UpdateNodeMetrics(ctx, "node-1", 5, 0, 7000, sig)
	require.NoError(t, err)

	// cumulative counter cannot go backwards
	sig = env.attest(t, "node-1", 3, 0, 7000)
	_, err = env.registry.UpdateNodeMetrics(ctx, "node-1", 3, 0, 7000, sig)
	assert.ErrorIs(t, err, ErrMetricsRegression)
}

func TestReputationDecay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.register(t, "alice", "node-1", 1000)

	// backdate the last report by ten days: 100 bps per day decays
	// the score by about 10 percent
	env.registry.nodes["node-1"].LastActiveAt = time.Now().UTC().Add(-10 * 24 * time.Hour)

	sig := env.attest(t, "node-1", 0, 0, 7000)
	_, err := env.registry.UpdateNodeMetrics(ctx, "node-1", 0, 0, 7000, sig)
	require.NoError(t, err)

	node, err := env.registry.GetNode("node-1")
	require.NoError(t, err)
	assert.InDelta(t, 4500, int(node.Reputation), 5)
}

func TestSlashNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.register(t, "alice", "node-1", 1000)
	supplyBefore := env.ledger.TotalSupply()

	err := env.registry.SlashNode(ctx, "mallory", "node-1", 500, "false alerts")
	assert.ErrorIs(t, err, security.ErrNotOperator)

	require.NoError(t, env.registry.SlashNode(ctx, "operator", "node-1", 500, "false alerts"))

	node, err := env.registry.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, data.NodeStatusSlashed, node.Status)
	assert.Equal(t, uint64(500), node.StakeAmount)
	assert.Equal(t, uint32(2500), node.Reputation)
	assert.Equal(t, 0, env.registry.ActiveNodeCount())
	assert.Equal(t, supplyBefore-500, env.ledger.TotalSupply())

	// terminal: no further slashing, no status changes, no telemetry
	err = env.registry.SlashNode(ctx, "operator", "node-1", 100, "again")
	assert.ErrorIs(t, err, ErrNodeSlashed)
	err = env.registry.SetNodeStatus(ctx, "operator", "node-1", data.NodeStatusActive)
	assert.ErrorIs(t, err, ErrNodeSlashed)
	sig := env.attest(t, "node-1", 1, 0, 7000)
	_, err = env.registry.UpdateNodeMetrics(ctx, "node-1", 1, 0, 7000, sig)
	assert.ErrorIs(t, err, ErrNodeNotActive)
}

func TestSetNodeStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.register(t, "alice", "node-1", 1000)

	require.NoError(t, env.registry.SetNodeStatus(ctx, "operator", "node-1", data.NodeStatusMaintenance))
	assert.Equal(t, 0, env.registry.ActiveNodeCount())
	assert.False(t, env.registry.IsActiveNode("node-1"))

	sig := env.attest(t, "node-1", 1, 0, 7000)
	_, err := env.registry.UpdateNodeMetrics(ctx, "node-1", 1, 0, 7000, sig)
	assert.ErrorIs(t, err, ErrNodeNotActive)

	require.NoError(t, env.registry.SetNodeStatus(ctx, "operator", "node-1", data.NodeStatusActive))
	assert.Equal(t, 1, env.registry.ActiveNodeCount())

	err = env.registry.SetNodeStatus(ctx, "operator", "node-1", data.NodeStatusSlashed)
	assert.Error(t, err)
}

func TestNetworkStats(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fund(t, "alice", 5000)
	env.fund(t, "bob", 5000)

	env.register(t, "alice", "node-1", 1000)

	otherKey, err := security.GenerateKeyPair()
	require.NoError(t, err)
	_, err = env.registry.RegisterNode(ctx, "bob", "node-2", "gateway", nil, "us-east",
		2000, data.HardwareSpec{}, otherKey.PublicKey)
	require.NoError(t, err)

	sig := env.attest(t, "node-1", 3, 0, 7000)
	_, err = env.registry.UpdateNodeMetrics(ctx, "node-1", 3, 0, 7000, sig)
	require.NoError(t, err)

	stats := env.registry.NetworkStats()
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 2, stats.ActiveNodes)
	assert.Equal(t, uint64(3000), stats.TotalStaked)
	assert.Equal(t, uint64(3), stats.TotalThreats)
	assert.NotZero(t, stats.TotalRewards)
}
