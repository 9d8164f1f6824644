package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dagshield/pkg/api"
	"dagshield/pkg/challenge"
	"dagshield/pkg/config"
	"dagshield/pkg/dag"
	"dagshield/pkg/data"
	"dagshield/pkg/events"
	"dagshield/pkg/ledger"
	"dagshield/pkg/oracle"
	"dagshield/pkg/registry"
	"dagshield/pkg/reward"
	"dagshield/pkg/security"
)

type fixture struct {
	router   *mux.Router
	ledger   *ledger.StakeLedger
	registry *registry.Registry
	oracle   *oracle.Oracle
	manager  *challenge.Manager
	keyPair  *security.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	repo := data.NewMemoryRepository()
	auth := security.NewAuthorizer("operator", logger)

	keyPair, err := security.GenerateKeyPair()
	require.NoError(t, err)
	attestor := security.NewEd25519Attestor(keyPair)

	l := ledger.NewStakeLedger(
		config.LedgerConfig{MaxSupply: 1_000_000, MinStake: 100, StakeAPYBps: 1250},
		repo, bus, logger,
	)
	engine := reward.NewEngine(config.RewardConfig{
		DailyRateBps: 10, PerThreatReward: 10,
		XPDivisor: 10, XPPerLevel: 1000, EfficiencyThreshold: 8000,
	}, l, bus, logger)
	reg := registry.NewRegistry(config.RegistryConfig{
		MaxNodesPerOwner: 3, InitialReputation: 5000, InitialEfficiency: 7000,
		ThreatPoints: 10, UptimeBonusPoints: 50, EfficiencyBonus: 25,
		EfficiencyThreshold: 8000, DecayBpsPerDay: 100,
	}, l, engine, attestor, auth, repo, bus, logger)
	o := oracle.NewOracle(config.ConsensusConfig{
		ConfirmationThreshold: 3, SourceLedger: "dagshield", TargetLedgers: []string{"ledger-a"},
	}, reg, auth, repo, bus, logger)
	proc := dag.NewProcessor(config.DAGConfig{
		BatchSize: 100, LargeValue: 1_000_000, LargePayloadBytes: 1024, AlertThreshold: 70,
	}, nil, o, bus, logger)
	manager := challenge.NewManager(config.ChallengeConfig{WinnerXPBonus: 500},
		reg, engine, auth, repo, bus, logger)

	router := mux.NewRouter()
	api.RegisterRoutes(router, api.NewHandler(l, reg, proc, o, manager, logger))

	return &fixture{
		router:   router,
		ledger:   l,
		registry: reg,
		oracle:   o,
		manager:  manager,
		keyPair:  keyPair,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestNodeEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ledger.Mint(ctx, "alice", 5000))
	_, err := f.registry.RegisterNode(ctx, "alice", "node-1", "sensor", nil, "eu-west",
		1000, data.HardwareSpec{}, f.keyPair.PublicKey)
	require.NoError(t, err)

	rec := f.get(t, "/nodes/node-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	var node data.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, "alice", node.Owner)
	assert.Equal(t, data.NodeStatusActive, node.Status)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/nodes/missing").Code)

	rec = f.get(t, "/owners/alice/nodes")
	assert.Equal(t, http.StatusOK, rec.Code)
	var nodes []data.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 1)

	rec = f.get(t, "/owners/alice/balance")
	assert.Equal(t, http.StatusOK, rec.Code)
	var balance map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, uint64(4000), balance["balance"])
	assert.Equal(t, uint64(1000), balance["escrow"])
}

func TestStatsEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ledger.Mint(ctx, "alice", 5000))
	_, err := f.registry.RegisterNode(ctx, "alice", "node-1", "sensor", nil, "",
		1000, data.HardwareSpec{}, f.keyPair.PublicKey)
	require.NoError(t, err)

	rec := f.get(t, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats data.NetworkStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalNodes)
	assert.Equal(t, uint64(1000), stats.TotalStaked)
}

func TestAlertEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ledger.Mint(ctx, "alice", 10000))
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		_, err := f.registry.RegisterNode(ctx, "alice", id, "sensor", nil, "",
			1000, data.HardwareSpec{}, f.keyPair.PublicKey)
		require.NoError(t, err)
	}
	for _, id := range []string{"node-1", "node-2", "node-3"} {
		_, err := f.oracle.SubmitThreatAlert(ctx, id, "alert-1",
			"ddos", 85, "0xabc", "0xdeadbeef", "")
		require.NoError(t, err)
	}

	rec := f.get(t, "/alerts/alert-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	var alert data.ThreatAlert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.True(t, alert.Verified)

	// verified alerts drop off the active list
	rec = f.get(t, "/alerts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = f.get(t, "/alerts/alert-1/relays")
	var relays []data.RelayRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relays))
	assert.Len(t, relays, 1)

	rec = f.get(t, "/relays/pending")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &relays))
	assert.Len(t, relays, 1)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/alerts/missing").Code)
}

func TestChallengeEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.manager.Create(ctx, "operator", "hunt", "", time.Hour, 1000, 2)
	require.NoError(t, err)

	rec := f.get(t, "/challenges/"+c.ID)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got data.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hunt", got.Name)

	rec = f.get(t, "/challenges")
	assert.Equal(t, http.StatusOK, rec.Code)
	var active []data.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Len(t, active, 1)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/challenges/missing").Code)
}
