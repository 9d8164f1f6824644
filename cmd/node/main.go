package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagshield/pkg/api"
	"dagshield/pkg/challenge"
	"dagshield/pkg/config"
	"dagshield/pkg/dag"
	"dagshield/pkg/data"
	"dagshield/pkg/database"
	"dagshield/pkg/events"
	"dagshield/pkg/ledger"
	"dagshield/pkg/oracle"
	"dagshield/pkg/registry"
	"dagshield/pkg/relay"
	"dagshield/pkg/reward"
	"dagshield/pkg/scheduler"
	"dagshield/pkg/security"
	"dagshield/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	dataDir    = flag.String("data-dir", "./data", "Data directory path")
	debug      = flag.Bool("debug", false, "Enable debug logging to console")
)

// submitterGate admits alert submissions from identities that are both
// active in the registry and present in the operator-maintained submitter
// set.
type submitterGate struct {
	registry *registry.Registry
	auth     *security.Authorizer
}

func (g *submitterGate) IsActiveNode(nodeID string) bool {
	return g.registry.IsActiveNode(nodeID) && g.auth.IsAuthorizedSubmitter(nodeID)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(&utils.LogConfig{
		Level:      cfg.LogLevel,
		OutputPath: filepath.Join(*dataDir, "logs", "node.log"),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Console:    *debug || cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Durable storage: PostgreSQL when configured, otherwise the memory
	// repository for local development.
	var repo data.Repository = data.NewMemoryRepository()
	if cfg.Database.Embedded || cfg.Database.URL != "" {
		db := database.NewService(cfg.Database, logger)
		if err := db.Start(ctx); err != nil {
			return fmt.Errorf("starting database: %w", err)
		}
		defer db.Stop(ctx)
		repo = db.Repository()
	}

	bus := events.NewBus(logger)
	auth := security.NewAuthorizer(cfg.Security.OperatorID, logger)

	keyPair, err := security.LoadOrGenerateKeyPair(cfg.Security.KeyFile)
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	attestor := security.NewEd25519Attestor(keyPair)
	logger.Info("Node identity loaded",
		zap.String("public_key", security.ExportPublicKey(keyPair)))

	tokens, err := security.NewTokenManager(keyPair.PrivateKey, cfg.Security.TokenExpiry)
	if err != nil {
		return fmt.Errorf("initializing token manager: %w", err)
	}
	if cfg.Security.OperatorID != "" {
		if err := writeOperatorToken(tokens, cfg.Security.OperatorID); err != nil {
			return fmt.Errorf("issuing operator token: %w", err)
		}
	}

	// Core components, wired ledger-first.
	stakeLedger := ledger.NewStakeLedger(cfg.Ledger, repo, bus, logger)
	rewards := reward.NewEngine(cfg.Reward, stakeLedger, bus, logger)
	nodeRegistry := registry.NewRegistry(cfg.Registry, stakeLedger, rewards, attestor, auth, repo, bus, logger)
	consensus := oracle.NewOracle(cfg.Consensus,
		&submitterGate{registry: nodeRegistry, auth: auth}, auth, repo, bus, logger)
	challenges := challenge.NewManager(cfg.Challenge, nodeRegistry, rewards, auth, repo, bus, logger)

	store, err := dag.NewStore(cfg.DAG.StorePath)
	if err != nil {
		return fmt.Errorf("opening vertex store: %w", err)
	}
	defer store.Close()

	processor := dag.NewProcessor(cfg.DAG, store, consensus, bus, logger)
	if err := processor.Restore(); err != nil {
		return fmt.Errorf("restoring transaction graph: %w", err)
	}

	// Relay transport, optional.
	var publisher *relay.Publisher
	var relaySweep scheduler.Sweeper
	if cfg.Relay.Enabled {
		publisher, err = relay.NewPublisher(ctx, cfg.Relay, consensus, logger)
		if err != nil {
			return fmt.Errorf("starting relay publisher: %w", err)
		}
		defer publisher.Close()
		relaySweep = publisher

		// Push new relay records out immediately; the periodic sweep
		// covers anything missed while the channel was full.
		relayEvents := bus.Subscribe(64)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-relayEvents:
					if evt.Kind != events.KindRelayCreated {
						continue
					}
					if n := publisher.PublishPending(ctx); n > 0 {
						logger.Debug("Published relay records", zap.Int("count", n))
					}
				}
			}
		}()
	}

	// Maintenance sweeps.
	sched := scheduler.NewScheduler(cfg.Scheduler, logger)
	err = sched.ScheduleMaintenance(
		scheduler.SweepFunc(nodeRegistry.DecaySweep),
		scheduler.SweepFunc(challenges.CompleteExpired),
		relaySweep,
	)
	if err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Read-only query surface.
	router := mux.NewRouter()
	api.RegisterRoutes(router, api.NewHandler(stakeLedger, nodeRegistry, processor, consensus, challenges, logger))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("Query API listening", zap.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Query API failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("Node started",
		zap.String("environment", cfg.Environment),
		zap.Uint64("max_supply", stakeLedger.MaxSupply()))

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Query API shutdown failed", zap.Error(err))
	}

	return nil
}

// writeOperatorToken drops a fresh operator session token into the data
// directory for the companion tooling to pick up.
func writeOperatorToken(tokens *security.TokenManager, operatorID string) error {
	token, err := tokens.IssueOperatorToken(operatorID)
	if err != nil {
		return err
	}
	path := filepath.Join(*dataDir, "operator.token")
	return os.WriteFile(path, []byte(token), 0o600)
}
