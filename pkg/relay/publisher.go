// Package relay publishes pending relay records onto a gossip topic, where
// external relay agents pick them up for delivery to the target ledgers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
)

// RelaySource lists the relay records still awaiting delivery.
type RelaySource interface {
	PendingRelays() []*data.RelayRecord
}

// Publisher owns the libp2p host and the relay gossip topic. Records are
// re-published until their fulfillment callback arrives, throttled by the
// publish expiry window.
type Publisher struct {
	cfg    config.RelayConfig
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	source RelaySource

	lastPublished map[string]time.Time

	logger *zap.Logger
	mu     sync.Mutex
}

// NewPublisher creates the relay transport and joins the configured topic.
func NewPublisher(ctx context.Context, cfg config.RelayConfig, source RelaySource, logger *zap.Logger) (*Publisher, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing listen address %q: %w", addr, err)
		}
		addrs = append(addrs, maddr)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(addrs...))
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating pubsub: %w", err)
	}

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("joining topic %q: %w", cfg.Topic, err)
	}

	logger.Info("Relay publisher started",
		zap.String("peer_id", h.ID().String()),
		zap.String("topic", cfg.Topic))

	return &Publisher{
		cfg:           cfg,
		host:          h,
		pubsub:        ps,
		topic:         topic,
		source:        source,
		lastPublished: make(map[string]time.Time),
		logger:        logger,
	}, nil
}

// PublishPending pushes every undelivered relay record onto the topic,
// skipping records published within the expiry window. Returns the number
// of records published.
func (p *Publisher) PublishPending(ctx context.Context) int {
	pending := p.source.PendingRelays()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	published := 0
	for _, relay := range pending {
		if last, seen := p.lastPublished[relay.ID]; seen && now.Sub(last) < p.cfg.PublishExpiry {
			continue
		}

		payload, err := json.Marshal(relay)
		if err != nil {
			p.logger.Error("Failed to encode relay record",
				zap.String("relay_id", relay.ID), zap.Error(err))
			continue
		}
		if err := p.topic.Publish(ctx, payload); err != nil {
			p.logger.Warn("Failed to publish relay record",
				zap.String("relay_id", relay.ID), zap.Error(err))
			continue
		}

		p.lastPublished[relay.ID] = now
		published++
	}

	if published > 0 {
		p.logger.Info("Relay records published",
			zap.Int("published", published),
			zap.Int("pending", len(pending)))
	}
	return published
}

// Sweep runs one publication pass. Satisfies the scheduler's sweeper shape.
func (p *Publisher) Sweep(ctx context.Context) int {
	return p.PublishPending(ctx)
}

// PeerID returns the host identity on the gossip network.
func (p *Publisher) PeerID() string {
	return p.host.ID().String()
}

// Addrs returns the listen addresses of the relay transport.
func (p *Publisher) Addrs() []multiaddr.Multiaddr {
	return p.host.Addrs()
}

// Close tears down the topic and the underlying host.
func (p *Publisher) Close() error {
	if err := p.topic.Close(); err != nil {
		p.logger.Warn("Failed to close relay topic", zap.Error(err))
	}
	return p.host.Close()
}
