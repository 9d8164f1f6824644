package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dagshield/pkg/config"
	"dagshield/pkg/data"
)

type stubSource struct {
	relays []*data.RelayRecord
}

func (s *stubSource) PendingRelays() []*data.RelayRecord {
	return s.relays
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Enabled:       true,
		ListenAddrs:   []string{"/ip4/127.0.0.1/tcp/0"},
		Topic:         "dagshield-relay-test",
		PublishExpiry: time.Minute,
	}
}

func newTestPublisher(t *testing.T, source RelaySource) *Publisher {
	t.Helper()
	p, err := NewPublisher(context.Background(), testRelayConfig(), source, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewPublisherRejectsBadAddr(t *testing.T) {
	cfg := testRelayConfig()
	cfg.ListenAddrs = []string{"not-a-multiaddr"}
	_, err := NewPublisher(context.Background(), cfg, &stubSource{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestPublishPending(t *testing.T) {
	ctx := context.Background()

	relayA, err := data.NewRelayRecord("dagshield", "ledger-a", "alert-1", []byte(`{}`))
	require.NoError(t, err)
	relayB, err := data.NewRelayRecord("dagshield", "ledger-b", "alert-1", []byte(`{}`))
	require.NoError(t, err)
	source := &stubSource{relays: []*data.RelayRecord{relayA, relayB}}

	p := newTestPublisher(t, source)
	assert.Equal(t, 2, p.PublishPending(ctx))

	// within the expiry window nothing is re-published
	assert.Equal(t, 0, p.PublishPending(ctx))

	// a delivered record drops out of the pending set entirely
	relayA.MarkDelivered()
	source.relays = []*data.RelayRecord{relayB}
	p.mu.Lock()
	p.lastPublished[relayB.ID] = time.Now().UTC().Add(-2 * time.Minute)
	p.mu.Unlock()
	assert.Equal(t, 1, p.PublishPending(ctx))
}

func TestPublisherIdentity(t *testing.T) {
	p := newTestPublisher(t, &stubSource{})
	assert.NotEmpty(t, p.PeerID())
	assert.NotEmpty(t, p.Addrs())
}
