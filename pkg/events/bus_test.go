package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAppendAndHistory(t *testing.T) {
	bus := NewBus(zap.NewNop())

	evt := bus.Append(KindNodeRegistered, "node-1", map[string]string{"owner": "alice"})
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, KindNodeRegistered, evt.Kind)

	bus.Append(KindStakeDeposited, "alice", nil)
	assert.Equal(t, 2, bus.Len())

	history := bus.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "node-1", history[0].Subject)

	assert.Len(t, bus.History(1), 1)
	assert.Len(t, bus.History(99), 2) // out-of-range offsets fall back to the full log
}

func TestSubscribeFanOut(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch := bus.Subscribe(4)

	bus.Append(KindThreatDetected, "0xdeadbeef", nil)

	select {
	case evt := <-ch:
		assert.Equal(t, KindThreatDetected, evt.Kind)
		assert.Equal(t, "0xdeadbeef", evt.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscription channel")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch := bus.Subscribe(1)

	// second append overflows the buffer; Append must still return
	bus.Append(KindRewardsIssued, "alice", nil)
	bus.Append(KindRewardsIssued, "bob", nil)

	assert.Equal(t, 2, bus.Len())

	// the subscriber still gets the first event and can catch up from
	// History for the dropped one
	evt := <-ch
	assert.Equal(t, "alice", evt.Subject)
	assert.Len(t, bus.History(0), 2)
}
