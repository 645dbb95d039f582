package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(testLogger())

	var order []string
	bus.Subscribe(func(upd protocol.Update) { order = append(order, "a:"+upd.Message) })
	bus.Subscribe(func(upd protocol.Update) { order = append(order, "b:"+upd.Message) })

	bus.Publish(protocol.Update{Type: protocol.UpdateStatus, Message: "1"})
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus, Message: "2"})

	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, order)
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus(testLogger())

	var got protocol.Update
	bus.Subscribe(func(upd protocol.Update) { got = upd })
	bus.Publish(protocol.Update{Type: protocol.UpdateError, Message: "boom"})

	assert.False(t, got.Timestamp.IsZero())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	unsubscribe := bus.Subscribe(func(protocol.Update) { count++ })
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus})

	unsubscribe()
	unsubscribe()
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.Len())
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(testLogger())

	delivered := false
	bus.Subscribe(func(protocol.Update) { panic("bad subscriber") })
	bus.Subscribe(func(protocol.Update) { delivered = true })

	require.NotPanics(t, func() {
		bus.Publish(protocol.Update{Type: protocol.UpdateStatus})
	})
	assert.True(t, delivered)
}

func TestBusChannelSubscription(t *testing.T) {
	bus := NewBus(testLogger())

	ch, unsubscribe := bus.SubscribeChan(2)
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus, Message: "1"})
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus, Message: "2"})
	bus.Publish(protocol.Update{Type: protocol.UpdateStatus, Message: "dropped"})

	assert.Equal(t, "1", (<-ch).Message)
	assert.Equal(t, "2", (<-ch).Message)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	require.NotPanics(t, func() {
		bus.Publish(protocol.Update{Type: protocol.UpdateStatus})
	})
}
