package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var calls []string

	bus.Subscribe(OperationAdded, func(Event) error { calls = append(calls, "first"); return nil })
	bus.Subscribe(OperationAdded, func(Event) error { calls = append(calls, "second"); return nil })
	bus.Subscribe(OperationFailed, func(Event) error { calls = append(calls, "other"); return nil })

	bus.Publish(Event{Kind: OperationAdded})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestFailingHandlersDoNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	reached := 0

	bus.Subscribe(NetworkStatusChanged, func(Event) error { return errors.New("boom") })
	bus.Subscribe(NetworkStatusChanged, func(Event) error { panic("handler bug") })
	bus.Subscribe(NetworkStatusChanged, func(Event) error { reached++; return nil })

	assert.NotPanics(t, func() { bus.Publish(Event{Kind: NetworkStatusChanged}) })
	assert.Equal(t, 1, reached)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	count := 0
	sub := bus.Subscribe(OperationCompleted, func(Event) error { count++; return nil })

	bus.Publish(Event{Kind: OperationCompleted})
	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub))
	bus.Publish(Event{Kind: OperationCompleted})

	assert.Equal(t, 1, count)
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(QueueProcessingStarted, func(e Event) error { got = e; return nil })

	bus.Publish(Event{Kind: QueueProcessingStarted})
	assert.False(t, got.Timestamp.IsZero())
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(nil)
	var kinds []Kind
	subs := bus.SubscribeAll(func(e Event) error { kinds = append(kinds, e.Kind); return nil })
	assert.Len(t, subs, len(kindNames))

	bus.Publish(Event{Kind: OperationAdded})
	bus.Publish(Event{Kind: ProductReconciled})
	assert.Equal(t, []Kind{OperationAdded, ProductReconciled}, kinds)
}

func TestKindEncoding(t *testing.T) {
	online := true
	data, err := json.Marshal(Event{Kind: NetworkStatusChanged, Online: &online})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"networkStatusChanged"`)
	assert.Contains(t, string(data), `"online":true`)

	_, err = json.Marshal(Event{Kind: Kind(99)})
	assert.Error(t, err)
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
