// Package events is the in-process publish/subscribe bus for queue and network
// lifecycle notifications.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/models"
)

// Kind enumerates the events the bus carries
type Kind int

const (
	OperationAdded Kind = iota + 1
	OperationUpdated
	OperationCompleted
	OperationFailed
	QueueProcessingStarted
	QueueProcessingCompleted
	NetworkStatusChanged
	ProductReconciled
)

var kindNames = map[Kind]string{
	OperationAdded:           "operationAdded",
	OperationUpdated:         "operationUpdated",
	OperationCompleted:       "operationCompleted",
	OperationFailed:          "operationFailed",
	QueueProcessingStarted:   "queueProcessingStarted",
	QueueProcessingCompleted: "queueProcessingCompleted",
	NetworkStatusChanged:     "networkStatusChanged",
	ProductReconciled:        "productReconciled",
}

// String returns the wire name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind from its name
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Event is one notification. Only the fields relevant to the kind are set.
type Event struct {
	Kind      Kind                    `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Operation *models.QueuedOperation `json:"operation,omitempty"`

	// Online is set for NetworkStatusChanged
	Online *bool `json:"online,omitempty"`

	// Completed is the count of operations completed by the pass (QueueProcessingCompleted)
	Completed int `json:"completed,omitempty"`

	// ProvisionalID and Product are set for ProductReconciled
	ProvisionalID string          `json:"provisionalId,omitempty"`
	Product       *models.Product `json:"product,omitempty"`
}

// Handler receives events. A returned error is logged.
type Handler func(Event) error

// Subscription identifies a registered handler
type Subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Kind returns the kind the subscription listens to
func (s *Subscription) Kind() Kind { return s.kind }

// Publisher is the part of the bus producers depend on
type Publisher interface {
	Publish(Event)
}

// Bus dispatches events synchronously, in subscription order
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*Subscription
	nextID uint64
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]*Subscription),
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// Subscribe registers handler for kind
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, kind: kind, handler: handler}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// SubscribeAll registers handler for every kind and returns the subscriptions
func (b *Bus) SubscribeAll(handler Handler) []*Subscription {
	subs := make([]*Subscription, 0, len(kindNames))
	for k := OperationAdded; k <= ProductReconciled; k++ {
		subs = append(subs, b.Subscribe(k, handler))
	}
	return subs
}

// Unsubscribe removes sub. It reports whether the subscription was registered.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event to the handlers of its kind. Handler errors and panics
// are logged and do not stop later handlers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subs[event.Kind]))
	copy(handlers, b.subs[event.Kind])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Failure(b.logger,
				apperrors.Newf(apperrors.KindInternal, "event handler panic: %v", r),
				"event handler failed", slog.String("event", event.Kind.String()))
		}
	}()
	if err := sub.handler(event); err != nil {
		logging.Failure(b.logger, err, "event handler failed", slog.String("event", event.Kind.String()))
	}
}
