// Package eventbus is the typed in-process pub/sub bus that connects demo
// sessions to the rest of the service.
//
// It replaces ad-hoc global broadcasts: a refund request, a resolved
// transaction or a completed demo is published once and every interested
// component (other sessions, the realtime hub, an external broker) subscribes
// to the event type it cares about.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	TypeRefundRequested     Type = "refund.requested"
	TypeTransactionBegun    Type = "transaction.begun"
	TypeTransactionResolved Type = "transaction.resolved"
	TypeStepAdvanced        Type = "step.advanced"
	TypeDemoCompleted       Type = "demo.completed"
	TypeSessionReset        Type = "session.reset"
	TypeSessionClosed       Type = "session.closed"
)

// Event is one message on the bus.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	SessionID  string                 `json:"sessionId,omitempty"`
	DemoID     string                 `json:"demoId,omitempty"`
	WalletAddr string                 `json:"walletAddress,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, e Event)

// Forwarder mirrors events to an external system.
type Forwarder interface {
	Forward(ctx context.Context, e Event) error
}

type subscription struct {
	id uint64
	h  Handler
}

// Bus is a typed publish/subscribe bus. The zero value is not usable; call New.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Type][]subscription
	all        []subscription
	next       uint64
	forwarders []Forwarder
	logger     *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Type][]subscription),
		logger: logger,
	}
}

// AddForwarder registers a forwarder that receives every published event.
func (b *Bus) AddForwarder(f Forwarder) {
	b.mu.Lock()
	b.forwarders = append(b.forwarders, f)
	b.mu.Unlock()
}

// Subscribe registers h for events of type t. The returned function removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[t] = append(b.subs[t], subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[t] = remove(b.subs[t], id)
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.all = append(b.all, subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers e to every matching subscriber, then to the forwarders.
// ID and Timestamp are filled in when empty. Subscriber panics are recovered
// and logged so one faulty listener cannot break the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Type])+len(b.all))
	for _, s := range b.subs[e.Type] {
		handlers = append(handlers, s.h)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.h)
	}
	forwarders := make([]Forwarder, len(b.forwarders))
	copy(forwarders, b.forwarders)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, e)
	}
	for _, f := range forwarders {
		if err := f.Forward(ctx, e); err != nil {
			b.logger.Warn("event forward failed", "type", e.Type, "error", err)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler", "type", e.Type, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, e)
}
