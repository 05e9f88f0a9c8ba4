// Package event provides the in-process pub/sub bus that lets the
// Sandbox Manager, Egress Proxy, and Session Orchestrator notify each
// other without holding references to one another (§9 "Graph / cycle
// avoidance"). It is adapted from go-opencode's watermill-backed
// event.Bus: watermill's gochannel infrastructure backs the bus, but
// subscriber dispatch stays direct-call so event payloads keep their
// concrete Go types instead of round-tripping through serialization.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies the shape of an Event's Data field.
type Type string

const (
	SessionCreated        Type = "session.created"
	SessionDeleted        Type = "session.deleted"
	RuleActivated         Type = "rule.activated"
	ApprovalRequested     Type = "approval.requested"
	ApprovalResolved      Type = "approval.resolved"
	ProxyApprovalRequired Type = "proxy_approval.required"
	ProxyApprovalResolved Type = "proxy_approval.resolved"
	ContainerCreated      Type = "container.created"
	ContainerEvicted      Type = "container.evicted"
)

// Event is one notification carried on the bus.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives published events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus. A process constructs exactly one during
// startup (§9 "Global state") and shares it across the Sandbox
// Manager, Proxy, and Orchestrator.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context
}

// New creates an event bus. Unlike go-opencode's package-level
// default bus, Carapace always constructs and wires one explicitly as
// part of its strict init order.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[Type][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one event type. The returned func
// unsubscribes it.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish dispatches an event to every matching subscriber in its own
// goroutine, never blocking the caller.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.collect(ev.Type)
	b.mu.RUnlock()

	for _, sub := range subs {
		go sub(ev)
	}
}

// PublishSync dispatches an event to every matching subscriber on the
// calling goroutine, in registration order, so every subscriber has
// observed the event before the call returns.
func (b *Bus) PublishSync(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.collect(ev.Type)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Close shuts down the bus; further Publish calls are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
