// Package eventbus implements the middleware's two broadcast channels:
// state and event. Each subscriber owns an independent bounded queue so a
// slow or dead consumer can never stall the publisher or another
// subscriber.
package eventbus

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// DropPolicy controls what happens when a publish finds a subscriber's
// queue full.
type DropPolicy int

const (
	// DropOldest removes the single oldest queued item to make room for
	// the new one. This is the default.
	DropOldest DropPolicy = iota
	// DropNewest skips delivery of the new item to this subscriber only.
	DropNewest
	// Block waits for room, applying backpressure to the publisher.
	Block
)

// StatePayload is the free-form mapping published on the state channel.
// Recognized keys: alt, battery, lat, lon. Consumers must tolerate unknown
// or absent keys.
type StatePayload map[string]any

// EventPayload is the free-form mapping published on the event channel.
// Required keys: severity, name, json_ctx.
type EventPayload map[string]any

const (
	SeverityInfo   = 0
	SeverityNotice = 1
	SeverityWarn   = 2
	SeverityError  = 3
)

// DefaultSubscriberSize is used when a subscriber does not specify one.
const DefaultSubscriberSize = 100

// sentinel is delivered to every subscriber queue on shutdown so range-style
// consumers exit their loop naturally instead of blocking forever.
type sentinel struct{}

// Subscription is the handle a caller iterates to receive payloads. It is
// a channel-based pull interface: call
// Next until it reports ok=false (or range over C until it closes).
type Subscription[T any] struct {
	c    chan any
	done chan struct{}
	once sync.Once
}

// Next blocks for the subscription's next payload. ok is false once the bus
// has been shut down and no further payloads will arrive.
func (s *Subscription[T]) Next() (T, bool) {
	var zero T
	item, open := <-s.c
	if !open {
		return zero, false
	}
	if _, isSentinel := item.(sentinel); isSentinel {
		return zero, false
	}
	return item.(T), true
}

// C returns a channel for range-based consumption, fed by a goroutine that
// calls Next. The sentinel is filtered out by Next and the channel is closed
// once Next reports shutdown, so callers can range over C directly without
// special-casing the sentinel type.
func (s *Subscription[T]) C() <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			v, ok := s.Next()
			if !ok {
				return
			}
			out <- v
		}
	}()
	return out
}

type broadcast struct {
	name       string
	logger     hclog.Logger
	dropPolicy DropPolicy

	mu     sync.Mutex
	subs   []chan any
	closed bool
}

func newBroadcast(name string, logger hclog.Logger, policy DropPolicy) *broadcast {
	return &broadcast{
		name:       name,
		logger:     logger.Named(name),
		dropPolicy: policy,
	}
}

func (b *broadcast) register(maxsize int) chan any {
	if maxsize <= 0 {
		maxsize = DefaultSubscriberSize
	}
	q := make(chan any, maxsize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Subscribers registered after shutdown receive only the sentinel.
		q <- sentinel{}
		close(q)
		return q
	}
	b.subs = append(b.subs, q)
	b.logger.Debug("subscribe")
	return q
}

func (b *broadcast) unregister(q chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == q {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *broadcast) publish(item any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]chan any, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	var dead []chan any
	for _, q := range subs {
		if !b.deliver(q, item) {
			dead = append(dead, q)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, d := range dead {
			for i, s := range b.subs {
				if s == d {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
	}
}

// deliver applies the drop policy for one subscriber queue. It returns
// false if the subscriber should be removed (its send path is broken).
func (b *broadcast) deliver(q chan any, item any) bool {
	defer func() {
		// A send on a closed channel (closed concurrently by shutdown)
		// must not crash the publisher; treat it as a dead subscriber.
		_ = recover()
	}()

	select {
	case q <- item:
		return true
	default:
	}

	switch b.dropPolicy {
	case DropOldest:
		select {
		case <-q:
		default:
		}
		select {
		case q <- item:
		default:
			// Raced with another publish/consume; drop silently.
		}
		return true
	case DropNewest:
		return true
	case Block:
		q <- item
		return true
	default:
		return true
	}
}

func (b *broadcast) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.subs {
		select {
		case q <- sentinel{}:
		default:
		}
		// Closing guarantees termination even when a full queue had no
		// room for the sentinel.
		close(q)
	}
	b.logger.Debug("closed")
}

// Bus owns the state and event broadcast channels, each fanning out to an
// independent set of subscribers with its own backpressure policy.
type Bus struct {
	logger hclog.Logger
	state  *broadcast
	event  *broadcast
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithDropPolicy sets the drop policy applied to both channels' subscriber
// queues. Default is DropOldest.
func WithDropPolicy(p DropPolicy) Option {
	return func(b *Bus) {
		b.state.dropPolicy = p
		b.event.dropPolicy = p
	}
}

// New constructs a Bus. logger may be nil, in which case a discarding
// logger is used.
func New(logger hclog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	b := &Bus{
		logger: logger.Named("eventbus"),
	}
	b.state = newBroadcast("state", b.logger, DropOldest)
	b.event = newBroadcast("event", b.logger, DropOldest)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishState fans payload out to every state subscriber.
func (b *Bus) PublishState(payload StatePayload) {
	b.state.publish(payload)
}

// PublishEvent fans payload out to every event subscriber.
func (b *Bus) PublishEvent(payload EventPayload) {
	b.event.publish(payload)
}

// SubscribeState registers a new state subscriber with the given bounded
// queue size (0 uses DefaultSubscriberSize).
func (b *Bus) SubscribeState(maxsize int) *Subscription[StatePayload] {
	q := b.state.register(maxsize)
	return &Subscription[StatePayload]{c: q}
}

// SubscribeEvent registers a new event subscriber with the given bounded
// queue size (0 uses DefaultSubscriberSize).
func (b *Bus) SubscribeEvent(maxsize int) *Subscription[EventPayload] {
	q := b.event.register(maxsize)
	return &Subscription[EventPayload]{c: q}
}

// UnsubscribeState removes a state subscription before shutdown, e.g. when
// a caller is done listening early.
func (b *Bus) UnsubscribeState(sub *Subscription[StatePayload]) {
	b.state.unregister(sub.c)
}

// UnsubscribeEvent removes an event subscription before shutdown.
func (b *Bus) UnsubscribeEvent(sub *Subscription[EventPayload]) {
	b.event.unregister(sub.c)
}

// Shutdown marks both channels closed, puts a terminal sentinel in every
// registered subscriber queue that has room for it, and closes every queue,
// so range-style consumers exit cleanly after draining what is queued. Both
// channels are closed concurrently since neither depends on the other.
func (b *Bus) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.state.shutdown()
		return nil
	})
	g.Go(func() error {
		b.event.shutdown()
		return nil
	})
	return g.Wait()
}
