// Package pubsub provides in-process typed broadcast channels.
//
// A Broadcaster has one producer and any number of subscribers. Only
// subscribers present at publish time receive a value; nothing is buffered
// for late subscribers. A Value additionally remembers the latest value and
// hands it to each new subscriber, which is how live collections are exposed.
package pubsub

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

// Broadcaster fans values out to callback and channel subscribers.
// The zero value is ready to use.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	funcs  map[uint64]func(T)
	chans  map[uint64]chan T
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster that logs recovered subscriber panics to logger.
func NewBroadcaster[T any](logger *slog.Logger) *Broadcaster[T] {
	return &Broadcaster[T]{logger: logger}
}

// Subscribe registers fn to be called synchronously, in publish order, for
// every subsequent value. The returned function unsubscribes and is safe to
// call more than once.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.funcs == nil {
		b.funcs = make(map[uint64]func(T))
	}
	id := b.nextID
	b.nextID++
	b.funcs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.funcs, id)
			b.mu.Unlock()
		})
	}
}

// Channel registers a buffered channel subscriber. Delivery never blocks the
// producer: if the channel is full the value is dropped for that subscriber.
// The returned function unsubscribes and closes the channel.
func (b *Broadcaster[T]) Channel(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.chans == nil {
		b.chans = make(map[uint64]chan T)
	}
	id := b.nextID
	b.nextID++
	b.chans[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.chans, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers v to every current subscriber. A panicking callback is
// recovered and logged so the remaining subscribers still receive v.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.funcs))
	for id := range b.funcs {
		ids = append(ids, id)
	}
	funcs := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		funcs = append(funcs, b.funcs[id])
	}
	for _, ch := range b.chans {
		select {
		case ch <- v:
		default:
			// Channel full - drop, do NOT block
		}
	}
	b.mu.RUnlock()

	for _, fn := range funcs {
		b.deliver(fn, v)
	}
}

// Len reports the number of active subscribers of both kinds.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.funcs) + len(b.chans)
}

func (b *Broadcaster[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger := b.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("subscriber panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(v)
}

// Value is a Broadcaster that holds the most recently published value.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	b       Broadcaster[T]
}

// NewValue creates a live value starting at initial.
func NewValue[T any](initial T, logger *slog.Logger) *Value[T] {
	return &Value[T]{current: initial, b: Broadcaster[T]{logger: logger}}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores x and publishes it to subscribers.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	v.current = x
	v.mu.Unlock()
	v.b.Publish(x)
}

// Subscribe calls fn with the current value immediately and then with every
// later value.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	unsubscribe = v.b.Subscribe(fn)
	v.b.deliver(fn, v.Get())
	return unsubscribe
}
