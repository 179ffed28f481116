package media

import (
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionID identifies a handler registered on a Channel
type SubscriptionID string

type subscriber[T any] struct {
	id      SubscriptionID
	handler func(T)
}

// Channel is a synchronous one-to-many publisher for a single kind of value.
// Handlers are called on the emitting goroutine in registration order.
// Nothing is buffered or replayed to late subscribers.
type Channel[T any] struct {
	name   string
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	subs []subscriber[T]
}

// Subscribe registers handler for every future Emit until Unsubscribe
func (c *Channel[T]) Subscribe(handler func(T)) SubscriptionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := SubscriptionID(uuid.NewString())
	c.subs = append(c.subs, subscriber[T]{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler. Returns false if id was not registered.
func (c *Channel[T]) Unsubscribe(id SubscriptionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subs {
		if sub.id == id {
			// copy so that an Emit iterating the old slice is unaffected
			subs := make([]subscriber[T], 0, len(c.subs)-1)
			subs = append(subs, c.subs[:i]...)
			c.subs = append(subs, c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers v to every handler. A panicking handler is logged and
// skipped; the remaining handlers still run.
func (c *Channel[T]) Emit(v T) {
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()

	for _, sub := range subs {
		c.safeCall(sub.handler, v)
	}
}

// Len returns the number of registered handlers
func (c *Channel[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Channel[T]) safeCall(handler func(T), v T) {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Errorw("notification handler panicked",
				"channel", c.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(v)
}

// Notifier carries the three notification channels exposed to presentation code
type Notifier struct {
	// Sessions receives one delta per reconciliation pass
	Sessions Channel[SessionDelta]

	// Metadata receives only the application identity; call Facade.FetchMetadata for details
	Metadata Channel[AppID]

	// Playback receives the full, already cached playback state
	Playback Channel[PlaybackState]
}

// NewNotifier creates a notifier whose channels log handler panics to logger
func NewNotifier(logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Notifier{}
	n.Sessions.name, n.Sessions.logger = "sessions", logger
	n.Metadata.name, n.Metadata.logger = "metadata", logger
	n.Playback.name, n.Playback.logger = "playback", logger
	return n
}

// Unsubscribe removes id from whichever channel holds it
func (n *Notifier) Unsubscribe(id SubscriptionID) bool {
	return n.Sessions.Unsubscribe(id) || n.Metadata.Unsubscribe(id) || n.Playback.Unsubscribe(id)
}
