package client

import (
	"encoding/json"
	"sync"
)

// Notification is a server-initiated event forwarded through the client,
// stamped with the name of the server it came from.
type Notification struct {
	Server string
	Method string
	Params json.RawMessage
}

// NotificationHandler receives notifications from any aggregated server.
type NotificationHandler func(Notification)

// notificationBus fans notifications out to subscribers on its own
// goroutine so transport readers never block on a slow handler.
type notificationBus struct {
	mu       sync.RWMutex
	handlers []NotificationHandler
	ch       chan Notification
	done     chan struct{}
	once     sync.Once
}

func newNotificationBus() *notificationBus {
	b := &notificationBus{
		ch:   make(chan Notification, 100),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *notificationBus) run() {
	for {
		select {
		case n := <-b.ch:
			b.dispatch(n)
		case <-b.done:
			return
		}
	}
}

func (b *notificationBus) dispatch(n Notification) {
	b.mu.RLock()
	handlers := make([]NotificationHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(n)
		}
	}
}

// subscribe registers a handler and returns its unsubscribe function.
func (b *notificationBus) subscribe(h NotificationHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Mark as nil rather than removing to preserve indices.
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// publish queues a notification without blocking. Events are dropped if the
// buffer is full.
func (b *notificationBus) publish(n Notification) {
	select {
	case b.ch <- n:
	default:
	}
}

func (b *notificationBus) close() {
	b.once.Do(func() { close(b.done) })
}
