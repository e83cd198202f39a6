// Package notify keeps the transient notification feed. Entries expire on
// their own a few seconds after emission, mirroring a toast-style UI.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/domain"
)

// DefaultTTL is how long a notification stays visible before auto-expiry.
const DefaultTTL = 7 * time.Second

// Emitter stores live notifications and fans new ones out to subscribers.
type Emitter struct {
	log *logrus.Logger
	ttl time.Duration

	mu      sync.Mutex
	items   map[string]domain.Notification
	timers  map[string]*time.Timer
	subs    map[int]chan domain.Notification
	nextSub int
	closed  bool
}

// NewEmitter builds an emitter with the given TTL; ttl <= 0 means entries
// never auto-expire (used by tests that inspect the feed).
func NewEmitter(log *logrus.Logger, ttl time.Duration) *Emitter {
	return &Emitter{
		log:    log,
		ttl:    ttl,
		items:  make(map[string]domain.Notification),
		timers: make(map[string]*time.Timer),
		subs:   make(map[int]chan domain.Notification),
	}
}

// Emit appends a notification at the given level and returns it.
func (e *Emitter) Emit(level, message string) domain.Notification {
	n := domain.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Level:     level,
		Timestamp: time.Now().UnixMilli(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return n
	}
	e.items[n.ID] = n
	if e.ttl > 0 {
		id := n.ID
		e.timers[id] = time.AfterFunc(e.ttl, func() { e.Remove(id) })
	}
	for _, sub := range e.subs {
		select {
		case sub <- n:
		default:
		}
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"level": level, "id": n.ID}).Debug(message)
	return n
}

// List returns live notifications, newest first.
func (e *Emitter) List() []domain.Notification {
	e.mu.Lock()
	out := make([]domain.Notification, 0, len(e.items))
	for _, n := range e.items {
		out = append(out, n)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// Remove dismisses a notification. Unknown ids are a no-op.
func (e *Emitter) Remove(id string) {
	e.mu.Lock()
	delete(e.items, id)
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

// MarkRead flags a notification as read without removing it.
func (e *Emitter) MarkRead(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.items[id]
	if !ok {
		return false
	}
	n.Read = true
	e.items[id] = n
	return true
}

// Subscribe returns a channel receiving every future notification and a
// cancel func. A slow subscriber drops messages instead of blocking Emit.
// After Close the returned channel is already closed.
func (e *Emitter) Subscribe(buffer int) (<-chan domain.Notification, func()) {
	if buffer < 1 {
		buffer = 8
	}
	ch := make(chan domain.Notification, buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
}

// Close stops all expiry timers and drops subscribers.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub)
	}
	e.mu.Unlock()
}
