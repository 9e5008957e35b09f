// Package notify holds the single, auto-expiring status message shown to the
// operator.
package notify

import (
	"sync"
	"time"
)

// DefaultTTL is how long a notification stays visible.
const DefaultTTL = 3 * time.Second

type Notification struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Listener is called on every change. active is false when the
// notification expired or was cleared.
type Listener func(n Notification, active bool)

// Channel holds at most one live notification. Publishing replaces the
// current one and restarts the expiry timer.
type Channel struct {
	mu      sync.Mutex
	ttl     time.Duration
	current *Notification
	timer   *time.Timer
	seq     uint64

	listeners map[int]Listener
	nextID    int
}

func NewChannel(ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Channel{ttl: ttl, listeners: make(map[int]Listener)}
}

func (c *Channel) TTL() time.Duration { return c.ttl }

func (c *Channel) Publish(message string) Notification {
	n := Notification{Message: message, CreatedAt: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked()
	c.seq++
	seq := c.seq
	c.current = &n
	c.timer = time.AfterFunc(c.ttl, func() { c.expire(seq) })
	c.notifyLocked(n, true)
	return n
}

func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// Current returns the live notification, if any.
func (c *Channel) Current() (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Notification{}, false
	}
	return *c.current, true
}

// Subscribe registers l for every change. Listeners run with the channel
// locked and must not call back into it.
func (c *Channel) Subscribe(l Listener) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Channel) expire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return
	}
	c.dropLocked()
}

func (c *Channel) dropLocked() {
	c.stopTimerLocked()
	c.seq++
	if c.current == nil {
		return
	}
	old := *c.current
	c.current = nil
	c.notifyLocked(old, false)
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) notifyLocked(n Notification, active bool) {
	for _, l := range c.listeners {
		l(n, active)
	}
}
