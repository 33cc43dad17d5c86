// Package status holds a single transient, human readable status message which clears itself
// after a fixed decay.
package status

import (
	"sync"
	"time"
)

// DefaultDecay is how long a message stays visible unless replaced.
const DefaultDecay = 4 * time.Second

// Channel is a lossy single slot. Setting a message replaces the previous one and restarts the
// decay; nothing is queued. Readers observe the latest value or nothing.
type Channel struct {
	decay time.Duration

	mu      sync.Mutex
	msg     string
	present bool
	gen     uint64
	timer   *time.Timer
	closed  bool

	subs map[chan string]struct{}
}

func NewChannel(decay time.Duration) *Channel {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Channel{
		decay: decay,
		subs:  make(map[chan string]struct{}),
	}
}

// Set replaces the current message and starts a fresh decay timer. The previous timer, if
// still pending, is cancelled so it can never clear the new message.
func (c *Channel) Set(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.msg = msg
	c.present = true
	c.timer = time.AfterFunc(c.decay, func() {
		c.expire(gen)
	})
	c.notify(msg)
}

func (c *Channel) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a Set which raced with this timer firing owns the slot now
	if gen != c.gen || c.closed {
		return
	}
	c.msg = ""
	c.present = false
	c.timer = nil
	c.notify("")
}

// Message returns the current message, if any.
func (c *Channel) Message() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg, c.present
}

// Clear empties the slot immediately and cancels any pending decay.
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	if c.present {
		c.present = false
		c.msg = ""
		c.notify("")
	}
}

// Subscribe returns a channel which receives every change of the slot, "" meaning cleared.
// Slow subscribers miss intermediate values rather than block the setter. Call the returned
// func to unsubscribe.
func (c *Channel) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// notify must be called with mu held.
func (c *Channel) notify(msg string) {
	for ch := range c.subs {
		select {
		case ch <- msg:
		default:
			// drop the stale value so the latest one wins
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// Close stops the decay timer and closes all subscriptions. Further Sets are ignored.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.msg = ""
	c.present = false
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

// Handle is a cheap, copyable setter for components which may only publish.
type Handle struct {
	c *Channel
}

func (c *Channel) Handle() Handle {
	return Handle{c: c}
}

func (h Handle) Set(msg string) {
	if h.c != nil {
		h.c.Set(msg)
	}
}
