// Package notify holds short-lived user notifications.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docket/fanout"
)

// DefaultDuration is how long a toast stays visible unless told otherwise.
const DefaultDuration = 5000 * time.Millisecond

// Kind is the toast severity.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Toast is a transient message. ActionID references an undo entry the
// user can revert from the toast.
type Toast struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Kind      Kind      `json:"kind"`
	ActionID  string    `json:"actionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options tune a single toast.
type Options struct {
	Kind     Kind
	ActionID string
	Duration time.Duration
}

// Center keeps the active toasts and expires them.
type Center struct {
	mu       sync.Mutex
	toasts   map[string]*entry
	duration time.Duration
	broker   *fanout.Broker
	now      func() time.Time
}

type entry struct {
	toast Toast
	timer *time.Timer
}

// NewCenter creates a Center. A non-positive duration selects
// DefaultDuration.
func NewCenter(duration time.Duration) *Center {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Center{
		toasts:   make(map[string]*entry),
		duration: duration,
		broker:   fanout.New(),
		now:      time.Now,
	}
}

// Show adds a toast and returns it.
func (c *Center) Show(message string, opts Options) Toast {
	d := opts.Duration
	if d <= 0 {
		d = c.duration
	}
	kind := opts.Kind
	if kind == "" {
		kind = KindInfo
	}
	now := c.now()
	t := Toast{
		ID:        uuid.NewString(),
		Message:   message,
		Kind:      kind,
		ActionID:  opts.ActionID,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
	}

	c.mu.Lock()
	e := &entry{toast: t}
	e.timer = time.AfterFunc(d, func() { c.Dismiss(t.ID) })
	c.toasts[t.ID] = e
	c.mu.Unlock()

	c.broker.Notify()
	return t
}

// Dismiss removes a toast. It reports whether the toast was still active.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	e, ok := c.toasts[id]
	if ok {
		e.timer.Stop()
		delete(c.toasts, id)
	}
	c.mu.Unlock()

	if ok {
		c.broker.Notify()
	}
	return ok
}

// DismissAction removes every toast referencing the undo entry id.
func (c *Center) DismissAction(actionID string) int {
	if actionID == "" {
		return 0
	}
	c.mu.Lock()
	n := 0
	for id, e := range c.toasts {
		if e.toast.ActionID == actionID {
			e.timer.Stop()
			delete(c.toasts, id)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.broker.Notify()
	}
	return n
}

// Active returns the visible toasts, oldest first.
func (c *Center) Active() []Toast {
	c.mu.Lock()
	out := make([]Toast, 0, len(c.toasts))
	for _, e := range c.toasts {
		out = append(out, e.toast)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe returns a channel signalled whenever the active set changes.
func (c *Center) Subscribe() (<-chan struct{}, func()) {
	ch := c.broker.Subscribe()
	return ch, func() { c.broker.Unsubscribe(ch) }
}

// Close stops all pending expiry timers.
func (c *Center) Close() {
	c.mu.Lock()
	for id, e := range c.toasts {
		e.timer.Stop()
		delete(c.toasts, id)
	}
	c.mu.Unlock()
}
