// Package drag tracks the lifecycle of a single drag gesture.
//
// A Coordinator is either Idle or Dragging. Any consumer may read the
// current session or subscribe to changes, so regions that did not start
// the drag can still react to it (for example a drop zone that only
// appears while something is dragged out of the docket panel).
package drag

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"docket/domain"
	"docket/fanout"
)

var (
	// ErrAlreadyDragging is returned by Start while a session is live.
	ErrAlreadyDragging = errors.New("drag already in progress")
	// ErrNotDragging is returned by Hover and Drop while idle.
	ErrNotDragging = errors.New("no drag in progress")
)

// State is the coordinator state.
type State int

const (
	Idle State = iota
	Dragging
)

func (s State) String() string {
	if s == Dragging {
		return "dragging"
	}
	return "idle"
}

// Hover is the current drop candidate under the pointer.
type Hover struct {
	Target   string `json:"target"`
	Category string `json:"category,omitempty"`
	Index    int    `json:"index"`
	Zone     string `json:"zone,omitempty"`
	Valid    bool   `json:"valid"`
}

// Session is a live drag.
type Session struct {
	ID        string      `json:"id"`
	Grouping  string      `json:"grouping"`
	Item      domain.Item `json:"item"`
	Origin    string      `json:"origin"`
	Hover     Hover       `json:"hover"`
	StartedAt time.Time   `json:"startedAt"`
}

// Outcome tells how the last session ended.
type Outcome string

const (
	OutcomeDropped   Outcome = "dropped"
	OutcomeCancelled Outcome = "cancelled"
)

// Coordinator owns at most one drag session.
type Coordinator struct {
	mu      sync.Mutex
	session *Session
	last    Outcome
	broker  *fanout.Broker
	now     func() time.Time
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{broker: fanout.New(), now: time.Now}
}

// Start begins a drag of item from origin within the named grouping.
func (c *Coordinator) Start(grouping string, item domain.Item, origin string) (Session, error) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return Session{}, ErrAlreadyDragging
	}
	s := &Session{
		ID:        uuid.NewString(),
		Grouping:  grouping,
		Item:      item,
		Origin:    origin,
		StartedAt: c.now(),
	}
	c.session = s
	out := *s
	c.mu.Unlock()

	c.broker.Notify()
	return out, nil
}

// Hover records the drop candidate under the pointer.
func (c *Coordinator) Hover(h Hover) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNotDragging
	}
	if c.session.Hover == h {
		c.mu.Unlock()
		return nil
	}
	c.session.Hover = h
	c.mu.Unlock()

	c.broker.Notify()
	return nil
}

// Drop ends the session and returns it for reconciliation.
func (c *Coordinator) Drop() (Session, error) {
	return c.end(OutcomeDropped)
}

// Cancel ends the session without side effects. It reports whether a
// session was live.
func (c *Coordinator) Cancel() bool {
	_, err := c.end(OutcomeCancelled)
	return err == nil
}

func (c *Coordinator) end(outcome Outcome) (Session, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return Session{}, ErrNotDragging
	}
	s := *c.session
	c.session = nil
	c.last = outcome
	c.mu.Unlock()

	c.broker.Notify()
	return s, nil
}

// State returns Idle or Dragging.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return Dragging
	}
	return Idle
}

// Snapshot returns a copy of the live session, if any.
func (c *Coordinator) Snapshot() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// DraggingFrom reports whether a drag started at origin is live.
func (c *Coordinator) DraggingFrom(origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.Origin == origin
}

// LastOutcome reports how the most recent session ended.
func (c *Coordinator) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Subscribe returns a channel signalled on every state change and a
// function that releases it.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := c.broker.Subscribe()
	return ch, func() { c.broker.Unsubscribe(ch) }
}
