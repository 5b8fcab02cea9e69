package drag

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSourceClosed is returned when sending to a closed source.
var ErrSourceClosed = errors.New("gesture source closed")

// PointerKind is a raw input primitive.
type PointerKind string

const (
	PointerDown   PointerKind = "down"
	PointerMove   PointerKind = "move"
	PointerUp     PointerKind = "up"
	PointerCancel PointerKind = "cancel"
)

// Valid reports whether k is a known primitive.
func (k PointerKind) Valid() bool {
	switch k {
	case PointerDown, PointerMove, PointerUp, PointerCancel:
		return true
	}
	return false
}

// PointerEvent is what an input layer reports. Down carries the pressed
// item, the grouping it is shown in and the region it belongs to; Move
// carries the target under the pointer.
type PointerEvent struct {
	Kind     PointerKind `json:"kind"`
	Grouping string      `json:"grouping,omitempty"`
	ItemID   string      `json:"itemId,omitempty"`
	Origin   string      `json:"origin,omitempty"`
	Target   string      `json:"target,omitempty"`
}

// GestureSource delivers pointer events. The channel is closed when the
// source shuts down.
type GestureSource interface {
	Events() <-chan PointerEvent
}

// Handler reacts to the gesture lifecycle.
type Handler interface {
	BeginDrag(ctx context.Context, grouping, itemID, origin string) error
	HoverDrag(ctx context.Context, target string) error
	EndDrag(ctx context.Context) error
	CancelDrag(ctx context.Context)
}

// Dispatch routes one event to h.
func Dispatch(ctx context.Context, h Handler, ev PointerEvent) error {
	switch ev.Kind {
	case PointerDown:
		return h.BeginDrag(ctx, ev.Grouping, ev.ItemID, ev.Origin)
	case PointerMove:
		return h.HoverDrag(ctx, ev.Target)
	case PointerUp:
		return h.EndDrag(ctx)
	case PointerCancel:
		h.CancelDrag(ctx)
		return nil
	}
	return fmt.Errorf("unknown pointer event %q", ev.Kind)
}

// Pump feeds events from src to h until ctx is done or the source closes.
// Handler errors are passed to onErr and do not stop the loop.
func Pump(ctx context.Context, src GestureSource, h Handler, onErr func(PointerEvent, error)) {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := Dispatch(ctx, h, ev); err != nil && onErr != nil {
				onErr(ev, err)
			}
		}
	}
}

// ChanSource is a GestureSource backed by a buffered channel. It is safe
// to Close while senders are blocked.
type ChanSource struct {
	mu   sync.RWMutex
	ch   chan PointerEvent
	done chan struct{}
	once sync.Once
}

// NewChanSource creates a source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan PointerEvent, buffer), done: make(chan struct{})}
}

// Events implements GestureSource.
func (s *ChanSource) Events() <-chan PointerEvent { return s.ch }

// Send queues an event, giving up when ctx is done or the source closes.
func (s *ChanSource) Send(ctx context.Context, ev PointerEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the source. Queued events are still delivered.
func (s *ChanSource) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
