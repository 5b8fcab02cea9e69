// Package fanout broadcasts change signals to any number of subscribers.
package fanout

import "sync"

// Broker fans a change signal out to subscribers. Signals coalesce: a
// subscriber that has not drained its channel sees one pending signal no
// matter how many changes happened, and reads current state on wake-up.
type Broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch. It is safe to call more than once.
func (b *Broker) Unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify signals every subscriber without blocking.
func (b *Broker) Notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Len returns the number of subscribers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
