package notify

import "sync"

// Notifier hands out one completion channel per ticket. The releasing side
// closes exactly the channel of the ticket that became the queue head, so no
// waiter ever has to filter broadcast events by id.
type Notifier struct {
	mu      sync.Mutex
	waiters map[uint64]chan struct{}
	closed  bool
}

// New returns a new Notifier.
func New() *Notifier {
	return &Notifier{waiters: make(map[uint64]chan struct{})}
}

// Await registers ticket and returns the channel closed when the ticket is
// completed. Calling Await again for the same ticket returns the same
// channel. After Close the returned channel is already closed.
func (n *Notifier) Await(ticket uint64) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := n.waiters[ticket]
	if !ok {
		ch = make(chan struct{})
		n.waiters[ticket] = ch
	}
	return ch
}

// Complete wakes the waiter registered for ticket. It is a no-op if no
// waiter is registered for that ticket.
func (n *Notifier) Complete(ticket uint64) {
	n.mu.Lock()
	ch, ok := n.waiters[ticket]
	if ok {
		delete(n.waiters, ticket)
	}
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Pending reports how many tickets currently have a registered waiter.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}

// Close wakes every pending waiter and marks the notifier closed.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	chans := n.waiters
	n.waiters = make(map[uint64]chan struct{})
	n.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
