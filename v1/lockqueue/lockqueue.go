package lockqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/notify"
)

// DefaultWatchdogInterval bounds how long an abandoned holder can block the
// queue before it is treated as released.
const DefaultWatchdogInterval = 3 * time.Second

// ErrClosed is returned by Acquire after the queue has been closed.
var ErrClosed = errors.New("latch: queue closed")

// Ticket identifies one pending or active lock request. Ticket ids increase
// monotonically within a queue and are granted strictly in arrival order.
type Ticket uint64

// Queue implements asynchronous mutual exclusion with FIFO fairness. The
// head ticket holds the lock; every Release advances the queue and wakes the
// next waiter. A single owned watchdog timer, reset on every release, forces
// a release when a holder goes silent, so an abandoned holder delays the
// next waiter by at most one interval. The watchdog is a liveness safety
// valve, not a substitute for correct release discipline.
type Queue struct {
	notifier *notify.Notifier
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	watchdog *time.Timer
	next     uint64
	queue    []Ticket
	closed   bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithWatchdogInterval sets how long the watchdog waits before forcing a
// release. A non-positive duration keeps the default.
func WithWatchdogInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithLogger sets the logger used for forced-release reports.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New returns a new Queue with its watchdog armed.
func New(opts ...Option) *Queue {
	q := &Queue{
		notifier: notify.New(),
		interval: DefaultWatchdogInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.watchdog = time.AfterFunc(q.interval, q.forceRelease)
	return q
}

// Acquire enqueues a new ticket and returns once it is the queue head. If
// the queue was empty the ticket is active immediately. There is no
// reentrancy: every call enqueues a distinct ticket and waits its turn.
//
// Cancelling ctx aborts only the wait, not the request: the ticket stays
// queued and is drained by the watchdog once it reaches the head.
func (q *Queue) Acquire(ctx context.Context) (Ticket, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	q.next++
	t := Ticket(q.next)
	q.queue = append(q.queue, t)
	metrics.AcquireCounter.Inc()
	metrics.WaitersGauge.Inc()
	if len(q.queue) == 1 {
		q.watchdog.Reset(q.interval)
		q.mu.Unlock()
		return t, nil
	}
	ch := q.notifier.Await(uint64(t))
	q.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return t, nil
}

// Release removes the head ticket and wakes the waiter of the new head. On
// an empty queue it only resets the watchdog.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	metrics.ReleaseCounter.Inc()
	q.release()
}

// release advances the queue and re-arms the watchdog. Callers hold q.mu.
func (q *Queue) release() {
	if len(q.queue) > 0 {
		q.queue = q.queue[1:]
		metrics.WaitersGauge.Dec()
		if len(q.queue) > 0 {
			q.notifier.Complete(uint64(q.queue[0]))
		}
	}
	q.watchdog.Reset(q.interval)
}

// forceRelease runs when the watchdog fires: the current holder is treated
// as having released.
func (q *Queue) forceRelease() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.queue) > 0 {
		metrics.ForcedReleaseCounter.Inc()
		q.logger.Warn("latch: watchdog forced a release", "ticket", q.queue[0], "waiters", len(q.queue)-1)
	}
	q.release()
}

// Head returns the currently active ticket, if any.
func (q *Queue) Head() (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return 0, false
	}
	return q.queue[0], true
}

// Len returns the number of queued tickets, the active one included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close cancels the watchdog and wakes every pending waiter with ErrClosed.
// The queue cannot be reused afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.watchdog.Stop()
	metrics.WaitersGauge.Sub(float64(len(q.queue)))
	q.queue = nil
	q.notifier.Close()
}
