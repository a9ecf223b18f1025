package feed

import (
	"context"
	"sync"
	"sync/atomic"
)

// Feed propagates namespace change notifications between accessors that
// share one document store. Events carry no payload and no locking
// semantics; subscribers use them to invalidate cached reads.
type Feed interface {
	Publish(ctx context.Context, namespace string) error
	Subscribe(ctx context.Context, namespace string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, namespace string, ch chan struct{}) error
}

// InMemoryFeed is a local implementation of Feed mainly for testing and for
// single-process deployments.
type InMemoryFeed struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryFeed returns a new InMemoryFeed.
func NewInMemoryFeed() *InMemoryFeed {
	return &InMemoryFeed{subs: make(map[string][]chan struct{})}
}

// Publish implements Feed.Publish.
func (f *InMemoryFeed) Publish(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[namespace]...)
	f.mu.Unlock()
	atomic.AddUint64(&f.published, 1)
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&f.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Feed.Subscribe.
func (f *InMemoryFeed) Subscribe(ctx context.Context, namespace string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs[namespace] = append(f.subs[namespace], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = f.Unsubscribe(context.Background(), namespace, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Feed.Unsubscribe.
func (f *InMemoryFeed) Unsubscribe(ctx context.Context, namespace string, ch chan struct{}) error {
	f.mu.Lock()
	subs := f.subs[namespace]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			f.subs[namespace] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, namespace)
	}
	f.mu.Unlock()
	return nil
}

// Metrics reports how many events a feed published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns current metrics for the feed.
func (f *InMemoryFeed) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}
