package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "latch.changes."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSFeed implements Feed using a NATS backend.
type NATSFeed struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATSFeed returns a new NATSFeed using the provided connection.
func NewNATSFeed(conn *nats.Conn) *NATSFeed {
	return &NATSFeed{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Feed.Publish. Each event carries a unique id so
// backends that may redeliver can be deduplicated downstream.
func (f *NATSFeed) Publish(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.conn.Publish(natsSubjectPrefix+namespace, []byte(uuid.NewString())); err != nil {
		return err
	}
	atomic.AddUint64(&f.published, 1)
	return nil
}

// Subscribe implements Feed.Subscribe.
func (f *NATSFeed) Subscribe(ctx context.Context, namespace string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	sub := f.subs[namespace]
	if sub == nil {
		ns, err := f.conn.Subscribe(natsSubjectPrefix+namespace, func(_ *nats.Msg) {
			f.mu.Lock()
			cur := f.subs[namespace]
			if cur == nil {
				f.mu.Unlock()
				return
			}
			chans := append([]chan struct{}(nil), cur.chans...)
			f.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- struct{}{}:
					atomic.AddUint64(&f.delivered, 1)
				default:
				}
			}
		})
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		f.subs[namespace] = sub
	}
	sub.chans = append(sub.chans, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = f.Unsubscribe(context.Background(), namespace, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Feed.Unsubscribe.
func (f *NATSFeed) Unsubscribe(ctx context.Context, namespace string, ch chan struct{}) error {
	f.mu.Lock()
	sub := f.subs[namespace]
	if sub == nil {
		f.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(f.subs, namespace)
		f.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	f.mu.Unlock()
	return nil
}

// Metrics returns current metrics for the feed.
func (f *NATSFeed) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}
