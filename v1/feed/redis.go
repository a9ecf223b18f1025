package feed

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "latch:changes:"

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisFeed implements Feed using Redis pub/sub.
type RedisFeed struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedisFeed returns a new RedisFeed using the provided client.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Feed.Publish.
func (f *RedisFeed) Publish(ctx context.Context, namespace string) error {
	if err := f.client.Publish(ctx, redisChannelPrefix+namespace, "1").Err(); err != nil {
		return err
	}
	atomic.AddUint64(&f.published, 1)
	return nil
}

// Subscribe implements Feed.Subscribe.
func (f *RedisFeed) Subscribe(ctx context.Context, namespace string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	sub := f.subs[namespace]
	if sub == nil {
		pubsub := f.client.Subscribe(context.Background(), redisChannelPrefix+namespace)
		if _, err := pubsub.Receive(ctx); err != nil {
			f.mu.Unlock()
			_ = pubsub.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: pubsub}
		f.subs[namespace] = sub
		go f.dispatch(sub, namespace)
	}
	sub.chans = append(sub.chans, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = f.Unsubscribe(context.Background(), namespace, ch)
	}()
	return ch, nil
}

// dispatch fans incoming messages out to all channels of a subscription.
func (f *RedisFeed) dispatch(sub *redisSubscription, namespace string) {
	for range sub.pubsub.Channel() {
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
	}
}

// Unsubscribe implements Feed.Unsubscribe.
func (f *RedisFeed) Unsubscribe(ctx context.Context, namespace string, ch chan struct{}) error {
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
		return sub.pubsub.Close()
	}
	f.mu.Unlock()
	return nil
}

// Metrics returns current metrics for the feed.
func (f *RedisFeed) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}
