package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisFeed(t *testing.T) (*RedisFeed, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisFeed(client), ctx
}

func TestRedisFeedPublishSubscribe(t *testing.T) {
	f, ctx := newRedisFeed(t)

	ch, err := f.Subscribe(ctx, "cache")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.Publish(ctx, "cache"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	if m := f.Metrics(); m.Published != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestRedisFeedUnsubscribeClosesChannel(t *testing.T) {
	f, ctx := newRedisFeed(t)

	ch, err := f.Subscribe(ctx, "cache")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.Unsubscribe(ctx, "cache", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel should be closed")
	}
}
