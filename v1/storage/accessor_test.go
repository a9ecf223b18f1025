package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/docstore"
	"github.com/mirkobrombin/go-latch/v1/feed"
	"github.com/mirkobrombin/go-latch/v1/storage"
)

func newAccessor(t *testing.T, store docstore.Store, ns string, opts ...storage.Option) *storage.Accessor {
	t.Helper()
	a, err := storage.New(store, ns, opts...)
	if err != nil {
		t.Fatalf("new accessor: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func seed(t *testing.T, s docstore.Store, doc docstore.Document) {
	t.Helper()
	if err := s.Set(context.Background(), doc); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := storage.New(nil, "cache"); !errors.Is(err, storage.ErrNilStore) {
		t.Fatalf("expected ErrNilStore, got %v", err)
	}
	if _, err := storage.New(docstore.NewInMemoryStore(), ""); !errors.Is(err, storage.ErrEmptyNamespace) {
		t.Fatalf("expected ErrEmptyNamespace, got %v", err)
	}
}

func TestReadMissingNamespace(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	v, ok, err := a.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok || v != nil {
		t.Fatalf("expected absence, got %v ok %v", v, ok)
	}
}

func TestWriteThenRead(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	ctx := context.Background()

	if err := a.Write(ctx, storage.Value{"x": json.RawMessage(`9`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok, err := a.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("read: %v ok %v", err, ok)
	}
	if string(v["x"]) != `9` {
		t.Fatalf("expected x=9, got %s", v["x"])
	}
}

func TestNamespaceIsolationAcrossWrite(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seed(t, store, docstore.Document{
		"cache":  json.RawMessage(`{"x":1}`),
		"config": json.RawMessage(`{"y":2}`),
	})
	a := newAccessor(t, store, "cache")
	b := newAccessor(t, store, "config")
	ctx := context.Background()

	if err := a.Write(ctx, storage.Value{"x": json.RawMessage(`9`)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, ok, err := b.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("read config: %v ok %v", err, ok)
	}
	if string(v["y"]) != `2` {
		t.Fatalf("config disturbed by write on cache: %v", v)
	}
	doc, _ := store.Get(ctx)
	if string(doc["config"]) != `{"y":2}` {
		t.Fatalf("config should be byte-for-byte intact, got %s", doc["config"])
	}
}

func TestClearLeavesSiblingsIntact(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seed(t, store, docstore.Document{
		"cache":  json.RawMessage(`{"x":1}`),
		"config": json.RawMessage(`{"y":2}`),
	})
	a := newAccessor(t, store, "cache")
	b := newAccessor(t, store, "config")
	ctx := context.Background()

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := a.Read(ctx); ok {
		t.Fatal("cache namespace should be gone")
	}
	doc, _ := store.Get(ctx)
	if string(doc["config"]) != `{"y":2}` {
		t.Fatalf("config should be byte-for-byte intact, got %s", doc["config"])
	}
	if v, ok, _ := b.Read(ctx); !ok || string(v["y"]) != `2` {
		t.Fatalf("config accessor should still read {y:2}, got %v ok %v", v, ok)
	}
}

func TestUpdateExclusiveConcurrentLosesNothing(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seed(t, store, docstore.Document{"cache": json.RawMessage(`{"a":1}`)})
	a := newAccessor(t, store, "cache")
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		_, err := a.UpdateExclusive(ctx, storage.Value{"b": json.RawMessage(`2`)})
		return err
	})
	g.Go(func() error {
		_, err := a.UpdateExclusive(ctx, storage.Value{"c": json.RawMessage(`3`)})
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("update: %v", err)
	}

	v, ok, err := a.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("read: %v ok %v", err, ok)
	}
	for key, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		if string(v[key]) != want {
			t.Fatalf("lost update: expected %s=%s, got %v", key, want, v)
		}
	}
}

func TestUpdateExclusiveManyWriters(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	ctx := context.Background()

	const writers = 32
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		key := fmt.Sprintf("k%d", i)
		g.Go(func() error {
			_, err := a.UpdateExclusive(ctx, storage.Value{key: json.RawMessage(`1`)})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("update: %v", err)
	}

	v, ok, err := a.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("read: %v ok %v", err, ok)
	}
	if len(v) != writers {
		t.Fatalf("expected %d keys, got %d: %v", writers, len(v), v)
	}
}

// gatedStore blocks its first Set until the gate channel is closed, so a
// test can freeze an UpdateExclusive between its base read and its
// write-back. entered is closed once the write-back has started.
type gatedStore struct {
	docstore.Store
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedStore) Set(ctx context.Context, patch docstore.Document) error {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.Store.Set(ctx, patch)
}

func TestBareWriteRacesUpdateExclusive(t *testing.T) {
	// Reproduces the documented lost-update race: a bare Write lands after
	// an UpdateExclusive took its base read but before its write-back. The
	// race is a known limitation of the cooperative lock discipline, not a
	// defect to fix.
	inner := docstore.NewInMemoryStore()
	seed(t, inner, docstore.Document{"cache": json.RawMessage(`{"a":1}`)})
	gated := &gatedStore{Store: inner, gate: make(chan struct{}), entered: make(chan struct{})}

	u := newAccessor(t, gated, "cache")
	w := newAccessor(t, inner, "cache")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := u.UpdateExclusive(ctx, storage.Value{"b": json.RawMessage(`2`)})
		done <- err
	}()
	<-gated.entered

	// The bare write bypasses the lock while the update still holds its
	// stale base read.
	if err := w.Write(ctx, storage.Value{"a": json.RawMessage(`1`), "c": json.RawMessage(`3`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	close(gated.gate)
	if err := <-done; err != nil {
		t.Fatalf("update: %v", err)
	}

	v, ok, err := w.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("read: %v ok %v", err, ok)
	}
	if _, survived := v["c"]; survived {
		t.Fatalf("expected the bare write to be lost, got %v", v)
	}
	if string(v["b"]) != `2` {
		t.Fatalf("expected the exclusive update to win, got %v", v)
	}
}

// failingStore accepts reads but rejects every write.
type failingStore struct {
	docstore.Store
	setErr error
}

func (s *failingStore) Set(ctx context.Context, patch docstore.Document) error {
	return s.setErr
}

func TestWriteExclusiveReleasesOnStoreFailure(t *testing.T) {
	store := &failingStore{Store: docstore.NewInMemoryStore(), setErr: errors.New("disk full")}
	a := newAccessor(t, store, "cache")
	ctx := context.Background()

	if _, _, err := a.ReadExclusive(ctx); err != nil {
		t.Fatalf("read exclusive: %v", err)
	}
	a.WriteExclusive(ctx, storage.Value{"x": json.RawMessage(`1`)})

	// The failed write must still have released the lock: a second
	// exclusive read may not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := a.ReadExclusive(ctx); err != nil {
			t.Errorf("read exclusive: %v", err)
		}
		a.Unlock()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released after a failed exclusive write")
	}
}

func TestReadExclusiveUnlockPairing(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	ctx := context.Background()

	if _, _, err := a.ReadExclusive(ctx); err != nil {
		t.Fatalf("read exclusive: %v", err)
	}
	a.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := a.ReadExclusive(ctx); err != nil {
			t.Errorf("read exclusive: %v", err)
		}
		a.Unlock()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unlock did not release the lock")
	}
}

func TestDumpRedactsKeys(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	ctx := context.Background()
	_ = a.Write(ctx, storage.Value{
		"token": json.RawMessage(`"secret"`),
		"x":     json.RawMessage(`1`),
	})

	out, err := a.Dump(ctx, "token")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("dump leaked a redacted value: %s", out)
	}
	if !strings.Contains(out, "[redacted]") || !strings.Contains(out, `"x":1`) {
		t.Fatalf("unexpected dump: %s", out)
	}
}

func TestDumpEmptyNamespace(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	out, err := a.Dump(context.Background())
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if out != "{}" {
		t.Fatalf("expected empty object, got %s", out)
	}
}

// countingStore counts Get calls to observe cache behavior.
type countingStore struct {
	docstore.Store
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context) (docstore.Document, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx)
}

func TestCachedServesWithoutStoreRoundtrip(t *testing.T) {
	inner := docstore.NewInMemoryStore()
	seed(t, inner, docstore.Document{"cache": json.RawMessage(`{"x":1}`)})
	store := &countingStore{Store: inner}
	a := newAccessor(t, store, "cache")
	ctx := context.Background()

	if _, _, err := a.Cached(ctx); err != nil {
		t.Fatalf("cached: %v", err)
	}
	before := store.gets.Load()
	for i := 0; i < 5; i++ {
		if _, _, err := a.Cached(ctx); err != nil {
			t.Fatalf("cached: %v", err)
		}
	}
	if store.gets.Load() != before {
		t.Fatalf("cached reads should not hit the store, got %d extra gets", store.gets.Load()-before)
	}
}

func TestCachedInvalidatedByFeedEvent(t *testing.T) {
	store := docstore.NewInMemoryStore()
	seed(t, store, docstore.Document{"cache": json.RawMessage(`{"x":1}`)})
	bus := feed.NewInMemoryFeed()
	a := newAccessor(t, store, "cache", storage.WithFeed(bus))
	ctx := context.Background()

	if v, _, err := a.Cached(ctx); err != nil || string(v["x"]) != `1` {
		t.Fatalf("cached: %v %v", v, err)
	}

	// A sibling process rewrites the namespace and announces it.
	seed(t, store, docstore.Document{"cache": json.RawMessage(`{"x":2}`)})
	if err := bus.Publish(ctx, "cache"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		v, _, err := a.Cached(ctx)
		if err != nil {
			t.Fatalf("cached: %v", err)
		}
		if string(v["x"]) == `2` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached value was never invalidated, still %v", v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCachedInvalidatedByLocalWrite(t *testing.T) {
	a := newAccessor(t, docstore.NewInMemoryStore(), "cache")
	ctx := context.Background()

	_ = a.Write(ctx, storage.Value{"x": json.RawMessage(`1`)})
	if v, _, err := a.Cached(ctx); err != nil || string(v["x"]) != `1` {
		t.Fatalf("cached: %v %v", v, err)
	}
	_ = a.Write(ctx, storage.Value{"x": json.RawMessage(`2`)})
	if v, _, err := a.Cached(ctx); err != nil || string(v["x"]) != `2` {
		t.Fatalf("cached after write: %v %v", v, err)
	}
}
