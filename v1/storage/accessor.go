package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/docstore"
	"github.com/mirkobrombin/go-latch/v1/feed"
	"github.com/mirkobrombin/go-latch/v1/lockqueue"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/storage")

// Value is the JSON object stored under one namespace. UpdateExclusive
// merges top-level keys only; the shape below the first level is entirely
// the caller's business and is never validated here.
type Value map[string]json.RawMessage

// ErrEmptyNamespace is returned when an accessor is created without a namespace.
var ErrEmptyNamespace = errors.New("latch: namespace must not be empty")

// ErrNilStore is returned when an accessor is created without a store.
var ErrNilStore = errors.New("latch: store must not be nil")

// Accessor provides namespaced, optionally locked read/modify/write access
// to a shared document for exactly one (store, namespace) pair. The lock
// discipline is cooperative: only sequences where every participant uses the
// exclusive path are serialized. A bare Write or Clear can still race a
// pending UpdateExclusive's base read and silently win; that is a documented
// limitation, not a bug the accessor defends against.
type Accessor struct {
	ns     string
	id     string
	store  docstore.Store
	queue  *lockqueue.Queue
	logger *slog.Logger

	traceEnabled bool

	feed        feed.Feed
	cancelWatch context.CancelFunc
	epoch       atomic.Uint64

	mu         sync.Mutex
	cacheVal   Value
	cacheOK    bool
	cacheValid bool
	cacheEpoch uint64
}

// Option configures an Accessor.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	traceEnabled     bool
	feed             feed.Feed
	watchdogInterval time.Duration
}

// WithLogger sets the logger used for the write-failure and watchdog
// side-channels.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry tracing for accessor operations.
func WithTracing() Option {
	return func(o *options) {
		o.traceEnabled = true
	}
}

// WithFeed subscribes the accessor to change notifications for its
// namespace; events invalidate the value served by Cached.
func WithFeed(f feed.Feed) Option {
	return func(o *options) {
		o.feed = f
	}
}

// WithWatchdogInterval sets the interval of the queue's watchdog timer.
func WithWatchdogInterval(d time.Duration) Option {
	return func(o *options) {
		o.watchdogInterval = d
	}
}

// New returns an Accessor bound to one namespace of the given store.
func New(store docstore.Store, namespace string, opts ...Option) (*Accessor, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	o := options{
		logger:           slog.Default(),
		watchdogInterval: lockqueue.DefaultWatchdogInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	a := &Accessor{
		ns:           namespace,
		id:           id,
		store:        store,
		logger:       o.logger,
		traceEnabled: o.traceEnabled,
		feed:         o.feed,
		queue: lockqueue.New(
			lockqueue.WithWatchdogInterval(o.watchdogInterval),
			lockqueue.WithLogger(o.logger),
		),
	}
	if a.feed != nil {
		wctx, cancel := context.WithCancel(context.Background())
		ch, err := a.feed.Subscribe(wctx, namespace)
		if err != nil {
			cancel()
			a.queue.Close()
			return nil, err
		}
		a.cancelWatch = cancel
		go a.watch(ch)
	}
	return a, nil
}

// watch bumps the cache epoch on every change notification.
func (a *Accessor) watch(ch chan struct{}) {
	for range ch {
		a.epoch.Add(1)
	}
}

// Namespace returns the namespace this accessor owns.
func (a *Accessor) Namespace() string { return a.ns }

// ID returns the accessor's unique id, attached to its log records.
func (a *Accessor) ID() string { return a.id }

// Read fetches the whole document and returns this namespace's value. The
// boolean reports whether the namespace exists. Read never locks and
// reflects whatever the store last persisted.
func (a *Accessor) Read(ctx context.Context) (Value, bool, error) {
	if a.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Accessor.Read")
		span.SetAttributes(attribute.String("latch.namespace", a.ns))
		defer span.End()
	}
	doc, err := a.store.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	metrics.ReadCounter.Inc()
	raw, ok := doc[a.ns]
	if !ok {
		return nil, false, nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// ReadExclusive acquires the lock, then reads. The lock stays held until a
// matching WriteExclusive or Unlock; callers must always pair them. A read
// failure after acquisition leaves the lock held, so a caller that cannot
// recover falls back on the watchdog.
func (a *Accessor) ReadExclusive(ctx context.Context) (Value, bool, error) {
	if _, err := a.queue.Acquire(ctx); err != nil {
		return nil, false, err
	}
	return a.Read(ctx)
}

// Write persists value under this namespace without touching any sibling
// namespace. It requires no lock; against a concurrent write to the same
// namespace the last one wins, locked or not.
func (a *Accessor) Write(ctx context.Context, value Value) error {
	if a.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Accessor.Write")
		span.SetAttributes(attribute.String("latch.namespace", a.ns))
		defer span.End()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := a.store.Set(ctx, docstore.Document{a.ns: raw}); err != nil {
		return err
	}
	metrics.WriteCounter.Inc()
	a.invalidate(ctx)
	return nil
}

// WriteExclusive writes the value and releases the lock on every path. A
// store failure goes to the log side-channel instead of the return path, so
// the queue is never left stuck by storage trouble.
func (a *Accessor) WriteExclusive(ctx context.Context, value Value) {
	defer a.queue.Release()
	if err := a.Write(ctx, value); err != nil {
		a.logger.Warn("latch: exclusive write failed, releasing anyway",
			"namespace", a.ns, "accessor", a.id, "error", err)
	}
}

// UpdateExclusive reads the current value under the lock, lays partial's
// top-level keys over it and writes the result back, releasing the lock.
// This is the canonical read-modify-write path: concurrent UpdateExclusive
// calls on the same accessor never lose updates. It cannot protect against
// concurrent bare Write calls, which bypass the lock entirely.
func (a *Accessor) UpdateExclusive(ctx context.Context, partial Value) (Value, error) {
	cur, ok, err := a.ReadExclusive(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur = Value{}
	}
	merged := make(Value, len(cur)+len(partial))
	for k, v := range cur {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	a.WriteExclusive(ctx, merged)
	return merged, nil
}

// Clear removes this namespace's entry from the document. No lock guards it.
func (a *Accessor) Clear(ctx context.Context) error {
	if err := a.store.Remove(ctx, a.ns); err != nil {
		return err
	}
	a.invalidate(ctx)
	return nil
}

// Unlock releases a lock taken by ReadExclusive when no write should follow.
func (a *Accessor) Unlock() {
	a.queue.Release()
}

// Cached returns the value observed by the last read, going back to the
// store only when a change notification or a local write has invalidated
// it. Without a feed, local writes are the only invalidation source.
func (a *Accessor) Cached(ctx context.Context) (Value, bool, error) {
	epoch := a.epoch.Load()
	a.mu.Lock()
	if a.cacheValid && a.cacheEpoch == epoch {
		v, ok := a.cacheVal, a.cacheOK
		a.mu.Unlock()
		return v, ok, nil
	}
	a.mu.Unlock()
	v, ok, err := a.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	a.mu.Lock()
	a.cacheVal, a.cacheOK = v, ok
	a.cacheValid, a.cacheEpoch = true, epoch
	a.mu.Unlock()
	return v, ok, nil
}

// Dump serializes the namespace content for debugging. Values of the listed
// keys are replaced before the result can reach a log line.
func (a *Accessor) Dump(ctx context.Context, redact ...string) (string, error) {
	v, ok, err := a.Read(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		v = Value{}
	}
	for _, k := range redact {
		if _, exists := v[k]; exists {
			v[k] = json.RawMessage(`"[redacted]"`)
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// invalidate bumps the cache epoch and tells sibling processes that this
// namespace changed.
func (a *Accessor) invalidate(ctx context.Context) {
	a.epoch.Add(1)
	if a.feed != nil {
		if err := a.feed.Publish(ctx, a.ns); err != nil {
			a.logger.Warn("latch: change publish failed", "namespace", a.ns, "error", err)
		}
	}
}

// Close tears down the accessor: the watch subscription ends and the
// queue's watchdog timer is cancelled. Pending acquisitions fail with
// lockqueue.ErrClosed.
func (a *Accessor) Close() {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.queue.Close()
}
