package docstore

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisDocKey    = "latch:document"
)

// RedisStore implements Store using a Redis hash as the document: one hash
// field per namespace.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	key     string
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithDocumentKey sets the Redis key holding the document hash.
func WithDocumentKey(key string) RedisOption {
	return func(o *redisStoreOptions) {
		o.key = key
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{key: defaultRedisDocKey, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, key: o.key, timeout: o.timeout}
}

// mapRedisErr translates driver errors onto the shared sentinels.
func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return latcherrors.ErrConnectionClosed
	}
	return err
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.key).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	doc := make(Document, len(fields))
	for ns, payload := range fields {
		doc[ns] = json.RawMessage(payload)
	}
	return doc, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, patch Document) error {
	if len(patch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pairs := make([]any, 0, len(patch)*2)
	for ns, payload := range patch {
		pairs = append(pairs, ns, []byte(payload))
	}
	if err := s.client.HSet(cctx, s.key, pairs...).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Remove implements Store.Remove.
func (s *RedisStore) Remove(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HDel(cctx, s.key, namespace).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}
