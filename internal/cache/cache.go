// Package cache provides a terminal-response cache for fetched resources,
// keyed by the requested URL. A Redis backend is used when endpoints are
// configured; otherwise entries live in a local ristretto cache. Only
// complete bodies up to the configured size limit are stored — anything
// larger streams through uncached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/fetchguard/fetchguard/internal/redis"
)

const keyPrefix = "fg:cache:"

// Entry is a cached terminal response.
type Entry struct {
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// backend abstracts the storage layer so the Store logic is identical for
// Redis and local memory.
type backend interface {
	get(ctx context.Context, key string) ([]byte, bool)
	set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	del(ctx context.Context, key string) bool
	ping(ctx context.Context) error
	close() error
}

// Store is the response cache.
type Store struct {
	backend     backend
	maxBodySize int64
	logger      *slog.Logger

	OnHit   func()
	OnMiss  func()
	OnStore func()
	OnSkip  func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBodySize sets the maximum cacheable response body in bytes.
// Responses larger than this are not cached. Default: 4MB.
func WithMaxBodySize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

const defaultMaxBodySize = 4 << 20 // 4 MB

func newStore(b backend, opts ...Option) *Store {
	s := &Store{
		backend:     b,
		maxBodySize: defaultMaxBodySize,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewRedisStore creates a response cache backed by the given Redis client.
func NewRedisStore(client redis.Client, opts ...Option) *Store {
	return newStore(&redisBackend{client: client}, opts...)
}

// NewMemoryStore creates a process-local response cache bounded by maxCost
// bytes of body data.
func NewMemoryStore(maxCost int64, opts ...Option) (*Store, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 1024 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return newStore(&memoryBackend{cache: rc}), nil
}

// MaxBodySize returns the configured maximum cacheable body size.
func (s *Store) MaxBodySize() int64 { return s.maxBodySize }

// Key derives the storage key for a requested URL. Hashing bounds the key
// length regardless of how long the URL is.
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get retrieves the cached response for a URL. Returns nil, false on miss.
func (s *Store) Get(ctx context.Context, rawURL string) (*Entry, bool) {
	data, ok := s.backend.get(ctx, Key(rawURL))
	if !ok {
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Debug("cache: unmarshal error", "url", rawURL, "error", err)
		if s.OnMiss != nil {
			s.OnMiss()
		}
		return nil, false
	}
	if s.OnHit != nil {
		s.OnHit()
	}
	return &e, true
}

// Set stores a response for a URL with the given TTL. Bodies larger than
// the size limit and non-positive TTLs are skipped.
func (s *Store) Set(ctx context.Context, rawURL string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if int64(len(entry.Body)) > s.maxBodySize {
		if s.OnSkip != nil {
			s.OnSkip()
		}
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Debug("cache: marshal error", "url", rawURL, "error", err)
		return
	}
	if err := s.backend.set(ctx, Key(rawURL), data, ttl); err != nil {
		s.logger.Debug("cache: store error", "url", rawURL, "error", err)
		return
	}
	if s.OnStore != nil {
		s.OnStore()
	}
	s.logger.Debug("cache: stored", "url", rawURL, "ttl", ttl, "body_size", len(entry.Body))
}

// Delete removes the cached response for a URL.
func (s *Store) Delete(ctx context.Context, rawURL string) bool {
	if !s.backend.del(ctx, Key(rawURL)) {
		return false
	}
	s.logger.Debug("cache: purged", "url", rawURL)
	return true
}

// Ping checks backend connectivity. Always nil for the memory backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.close()
}

// ---------------------------------------------------------------------------
// Backends
// ---------------------------------------------------------------------------

type redisBackend struct {
	client redis.Client
}

func (b *redisBackend) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (b *redisBackend) set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, data, ttl).Err()
}

func (b *redisBackend) del(ctx context.Context, key string) bool {
	n, err := b.client.Del(ctx, key).Result()
	return err == nil && n > 0
}

func (b *redisBackend) ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) close() error {
	return b.client.Close()
}

type memoryBackend struct {
	cache *ristretto.Cache[string, []byte]
}

func (b *memoryBackend) get(_ context.Context, key string) ([]byte, bool) {
	return b.cache.Get(key)
}

func (b *memoryBackend) set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	b.cache.SetWithTTL(key, data, int64(len(data)), ttl)
	// Ristretto admits asynchronously; Wait makes writes visible to the
	// next Get, which callers rely on after a store.
	b.cache.Wait()
	return nil
}

func (b *memoryBackend) del(_ context.Context, key string) bool {
	_, found := b.cache.Get(key)
	b.cache.Del(key)
	return found
}

func (b *memoryBackend) ping(context.Context) error { return nil }

func (b *memoryBackend) close() error {
	b.cache.Close()
	return nil
}
