// Package cache provides the shared key/value backing store (Redis or an
// in-process LRU fallback) used by the response cache, the rate limiter's
// distributed token bucket, and the robots.txt policy cache.
package cache

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a byte-blob key/value store with per-key TTL. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// StoreConfig configures compression thresholds shared by Store implementations.
type StoreConfig struct {
	Prefix             string
	EnableCompression  bool
	CompressionLevel   int
	CompressionMinSize int
	MaxEntries         int
	CleanupInterval    time.Duration
}

// DefaultStoreConfig returns a StoreConfig with sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Prefix:             "iris:",
		EnableCompression:  true,
		CompressionLevel:   gzip.DefaultCompression,
		CompressionMinSize: 1024,
		MaxEntries:         10_000,
		CleanupInterval:    10 * time.Minute,
	}
}

// RedisStore is a Redis-backed Store, optionally gzip-compressing large values.
type RedisStore struct {
	client *redis.Client
	config StoreConfig
}

// NewRedisStore creates a RedisStore from a redis:// connection URL.
func NewRedisStore(redisURL string, cfg StoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), cfg), nil
}

// NewRedisStoreWithClient creates a RedisStore around an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg StoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultStoreConfig().Prefix
	}
	return &RedisStore{client: client, config: cfg}
}

// Client exposes the underlying redis.Client so callers that need
// Redis-native primitives (e.g. a Lua-scripted token bucket) can share the
// same connection pool as the cache.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.config.Prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	if s.config.EnableCompression && len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		data, err = decompress(data)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decompress value: %w", err)
		}
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data := value
	if s.config.EnableCompression && len(value) >= s.config.CompressionMinSize {
		compressed, err := compress(value, s.config.CompressionLevel)
		if err != nil {
			return fmt.Errorf("failed to compress value: %w", err)
		}
		data = compressed
	}

	if err := s.client.Set(ctx, s.config.Prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.config.Prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	if level == 0 {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// memoryEntry wraps a stored value with its expiry for LRU + TTL tracking.
type memoryEntry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// MemoryStore is an in-process LRU store used when Redis is unavailable or
// unconfigured. It evicts the least-recently-used entry once MaxEntries is
// reached and periodically sweeps expired entries.
type MemoryStore struct {
	entries map[string]*list.Element
	lruList *list.List
	mu      sync.Mutex
	config  StoreConfig
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMemoryStore creates a MemoryStore with automatic expired-entry cleanup.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultStoreConfig().MaxEntries
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultStoreConfig().CleanupInterval
	}

	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		lruList: list.New(),
		config:  cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expireAt.IsZero() && time.Now().After(entry.expireAt) {
		s.lruList.Remove(elem)
		delete(s.entries, key)
		return nil, false, nil
	}

	s.lruList.MoveToFront(elem)
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}

	if elem, exists := s.entries[key]; exists {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expireAt = expireAt
		s.lruList.MoveToFront(elem)
		return nil
	}

	if s.config.MaxEntries > 0 && s.lruList.Len() >= s.config.MaxEntries {
		oldest := s.lruList.Back()
		if oldest != nil {
			oldEntry := oldest.Value.(*memoryEntry)
			delete(s.entries, oldEntry.key)
			s.lruList.Remove(oldest)
		}
	}

	elem := s.lruList.PushFront(&memoryEntry{key: key, value: value, expireAt: expireAt})
	s.entries[key] = elem
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		s.lruList.Remove(elem)
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element
	for elem := s.lruList.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*memoryEntry)
		if !entry.expireAt.IsZero() && now.After(entry.expireAt) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		entry := elem.Value.(*memoryEntry)
		delete(s.entries, entry.key)
		s.lruList.Remove(elem)
	}
}
