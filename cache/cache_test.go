package cache

import (
	"context"
	"testing"
	"time"

	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	ctx := context.Background()
	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Minute))
	data, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", string(data))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreEvictsLRU(t *testing.T) {
	store := NewMemoryStore(StoreConfig{MaxEntries: 2, CleanupInterval: time.Hour})
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), time.Minute))

	_, ok, _ := store.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok, _ = store.Get(ctx, "c")
	assert.True(t, ok)
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreWithClient(client, StoreConfig{Prefix: "test:"})
}

func TestRedisStoreGetSet(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Minute))

	data, ok, err := store.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", string(data))
}

func TestRedisStoreCompressesLargeValues(t *testing.T) {
	store := newTestRedisStore(t)
	store.config.EnableCompression = true
	store.config.CompressionLevel = DefaultStoreConfig().CompressionLevel
	store.config.CompressionMinSize = 16
	ctx := context.Background()

	big := make([]byte, 1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	require.NoError(t, store.Set(ctx, "big", big, time.Minute))
	data, ok, err := store.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, data)
}

func TestResponseCacheRoundTrip(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	rc := NewResponseCache(store, nil)
	ctx := context.Background()

	result := fetchmodel.FetchResult{ContentText: "hello world"}
	rc.Put(ctx, "fp1", result, time.Minute)

	got, ok := rc.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, "hello world", got.ContentText)
	assert.True(t, got.Cached)
}

func TestResponseCacheMissOnMissingKey(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	rc := NewResponseCache(store, nil)
	_, ok := rc.Get(context.Background(), "nope")
	assert.False(t, ok)
}

func TestResponseCacheInvalidate(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	rc := NewResponseCache(store, nil)
	ctx := context.Background()

	rc.Put(ctx, "fp1", fetchmodel.FetchResult{}, time.Minute)
	require.NoError(t, rc.Invalidate(ctx, "fp1"))

	_, ok := rc.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestFingerprintStableAcrossQueryOrder(t *testing.T) {
	f1, err := Fingerprint(FingerprintInput{URL: "https://Example.com/path?b=2&a=1"})
	require.NoError(t, err)
	f2, err := Fingerprint(FingerprintInput{URL: "https://example.com/path?a=1&b=2"})
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestFingerprintDiffersOnOptions(t *testing.T) {
	f1, err := Fingerprint(FingerprintInput{URL: "https://example.com", RenderJS: false})
	require.NoError(t, err)
	f2, err := Fingerprint(FingerprintInput{URL: "https://example.com", RenderJS: true})
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
}

func TestFingerprintDiffersOnExtractFlags(t *testing.T) {
	base := FingerprintInput{URL: "https://example.com/path"}
	withText := base
	withText.ExtractText = true

	f1, err := Fingerprint(base)
	require.NoError(t, err)
	f2, err := Fingerprint(withText)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2, "extract_text must be part of the fingerprint, or a later request asking for text silently reuses a textless cache entry")

	withMetadata := base
	withMetadata.ExtractMetadata = true
	f3, err := Fingerprint(withMetadata)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)

	withLinks := base
	withLinks.ExtractLinks = true
	f4, err := Fingerprint(withLinks)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f4)
}

func TestFingerprintStripsFragmentAndDefaultPort(t *testing.T) {
	f1, err := Fingerprint(FingerprintInput{URL: "https://example.com:443/path#section"})
	require.NoError(t, err)
	f2, err := Fingerprint(FingerprintInput{URL: "https://example.com/path"})
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestResponseCacheStatsTracksHitsAndMisses(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	rc := NewResponseCache(store, nil)
	ctx := context.Background()

	_, ok := rc.Get(ctx, "missing")
	require.False(t, ok)

	rc.Put(ctx, "fp1", fetchmodel.FetchResult{ContentText: "hi"}, time.Minute)
	_, ok = rc.Get(ctx, "fp1")
	require.True(t, ok)

	hits, misses := rc.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestResponseCachePingMemoryStoreAlwaysUp(t *testing.T) {
	store := NewMemoryStore(StoreConfig{CleanupInterval: time.Hour})
	defer store.Close()

	rc := NewResponseCache(store, nil)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestResponseCachePingRedisStoreDelegates(t *testing.T) {
	store := newTestRedisStore(t)
	rc := NewResponseCache(store, nil)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestHeaderDigestOrderIndependent(t *testing.T) {
	d1 := HeaderDigest(map[string]string{"A": "1", "B": "2"})
	d2 := HeaderDigest(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, d1, d2)
}
