package cachemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type idemKey string

type pushResponse struct {
	ID   string
	Text string
}

func TestInMemoryCacheManager_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[idemKey, pushResponse]("idempotency", DefaultExpiration, DefaultCleanupInterval)

	_, ok := cache.Get(ctx, "user:k1")
	require.False(t, ok)

	want := pushResponse{ID: "m-1", Text: "hello"}
	cache.Set(ctx, "user:k1", want, 0)

	got, ok := cache.Get(ctx, "user:k1")
	require.True(t, ok)
	require.Equal(t, want, got)
	require.Equal(t, 1, cache.Len())

	require.NoError(t, cache.Delete(ctx, "user:k1", "missing"))
	_, ok = cache.Get(ctx, "user:k1")
	require.False(t, ok)
}

func TestInMemoryCacheManager_WrongTypeIsAMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, pushResponse]("idempotency", DefaultExpiration, DefaultCleanupInterval)
	cache.cache.Set("k", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "k")
	require.False(t, ok)
	require.Zero(t, got)
}

func TestInMemoryCacheManager_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, string]("short", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "k", "v", 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := cache.Get(ctx, "k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, string]("refresh", DefaultExpiration, DefaultCleanupInterval)

	_, ok := cache.GetWithRefresh(ctx, "k", time.Hour)
	require.False(t, ok)

	cache.Set(ctx, "k", "v", 50*time.Millisecond)
	got, ok := cache.GetWithRefresh(ctx, "k", time.Hour)
	require.True(t, ok)
	require.Equal(t, "v", got)

	time.Sleep(80 * time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	require.True(t, ok, "refresh should have extended the ttl")
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, string]("flush", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(ctx, "a", "1", 0)
	cache.Set(ctx, "b", "2", 0)

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.Len())
}

func TestReadThroughCache_RunsOncePerKey(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	rtc := NewReadThroughCache[idemKey, pushResponse, string](
		NewInMemoryCacheManager[idemKey, pushResponse]("idempotency", DefaultExpiration, DefaultCleanupInterval),
		func(_ context.Context, text string) (pushResponse, error) {
			n := calls.Add(1)
			return pushResponse{ID: string(rune('a' + n - 1)), Text: text}, nil
		},
	)

	first, hit, err := rtc.Get(ctx, "user:k1", "hello", time.Minute)
	require.NoError(t, err)
	require.False(t, hit)

	replay, hit, err := rtc.Get(ctx, "user:k1", "hello again", time.Minute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, first, replay, "replay returns the original response")

	other, hit, err := rtc.Get(ctx, "assistant:k1", "hello", time.Minute)
	require.NoError(t, err)
	require.False(t, hit)
	require.NotEqual(t, first.ID, other.ID)
	require.EqualValues(t, 2, calls.Load())
}

func TestReadThroughCache_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	fail := true
	rtc := NewReadThroughCache[string, string, string](
		NewInMemoryCacheManager[string, string]("errors", DefaultExpiration, DefaultCleanupInterval),
		func(_ context.Context, in string) (string, error) {
			if fail {
				return "", errors.New("invalid")
			}
			return in, nil
		},
	)

	_, _, err := rtc.Get(ctx, "k", "x", time.Minute)
	require.Error(t, err)

	fail = false
	got, hit, err := rtc.Get(ctx, "k", "x", time.Minute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "x", got)
}

func TestReadThroughCache_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	rtc := NewReadThroughCache[string, int, struct{}](
		NewInMemoryCacheManager[string, int]("concurrent", DefaultExpiration, DefaultCleanupInterval),
		func(_ context.Context, _ struct{}) (int, error) {
			time.Sleep(5 * time.Millisecond)
			return int(calls.Add(1)), nil
		},
	)

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = rtc.Get(ctx, "same", struct{}{}, time.Minute)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		require.Equal(t, 1, r)
	}
	require.Empty(t, rtc.locks, "key locks are released")
}
