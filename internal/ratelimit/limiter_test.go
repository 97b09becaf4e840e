package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/linkshortener/internal/testutil"
)

var testCache *testutil.TestCache

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	testCache, err = testutil.SetupTestCache(ctx)
	if err != nil {
		panic("failed to setup test cache: " + err.Error())
	}

	code := m.Run()

	testCache.Teardown(ctx)
	os.Exit(code)
}

func TestLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("ten allowed, eleventh denied", func(t *testing.T) {
		testCache.Cleanup(ctx)
		l := New(testCache.Client, Options{Limit: 10, Window: time.Minute}, nil)

		for i := 1; i <= 10; i++ {
			assert.True(t, l.Allow(ctx, "user-1"), "call %d should be allowed", i)
		}
		assert.False(t, l.Allow(ctx, "user-1"), "11th call should be denied")
		assert.False(t, l.Allow(ctx, "user-1"))
	})

	t.Run("subjects are counted separately", func(t *testing.T) {
		testCache.Cleanup(ctx)
		l := New(testCache.Client, Options{Limit: 2, Window: time.Minute}, nil)

		assert.True(t, l.Allow(ctx, "a"))
		assert.True(t, l.Allow(ctx, "a"))
		assert.False(t, l.Allow(ctx, "a"))
		assert.True(t, l.Allow(ctx, "b"))
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		testCache.Cleanup(ctx)
		l := New(testCache.Client, Options{Limit: 10, Window: time.Second}, nil)

		for i := 0; i < 10; i++ {
			require.True(t, l.Allow(ctx, "user-2"))
		}
		require.False(t, l.Allow(ctx, "user-2"))

		time.Sleep(1200 * time.Millisecond)

		assert.True(t, l.Allow(ctx, "user-2"))
		count, err := testCache.Client.Get(ctx, keyPrefix+"user-2").Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, "new window starts from one")
	})

	t.Run("first increment sets the expiry", func(t *testing.T) {
		testCache.Cleanup(ctx)
		l := New(testCache.Client, Options{Limit: 10, Window: time.Minute}, nil)

		l.Allow(ctx, "user-3")
		ttl, err := testCache.Client.PTTL(ctx, keyPrefix+"user-3").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)
		assert.LessOrEqual(t, ttl, time.Minute)

		// later increments keep the original window
		time.Sleep(100 * time.Millisecond)
		l.Allow(ctx, "user-3")
		ttl2, err := testCache.Client.PTTL(ctx, keyPrefix+"user-3").Result()
		require.NoError(t, err)
		assert.Less(t, ttl2, ttl)
	})

	t.Run("concurrent callers are not undercounted", func(t *testing.T) {
		testCache.Cleanup(ctx)
		l := New(testCache.Client, Options{Limit: 10, Window: time.Minute}, nil)

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Allow(ctx, "burst") {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(10), allowed.Load())
	})
}

func TestLimiter_BackendUnavailable(t *testing.T) {
	ctx := context.Background()
	client := testutil.UnreachableClient()
	defer client.Close()

	l := New(client, Options{Limit: 3, Window: time.Minute, OpTimeout: 50 * time.Millisecond}, nil)

	// falls back to the local window: neither blanket allow nor blanket deny
	assert.True(t, l.Allow(ctx, "user"))
	assert.True(t, l.Allow(ctx, "user"))
	assert.True(t, l.Allow(ctx, "user"))
	assert.False(t, l.Allow(ctx, "user"))
	assert.True(t, l.Allow(ctx, "other"))
}

func TestLocalWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newLocalWindow(time.Minute, func() time.Time { return now })

	assert.Equal(t, int64(1), w.incr("a"))
	assert.Equal(t, int64(2), w.incr("a"))

	// a burst right at the boundary is accepted: the window is fixed
	now = now.Add(59 * time.Second)
	assert.Equal(t, int64(3), w.incr("a"))
	now = now.Add(time.Second)
	assert.Equal(t, int64(1), w.incr("a"))

	// stale subjects are swept
	w.incr("b")
	now = now.Add(2 * time.Minute)
	w.incr("c")
	w.mu.Lock()
	_, hasB := w.entries["b"]
	w.mu.Unlock()
	assert.False(t, hasB)
}
