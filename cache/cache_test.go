package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *clock) {
	c := New(ttl)
	t.Cleanup(c.Close)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func TestGetSetExpiry(t *testing.T) {
	c, clk := newTestCache(t, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("user:octocat", 42)
	v, ok := c.Get("user:octocat")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	c.SetWithTTL("short", "x", time.Second)
	clk.advance(2 * time.Second)
	_, ok = c.Get("short")
	assert.False(t, ok, "custom ttl expired")
	_, ok = c.Get("user:octocat")
	assert.True(t, ok, "default ttl still valid")

	clk.advance(time.Minute)
	_, ok = c.Get("user:octocat")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(3), s.Misses)
	assert.Equal(t, int64(2), s.Evictions)
	assert.Equal(t, 0, s.Keys)
}

func TestGetKeepsValueSetDuringExpiry(t *testing.T) {
	c, clk := newTestCache(t, time.Minute)
	c.Set("user:octocat", "stale")
	clk.advance(2 * time.Minute)

	// the first clock read happens between Get's lookup and its eviction;
	// another writer stores a fresh value right then
	interleaved := false
	c.now = func() time.Time {
		if !interleaved {
			interleaved = true
			c.Set("user:octocat", "fresh")
		}
		return clk.now()
	}

	v, ok := c.Get("user:octocat")
	require.True(t, ok)
	assert.Equal(t, "fresh", v)

	v, ok = c.Get("user:octocat")
	require.True(t, ok, "fresh value survives")
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestDeleteAndCleanup(t *testing.T) {
	c, clk := newTestCache(t, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	assert.Equal(t, 1, c.Len())

	clk.advance(2 * time.Minute)
	c.cleanup()
	assert.Equal(t, 0, c.Len())
}

func TestFetch(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	var calls int32
	load := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "profile", nil
	}

	v, err := Fetch(context.Background(), c, "user:1", load)
	require.NoError(t, err)
	assert.Equal(t, "profile", v)
	v, err = Fetch(context.Background(), c, "user:1", load)
	require.NoError(t, err)
	assert.Equal(t, "profile", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second fetch is served from cache")
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	boom := errors.New("github down")
	_, err := Fetch(context.Background(), c, "k", func(context.Context) (int, error) { return 0, boom })
	assert.Equal(t, boom, err)
	assert.Equal(t, 0, c.Len())

	v, err := Fetch(context.Background(), c, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFetchSharesConcurrentLoads(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	var calls int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Fetch(context.Background(), c, "same", load)
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
