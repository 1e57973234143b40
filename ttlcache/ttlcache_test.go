package ttlcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New[string, int](time.Minute)

	c.Set("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestGetExpired(t *testing.T) {
	now := time.Now()
	c := New(10*time.Millisecond, WithNow[string, int](func() time.Time { return now }))

	c.Set("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(15 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := New[string, string](time.Minute)

	c.Set("a", "x")
	c.Remove("a")

	_, ok := c.Get("a")
	assert.False(t, ok)

	// Removing an absent key is a no-op.
	c.Remove("a")
}

func TestSetRefreshesDeadline(t *testing.T) {
	now := time.Now()
	c := New(20*time.Millisecond, WithNow[string, int](func() time.Time { return now }))

	c.Set("a", 1)
	now = now.Add(15 * time.Millisecond)
	c.Set("a", 2)
	now = now.Add(15 * time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestSweep(t *testing.T) {
	now := time.Now()
	c := New(10*time.Millisecond, WithNow[string, int](func() time.Time { return now }))

	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(5 * time.Millisecond)
	c.Set("c", 3)
	now = now.Add(8 * time.Millisecond)

	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("c")
	assert.True(t, ok)
}

func TestGetOrComputeSharesOneComputation(t *testing.T) {
	c := New[string, int](time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})

	const callers = 8
	results := make([]int, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let all callers reach the singleflight before releasing the compute.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestGetOrComputeError(t *testing.T) {
	c := New[string, int](time.Minute)

	wantErr := errors.New("compute failed")
	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (int, error) {
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// Errors are not cached.
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestGetOrComputeCallerContext(t *testing.T) {
	c := New[string, int](time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "k", func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	// The caller gets its context error while the compute is still in flight.
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 100 {
				c.Set(j%10, i)
				c.Get(j % 10)
			}
		}(i)
	}
	wg.Wait()
}
