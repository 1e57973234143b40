package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	timelinecache "github.com/wolfeidau/timeline-cache"
)

// fakeFetcher serves canned payloads and errors keyed by URL.
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
	calls    map[string]int
	delay    time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++

	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	return f.payloads[url], nil
}

func TestFetchAll(t *testing.T) {
	fake := &fakeFetcher{
		payloads: map[string][]byte{
			"https://files.example/a.jpg": []byte("aaa"),
			"https://files.example/b.jpg": []byte("bbb"),
		},
	}
	f := New(fake)

	got, err := f.FetchAll(context.Background(), []Request{
		{ID: "1", URL: "https://files.example/a.jpg"},
		{ID: "2", URL: "https://files.example/b.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("aaa"), got["1"])
	assert.Equal(t, []byte("bbb"), got["2"])
}

func TestFetchAllPartialFailure(t *testing.T) {
	fake := &fakeFetcher{
		payloads: map[string][]byte{"https://files.example/ok.jpg": []byte("ok")},
		errs: map[string]error{
			"https://files.example/gone.jpg": &timelinecache.StatusError{Code: http.StatusGone},
		},
	}
	f := New(fake)

	got, err := f.FetchAll(context.Background(), []Request{
		{ID: "1", URL: "https://files.example/ok.jpg"},
		{ID: "2", URL: "https://files.example/gone.jpg"},
	})
	require.NoError(t, err)

	// The failed item is excluded, the sibling survives.
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ok"), got["1"])
}

func TestFetchAllDedupesURLs(t *testing.T) {
	fake := &fakeFetcher{
		payloads: map[string][]byte{"https://files.example/shared.jpg": []byte("s")},
	}
	f := New(fake)

	got, err := f.FetchAll(context.Background(), []Request{
		{ID: "1", URL: "https://files.example/shared.jpg"},
		{ID: "2", URL: "https://files.example/shared.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.calls["https://files.example/shared.jpg"])
	assert.Equal(t, []byte("s"), got["1"])
	assert.Equal(t, []byte("s"), got["2"])
}

func TestFetchAllEmpty(t *testing.T) {
	f := New(&fakeFetcher{})

	got, err := f.FetchAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.FetchAll(context.Background(), []Request{{ID: "1", URL: ""}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchAllBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32

	blocking := fetchFunc(func(ctx context.Context, url string) ([]byte, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return []byte("x"), nil
	})

	f := New(blocking, WithConcurrency(2))

	reqs := make([]Request, 8)
	for i := range reqs {
		reqs[i] = Request{ID: string(rune('a' + i)), URL: "https://files.example/" + string(rune('a'+i))}
	}

	got, err := f.FetchAll(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type fetchFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

func TestFetchAllCancellation(t *testing.T) {
	fake := &fakeFetcher{
		payloads: map[string][]byte{"https://files.example/slow.jpg": []byte("x")},
		delay:    time.Second,
	}
	f := New(fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.FetchAll(ctx, []Request{{ID: "1", URL: "https://files.example/slow.jpg"}})
	require.True(t, errors.Is(err, context.Canceled))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			_, _ = w.Write([]byte("image-bytes"))
		case "/missing.jpg":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithHTTPClient(srv.Client()))

	data, err := f.Fetch(context.Background(), srv.URL+"/ok.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.jpg")
	require.ErrorIs(t, err, timelinecache.ErrNotFound)

	_, err = f.Fetch(context.Background(), srv.URL+"/broken.jpg")
	var se *timelinecache.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}
