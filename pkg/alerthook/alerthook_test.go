package alerthook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestFireDisabledWithoutWebhookURL(t *testing.T) {
	rdb, _ := setup(t)
	h := New(rdb, testLogger(), "")
	if h.IsEnabled() {
		t.Fatal("want disabled without a webhook URL")
	}
	h.Fire(context.Background(), 5) // must not panic or block
}

func TestFirePostsWebhookOnce(t *testing.T) {
	rdb, _ := setup(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := New(rdb, testLogger(), srv.URL)
	// fire runs the dedup check and delivery synchronously; Fire itself only
	// adds the goroutine dispatch exercised by TestFireDoesNotBlockCaller.
	h.fire(5)
	h.fire(6)

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("want 1 webhook delivery due to dedup, got %d", got)
	}
}

func TestFireDoesNotBlockCaller(t *testing.T) {
	rdb, _ := setup(t)

	release := make(chan struct{})
	delivered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		close(delivered)
	}))
	defer srv.Close()

	h := New(rdb, testLogger(), srv.URL)

	start := time.Now()
	h.Fire(context.Background(), 5)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Fire blocked for %v, want near-immediate return", elapsed)
	}

	close(release)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered by the detached goroutine")
	}
}
