package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newRedisTestCache connects to the Redis instance named by
// MEDIAFORGE_TEST_REDIS_ADDR. Skips when the variable is unset so the suite
// stays runnable offline.
func newRedisTestCache(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("MEDIAFORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEDIAFORGE_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := NewRedis(ctx, addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() }) //nolint:errcheck
	return r
}

func TestRedis_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRedisTestCache(t)

	key := uuid.New().String()
	entry := &Entry{
		Result:    map[string]any{"text": "HI"},
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Store(ctx, key, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := r.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got == nil || got.Result["text"] != "HI" {
		t.Errorf("Lookup = %+v, want stored entry", got)
	}
}

func TestRedis_Miss(t *testing.T) {
	r := newRedisTestCache(t)

	got, err := r.Lookup(context.Background(), uuid.New().String())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup = %+v for unknown key, want nil", got)
	}
}
