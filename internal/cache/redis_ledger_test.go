package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLedger(t *testing.T, ttl time.Duration) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisLedger(rdb, ttl), mr
}

func TestRedisLedger_StoreSent_Success(t *testing.T) {
	t.Parallel()

	ledger, mr := newLedger(t, 10*time.Second)

	ctx := context.Background()
	remoteID := "remote-123"
	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)

	if err := ledger.StoreSent(ctx, "stg_42", remoteID, sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "staged:sent:stg_42"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	if ttlRemaining := mr.TTL(key); ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got sentValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.RemoteMessageID != remoteID {
		t.Fatalf("expected RemoteMessageID %q, got %q", remoteID, got.RemoteMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisLedger_Lookup(t *testing.T) {
	t.Parallel()

	ledger, _ := newLedger(t, time.Minute)
	ctx := context.Background()

	if _, err := ledger.Lookup(ctx, "stg_missing"); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("expected ErrNoReceipt, got %v", err)
	}

	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	if err := ledger.StoreSent(ctx, "stg_1", "first", sentAt); err != nil {
		t.Fatalf("first StoreSent() error: %v", err)
	}
	if err := ledger.StoreSent(ctx, "stg_1", "second", sentAt.Add(time.Minute)); err != nil {
		t.Fatalf("second StoreSent() error: %v", err)
	}

	r, err := ledger.Lookup(ctx, "stg_1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if r.MessageID != "stg_1" || r.RemoteMessageID != "second" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if !r.SentAt.Equal(sentAt.Add(time.Minute)) {
		t.Fatalf("unexpected SentAt: %v", r.SentAt)
	}
}

func TestRedisLedger_LookupCorruptValue(t *testing.T) {
	t.Parallel()

	ledger, mr := newLedger(t, time.Minute)
	if err := mr.Set("staged:sent:stg_bad", "{nope"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := ledger.Lookup(context.Background(), "stg_bad")
	if err == nil || errors.Is(err, ErrNoReceipt) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestRedisLedger_StoreSent_ContextCanceled(t *testing.T) {
	t.Parallel()

	ledger, _ := newLedger(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ledger.StoreSent(ctx, "stg_1", "x", time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}

func TestNoopLedger(t *testing.T) {
	t.Parallel()

	var l Ledger = NoopLedger{}
	if err := l.StoreSent(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Lookup(context.Background(), "a"); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("expected ErrNoReceipt, got %v", err)
	}
}
