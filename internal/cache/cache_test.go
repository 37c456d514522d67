package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if b, err := m.Get(ctx, "k"); err != nil || string(b) != "v" {
		t.Fatalf("expected hit, got %q err=%v", b, err)
	}
	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestMemoryDel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "a", []byte("1"), 0)
	_ = m.Set(ctx, "b", []byte("2"), 0)
	_ = m.Del(ctx, "a", "b")
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestMemorySets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.SAdd(ctx, "route:R1:captains", time.Minute, "8", "7")
	_ = m.SAdd(ctx, "route:R1:captains", time.Minute, "7")
	got, _ := m.SMembers(ctx, "route:R1:captains")
	if len(got) != 2 || got[0] != "7" || got[1] != "8" {
		t.Fatalf("expected [7 8], got %v", got)
	}
	_ = m.SRem(ctx, "route:R1:captains", "7")
	if got, _ := m.SMembers(ctx, "route:R1:captains"); len(got) != 1 || got[0] != "8" {
		t.Fatalf("expected [8] after remove, got %v", got)
	}
	now = now.Add(time.Minute)
	if got, _ := m.SMembers(ctx, "route:R1:captains"); len(got) != 0 {
		t.Fatalf("expected empty set after ttl, got %v", got)
	}
}
