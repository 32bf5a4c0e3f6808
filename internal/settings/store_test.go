package settings

import (
	"context"
	"testing"

	"github.com/forgeserve/forge/internal/db"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s, err := New(context.Background(), conn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok := s.Get(KeyMaxQueueSize); ok {
		t.Fatal("expected unset key")
	}
	if err := s.SetInt(ctx, KeyMaxQueueSize, 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := s.GetInt(KeyMaxQueueSize, 0); got != 5 {
		t.Fatalf("GetInt = %d, want 5", got)
	}

	// Overwrite updates in place.
	if err := s.SetInt(ctx, KeyMaxQueueSize, 9); err != nil {
		t.Fatalf("set again: %v", err)
	}
	if got := s.GetInt(KeyMaxQueueSize, 0); got != 9 {
		t.Fatalf("GetInt after overwrite = %d, want 9", got)
	}
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	s := openStore(t)
	if err := s.Set(context.Background(), "k", "not-a-number"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := s.GetInt("k", 42); got != 42 {
		t.Fatalf("GetInt = %d, want fallback 42", got)
	}
}

func TestAllCopies(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_ = s.Set(ctx, "a", "1")
	_ = s.Set(ctx, "b", "2")

	all := s.All()
	if len(all) != 2 || all["a"] != "1" || all["b"] != "2" {
		t.Fatalf("All = %v", all)
	}
	all["a"] = "mutated"
	if v, _ := s.Get("a"); v != "1" {
		t.Fatal("All must return a copy, not the live map")
	}
}
