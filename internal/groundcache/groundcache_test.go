package groundcache

import (
	"fmt"
	"testing"
	"time"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"How's my Groceries budget?", "hows my groceries budget"},
		{"  lots   of    spaces  ", "lots of spaces"},
		{"ALL CAPS!!!", "all caps"},
		{"what's my balance?", "whats my balance"},
		{"", ""},
		{"?!.,", ""},
	}
	for _, tt := range tests {
		if got := Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("get_budget_status", "How's my groceries budget?", "abc123")
	b := Key("get_budget_status", "hows my   groceries budget", "abc123")
	if a != b {
		t.Errorf("equivalent queries keyed differently: %q vs %q", a, b)
	}
	c := Key("get_budget_status", "How's my groceries budget?", "def456")
	if a == c {
		t.Error("different pack hashes produced the same key")
	}
}

func TestCacheGetPut(t *testing.T) {
	c := New(4, time.Hour, nil)

	key := Key("get_budget_status", "budget?", "hash1")
	if _, ok := c.Get(key); ok {
		t.Fatal("hit on empty cache")
	}

	c.Put(key, "You have $187.83 left.", []string{"budget-groceries"})
	e, ok := c.Get(key)
	if !ok {
		t.Fatal("miss after Put")
	}
	if e.Answer != "You have $187.83 left." {
		t.Errorf("Answer = %q", e.Answer)
	}
	if len(e.FactIDs) != 1 || e.FactIDs[0] != "budget-groceries" {
		t.Errorf("FactIDs = %v", e.FactIDs)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, size 1", s)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New(4, 10*time.Minute, nil)
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := Key("get_balances", "balance?", "hash1")
	c.Put(key, "answer", nil)

	now = now.Add(9 * time.Minute)
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry expired before TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Fatal("entry survived past TTL")
	}

	s := c.Stats()
	if s.Expired != 1 {
		t.Errorf("Expired = %d, want 1", s.Expired)
	}
	if s.Size != 0 {
		t.Errorf("Size = %d, want 0 after expiry removal", s.Size)
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	c := New(3, 0, nil)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("key-%d", i), "answer", nil)
	}
	c.Put("key-3", "answer", nil)

	if _, ok := c.Get("key-0"); ok {
		t.Error("oldest entry survived eviction")
	}
	for i := 1; i <= 3; i++ {
		if _, ok := c.Get(fmt.Sprintf("key-%d", i)); !ok {
			t.Errorf("key-%d evicted, want key-0 only", i)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestCachePutExistingRefreshes(t *testing.T) {
	c := New(2, 0, nil)
	c.Put("a", "one", nil)
	c.Put("b", "two", nil)
	c.Put("a", "one-updated", nil)

	// Refreshing "a" must not evict anything.
	if s := c.Stats(); s.Evictions != 0 {
		t.Fatalf("Evictions = %d, want 0", s.Evictions)
	}
	e, ok := c.Get("a")
	if !ok || e.Answer != "one-updated" {
		t.Errorf("Get(a) = %v, %v; want refreshed value", e, ok)
	}

	// "a" keeps its original eviction slot, so it still goes first.
	c.Put("c", "three", nil)
	if _, ok := c.Get("a"); ok {
		t.Error("refreshed entry should keep its insertion position")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("newer entry evicted ahead of older one")
	}
}

func TestCacheInvalidateByHash(t *testing.T) {
	c := New(8, 0, nil)
	c.Put(Key("get_balances", "balance", "stale"), "a", nil)
	c.Put(Key("get_budget_status", "budget", "stale"), "b", nil)
	c.Put(Key("get_balances", "balance", "fresh"), "c", nil)

	if got := c.Invalidate("stale"); got != 2 {
		t.Errorf("Invalidate removed %d, want 2", got)
	}
	if _, ok := c.Get(Key("get_balances", "balance", "fresh")); !ok {
		t.Error("fresh entry removed by invalidation")
	}
	if s := c.Stats(); s.Size != 1 {
		t.Errorf("Size = %d, want 1", s.Size)
	}
}
