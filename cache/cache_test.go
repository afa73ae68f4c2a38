package cache

import (
	"testing"

	"github.com/aox-project/aox/smtp"
)

func TestDedupStrings(t *testing.T) {
	got := dedupStrings([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupStrings(...) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupStrings(...) = %v, want %v", got, want)
		}
	}
}

func TestAddrKeyLowercasesDomainOnly(t *testing.T) {
	a := Addr{Localpart: smtp.Localpart("User"), Domain: "Example.COM"}
	if got, want := a.key(), "User@example.com"; got != want {
		t.Fatalf("key() = %q, want %q", got, want)
	}
}

// TestNameCacheResolveAllHits exercises the cache-hit path of Resolve, which
// never touches the database: every name is already known locally, so the
// transaction is never dereferenced. This is the only part of NameCache
// testable without a live PostgreSQL connection.
func TestNameCacheResolveAllHits(t *testing.T) {
	c := NewNameCache("flag_names")
	c.mu.Lock()
	c.byName["\\Seen"] = 1
	c.byName["\\Answered"] = 2
	c.mu.Unlock()

	result, err := c.Resolve(nil, []string{"\\Seen", "\\Answered", "\\Seen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["\\Seen"] != 1 || result["\\Answered"] != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestNameCacheResolveEmpty(t *testing.T) {
	c := NewNameCache("flag_names")
	result, err := c.Resolve(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("expected empty result for no names, got %+v", result)
	}
}

// TestAddressCacheResolveAllHits mirrors TestNameCacheResolveAllHits for
// AddressCache: every address already resolved locally, so the transaction
// argument is never used.
func TestAddressCacheResolveAllHits(t *testing.T) {
	c := NewAddressCache()
	alice := Addr{Name: "Alice", Localpart: "alice", Domain: "example.com"}
	c.store(alice, 9)

	result, err := c.Resolve(nil, []Addr{alice, alice})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result[alice.key()] != 9 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAddressCacheResolveDedupesWithinBatch(t *testing.T) {
	c := NewAddressCache()
	alice := Addr{Localpart: "alice", Domain: "Example.com"}
	aliceUpper := Addr{Localpart: "alice", Domain: "EXAMPLE.COM"}
	c.store(alice, 4)

	// Both addrs key to the same canonical string; since the key is
	// already cached, Resolve must not touch the transaction for either.
	result, err := c.Resolve(nil, []Addr{alice, aliceUpper})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[alice.key()] != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
