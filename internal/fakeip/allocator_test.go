package fakeip

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
)

func newTestAllocator(t *testing.T, size int, whitelist []string) *Allocator {
	t.Helper()
	a, err := NewAllocator("198.18.0.0/15", "2001:db8::/32", size, NewMemoryStore(), whitelist)
	if err != nil {
		t.Fatalf("Failed to build allocator: %v", err)
	}
	return a
}

func TestAllocator_StableMapping(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	first, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	second, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if !first.IPv4.Equal(second.IPv4) || !first.IPv6.Equal(second.IPv6) {
		t.Errorf("Expected stable mapping, got %v then %v", first, second)
	}
	if a.Len() != 1 {
		t.Errorf("Expected 1 mapping, got %d", a.Len())
	}
}

func TestAllocator_Bijection(t *testing.T) {
	a := newTestAllocator(t, 64, nil)

	seen := make(map[string]string)
	for i := 0; i < 32; i++ {
		domain := fmt.Sprintf("host%d.example.com", i)
		m, err := a.Lookup(domain)
		if err != nil {
			t.Fatalf("Lookup failed for %s: %v", domain, err)
		}

		if prev, dup := seen[m.IPv4.String()]; dup {
			t.Fatalf("Address %s issued to both %s and %s", m.IPv4, prev, domain)
		}
		seen[m.IPv4.String()] = domain

		if got, ok := a.ReverseLookup(m.IPv4); !ok || got != domain {
			t.Errorf("Reverse lookup of %s gave %q, want %q", m.IPv4, got, domain)
		}
		if got, ok := a.ReverseLookup(m.IPv6); !ok || got != domain {
			t.Errorf("Reverse lookup of %s gave %q, want %q", m.IPv6, got, domain)
		}
	}
}

func TestAllocator_LockstepPools(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	m, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	// Both families share the offset, so both resolve back to the domain
	v4Offset, _ := a.v4.OffsetOf(m.IPv4)
	v6Offset, _ := a.v6.OffsetOf(m.IPv6)
	if v4Offset != v6Offset {
		t.Errorf("Expected lockstep offsets, got v4=%d v6=%d", v4Offset, v6Offset)
	}
}

func TestAllocator_EvictsLeastRecentlyUsed(t *testing.T) {
	a := newTestAllocator(t, 3, nil)

	for i := 0; i < 3; i++ {
		if _, err := a.Lookup(fmt.Sprintf("host%d.example.com", i)); err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
	}

	// Touch host0 so host1 becomes the eviction candidate
	first, err := a.Lookup("host0.example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	overflow, err := a.Lookup("host3.example.com")
	if err != nil {
		t.Fatalf("Lookup for overflowing domain failed: %v", err)
	}

	if a.Len() != 3 {
		t.Errorf("Expected pool to stay at 3 mappings, got %d", a.Len())
	}

	// host1's offset was recycled for host3
	second, _ := a.v4.OffsetOf(overflow.IPv4)
	if second != 1 {
		t.Errorf("Expected offset 1 to be recycled, got %d", second)
	}

	if got, ok := a.ReverseLookup(overflow.IPv4); !ok || got != "host3.example.com" {
		t.Errorf("Expected recycled address to map to host3, got %q", got)
	}
	if got, ok := a.ReverseLookup(first.IPv4); !ok || got != "host0.example.com" {
		t.Errorf("Expected touched mapping to survive, got %q", got)
	}
	if _, err := a.Lookup("host1.example.com"); err != nil {
		t.Fatalf("Re-allocating evicted domain failed: %v", err)
	}
}

func TestAllocator_MappingsListsAllocations(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	domains := []string{"a.example.com", "b.example.com", "c.example.com"}
	for _, d := range domains {
		if _, err := a.Lookup(d); err != nil {
			t.Fatalf("Lookup failed for %s: %v", d, err)
		}
	}

	mappings := a.Mappings()
	if len(mappings) != len(domains) {
		t.Fatalf("Expected %d mappings, got %d", len(domains), len(mappings))
	}
	for i, m := range mappings {
		if m.Domain != domains[i] {
			t.Errorf("Mapping %d: got %q, want %q", i, m.Domain, domains[i])
		}
		if !a.v4.IPAtOffset(m.Offset).Equal(m.IPv4) {
			t.Errorf("Mapping %d: address %v does not match offset %d", i, m.IPv4, m.Offset)
		}
	}
}

func TestAllocator_Whitelist(t *testing.T) {
	a := newTestAllocator(t, 16, []string{"ntp.org", "*.internal"})

	cases := map[string]bool{
		"ntp.org":           true,
		"pool.ntp.org":      true,
		"db.internal":       true,
		"a.b.internal":      true,
		"example.com":       false,
		"badntp.org":        false,
		"internal.evil.com": false,
	}
	for domain, want := range cases {
		if got := a.Whitelisted(domain); got != want {
			t.Errorf("Whitelisted(%q) = %v, want %v", domain, got, want)
		}
	}
}

func TestAllocator_NormalizesDomains(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	first, err := a.Lookup("Example.COM.")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	second, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if !first.IPv4.Equal(second.IPv4) {
		t.Error("Expected case/dot-insensitive lookups to share a mapping")
	}
}

func TestAllocator_ConcurrentLookups(t *testing.T) {
	a := newTestAllocator(t, 128, nil)

	var wg sync.WaitGroup
	addrs := make([]net.IP, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := a.Lookup("example.com")
			if err != nil {
				t.Errorf("Lookup failed: %v", err)
				return
			}
			addrs[i] = m.IPv4
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(addrs); i++ {
		if !addrs[0].Equal(addrs[i]) {
			t.Fatalf("Concurrent lookups disagreed: %s vs %s", addrs[0], addrs[i])
		}
	}
	if a.Len() != 1 {
		t.Errorf("Expected a single mapping, got %d", a.Len())
	}
}

func TestAllocator_Flush(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	if _, err := a.Lookup("example.com"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Expected empty allocator after flush, got %d mappings", a.Len())
	}

	// Allocation restarts from the first offset
	m, err := a.Lookup("other.example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if offset, _ := a.v4.OffsetOf(m.IPv4); offset != 0 {
		t.Errorf("Expected offset 0 after flush, got %d", offset)
	}
}

func TestAllocator_PersistenceAcrossRestarts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fakeip.db")

	store, err := NewSqliteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	a, err := NewAllocator("198.18.0.0/15", "2001:db8::/32", 16, store, nil)
	if err != nil {
		t.Fatalf("Failed to build allocator: %v", err)
	}

	first, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, err := a.Lookup("other.example.com"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = NewSqliteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	a, err = NewAllocator("198.18.0.0/15", "2001:db8::/32", 16, store, nil)
	if err != nil {
		t.Fatalf("Failed to rebuild allocator: %v", err)
	}
	defer a.Close()

	if a.Len() != 2 {
		t.Fatalf("Expected 2 restored mappings, got %d", a.Len())
	}

	restored, err := a.Lookup("example.com")
	if err != nil {
		t.Fatalf("Lookup after restart failed: %v", err)
	}
	if !restored.IPv4.Equal(first.IPv4) {
		t.Errorf("Expected %s after restart, got %s", first.IPv4, restored.IPv4)
	}

	// New domains must not collide with restored offsets
	fresh, err := a.Lookup("third.example.com")
	if err != nil {
		t.Fatalf("Lookup after restart failed: %v", err)
	}
	if offset, _ := a.v4.OffsetOf(fresh.IPv4); offset != 2 {
		t.Errorf("Expected allocation to resume at offset 2, got %d", offset)
	}
}

func TestAllocator_Contains(t *testing.T) {
	a := newTestAllocator(t, 16, nil)

	if !a.Contains(net.ParseIP("198.18.0.2")) {
		t.Error("Expected pool address to be recognized")
	}
	if !a.Contains(net.ParseIP("2001:db8::5")) {
		t.Error("Expected IPv6 pool address to be recognized")
	}
	if a.Contains(net.ParseIP("8.8.8.8")) {
		t.Error("Expected foreign address to be rejected")
	}
}
