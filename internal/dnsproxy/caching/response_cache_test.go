package caching

import (
	"fmt"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func testResponse(name string, ttl uint32) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP("192.0.2.1"),
	})
	return msg
}

func TestResponseCache_PutAndGet(t *testing.T) {
	cache := NewResponseCache(16)

	if !cache.Put("example.com.", dns.TypeA, testResponse("example.com", 300)) {
		t.Fatal("Expected response to be cached")
	}

	msg, ok := cache.Get("example.com.", dns.TypeA)
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if len(msg.Answer) != 1 {
		t.Fatalf("Expected one answer, got %d", len(msg.Answer))
	}
	if msg.Answer[0].Header().Ttl == 0 || msg.Answer[0].Header().Ttl > 300 {
		t.Errorf("Unexpected TTL %d", msg.Answer[0].Header().Ttl)
	}

	if _, ok := cache.Get("example.com.", dns.TypeAAAA); ok {
		t.Error("Expected miss for different qtype")
	}
	if _, ok := cache.Get("other.example.com.", dns.TypeA); ok {
		t.Error("Expected miss for different name")
	}
}

func TestResponseCache_CanonicalNames(t *testing.T) {
	cache := NewResponseCache(16)

	cache.Put("Example.COM.", dns.TypeA, testResponse("example.com", 300))
	if _, ok := cache.Get("example.com.", dns.TypeA); !ok {
		t.Error("Expected hit for canonicalized name")
	}
}

func TestResponseCache_ZeroTTLNeverCached(t *testing.T) {
	cache := NewResponseCache(16)

	if cache.Put("example.com.", dns.TypeA, testResponse("example.com", 0)) {
		t.Error("Expected zero-TTL response to be rejected")
	}
	if _, ok := cache.Get("example.com.", dns.TypeA); ok {
		t.Error("Expected miss for zero-TTL response")
	}
}

func TestResponseCache_MinTTLWins(t *testing.T) {
	cache := NewResponseCache(16)

	msg := testResponse("example.com", 300)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   "example.com.",
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		A: net.ParseIP("192.0.2.2"),
	})

	// One record with TTL 0 makes the whole response uncacheable
	if cache.Put("example.com.", dns.TypeA, msg) {
		t.Error("Expected response with a zero-TTL record to be rejected")
	}
}

func TestResponseCache_ServfailNotCached(t *testing.T) {
	cache := NewResponseCache(16)

	msg := testResponse("example.com", 300)
	msg.Rcode = dns.RcodeServerFailure

	if cache.Put("example.com.", dns.TypeA, msg) {
		t.Error("Expected SERVFAIL response to be rejected")
	}
}

func TestResponseCache_EmptyResponseNotCached(t *testing.T) {
	cache := NewResponseCache(16)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true

	if cache.Put("example.com.", dns.TypeA, msg) {
		t.Error("Expected record-less response to be rejected")
	}
}

func TestResponseCache_LRUEviction(t *testing.T) {
	cache := NewResponseCache(3)

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("host%d.example.com.", i)
		cache.Put(name, dns.TypeA, testResponse(name, 300))
	}

	// Touch host0 so host1 becomes the eviction candidate
	cache.Get("host0.example.com.", dns.TypeA)

	cache.Put("host3.example.com.", dns.TypeA, testResponse("host3.example.com", 300))

	if cache.Len() != 3 {
		t.Errorf("Expected cache to stay at 3 entries, got %d", cache.Len())
	}
	if _, ok := cache.Get("host1.example.com.", dns.TypeA); ok {
		t.Error("Expected least recently used entry to be evicted")
	}
	if _, ok := cache.Get("host0.example.com.", dns.TypeA); !ok {
		t.Error("Expected touched entry to survive")
	}
	if _, ok := cache.Get("host3.example.com.", dns.TypeA); !ok {
		t.Error("Expected newest entry to be present")
	}
}

func TestResponseCache_CachedCopyIsIsolated(t *testing.T) {
	cache := NewResponseCache(16)

	original := testResponse("example.com", 300)
	cache.Put("example.com.", dns.TypeA, original)

	// Mutating the original or a returned copy must not corrupt the cache
	original.Answer[0].(*dns.A).A = net.ParseIP("203.0.113.9")

	first, _ := cache.Get("example.com.", dns.TypeA)
	first.Answer[0].(*dns.A).A = net.ParseIP("203.0.113.10")

	second, _ := cache.Get("example.com.", dns.TypeA)
	if !second.Answer[0].(*dns.A).A.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("Cached answer was mutated: %v", second.Answer[0])
	}
}

func TestResponseCache_EvictExpiredEntries(t *testing.T) {
	cache := NewResponseCache(16)

	cache.Put("example.com.", dns.TypeA, testResponse("example.com", 300))

	// Force the deadline into the past
	cache.mu.Lock()
	for _, entry := range cache.entries {
		entry.deadline = entry.stored
	}
	cache.mu.Unlock()

	cache.EvictExpiredEntries()
	if cache.Len() != 0 {
		t.Errorf("Expected expired entry to be swept, got %d entries", cache.Len())
	}
}

func TestResponseCache_ExpiredEntryIsMiss(t *testing.T) {
	cache := NewResponseCache(16)

	cache.Put("example.com.", dns.TypeA, testResponse("example.com", 300))

	cache.mu.Lock()
	for _, entry := range cache.entries {
		entry.deadline = entry.stored
	}
	cache.mu.Unlock()

	if _, ok := cache.Get("example.com.", dns.TypeA); ok {
		t.Error("Expected expired entry to miss")
	}
	if cache.Len() != 0 {
		t.Errorf("Expected lazy removal of expired entry, got %d entries", cache.Len())
	}
}

func TestResponseCache_Clear(t *testing.T) {
	cache := NewResponseCache(16)

	cache.Put("example.com.", dns.TypeA, testResponse("example.com", 300))
	cache.Clear()

	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after clear, got %d entries", cache.Len())
	}
}
