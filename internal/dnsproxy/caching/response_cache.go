// Package caching provides a TTL-aware LRU cache for upstream DNS
// responses.
package caching

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type cacheKey struct {
	name  string
	qtype uint16
}

type cacheEntry struct {
	msg      *dns.Msg
	deadline time.Time
	stored   time.Time
}

// ResponseCache stores upstream DNS responses keyed by question name
// and type. Entries expire with the smallest TTL of the stored answer
// and are evicted least-recently-used first when the cache is full.
type ResponseCache struct {
	mu sync.Mutex

	entries map[cacheKey]*cacheEntry
	maxSize int

	// LRU tracking using doubly-linked list for O(1) operations
	lruList  *list.List                 // list of cacheKey (front = oldest)
	lruIndex map[cacheKey]*list.Element // key -> list element
}

// NewResponseCache creates a response cache bounded to maxSize entries.
func NewResponseCache(maxSize int) *ResponseCache {
	if maxSize <= 0 {
		panic("maxSize must be positive")
	}
	return &ResponseCache{
		entries:  make(map[cacheKey]*cacheEntry),
		maxSize:  maxSize,
		lruList:  list.New(),
		lruIndex: make(map[cacheKey]*list.Element),
	}
}

// touchKey moves a key to the back of LRU list (most recently used).
// Must be called with lock held.
func (c *ResponseCache) touchKey(key cacheKey) {
	if elem, exists := c.lruIndex[key]; exists {
		c.lruList.MoveToBack(elem)
	} else {
		c.lruIndex[key] = c.lruList.PushBack(key)
	}
}

// removeKey drops a key from all structures.
// Must be called with lock held.
func (c *ResponseCache) removeKey(key cacheKey) {
	delete(c.entries, key)
	if elem, exists := c.lruIndex[key]; exists {
		c.lruList.Remove(elem)
		delete(c.lruIndex, key)
	}
}

// evictIfNeeded evicts the least recently used entries if the cache is full.
// Must be called with lock held.
func (c *ResponseCache) evictIfNeeded() {
	for c.lruList.Len() > c.maxSize {
		elem := c.lruList.Front()
		if elem == nil {
			break
		}
		c.removeKey(elem.Value.(cacheKey))
	}
}

// minTTL returns the smallest TTL across all records of a response,
// ignoring the OPT pseudo-record. The second return value is false
// when the response carries no cacheable records.
func minTTL(msg *dns.Msg) (uint32, bool) {
	ttl := uint32(0)
	found := false
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if !found || rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
				found = true
			}
		}
	}
	return ttl, found
}

// Put stores a response under the given question name and type.
// Responses without records, responses whose smallest TTL is zero and
// non-NOERROR/NXDOMAIN responses are never cached.
func (c *ResponseCache) Put(name string, qtype uint16, msg *dns.Msg) bool {
	if msg == nil {
		return false
	}
	if msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError {
		return false
	}
	if msg.Truncated {
		return false
	}

	ttl, found := minTTL(msg)
	if !found || ttl == 0 {
		return false
	}

	key := cacheKey{name: dns.CanonicalName(name), qtype: qtype}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		msg:      msg.Copy(),
		deadline: now.Add(time.Duration(ttl) * time.Second),
		stored:   now,
	}
	c.touchKey(key)
	c.evictIfNeeded()
	return true
}

// Get returns a copy of the cached response with TTLs reduced by the
// time the entry spent in the cache. Expired entries are dropped.
func (c *ResponseCache) Get(name string, qtype uint16) (*dns.Msg, bool) {
	key := cacheKey{name: dns.CanonicalName(name), qtype: qtype}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if !now.Before(entry.deadline) {
		c.removeKey(key)
		return nil, false
	}

	c.touchKey(key)

	msg := entry.msg.Copy()
	elapsed := uint32(now.Sub(entry.stored) / time.Second)
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl > elapsed {
				rr.Header().Ttl -= elapsed
			} else {
				rr.Header().Ttl = 1
			}
		}
	}
	return msg, true
}

// EvictExpiredEntries removes expired entries from the cache.
func (c *ResponseCache) EvictExpiredEntries() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if !now.Before(entry.deadline) {
			c.removeKey(key)
		}
	}
}

// Clear removes all entries from the cache.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]*cacheEntry)
	c.lruList = list.New()
	c.lruIndex = make(map[cacheKey]*list.Element)
}

// Len returns the number of cached responses.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
