// Package fakeip hands out synthetic IP addresses for domains so that
// a data plane can recognize and redirect connections by destination
// address alone. Each domain receives one IPv4 and one IPv6 address at
// the same offset of two parallel pools, giving a stable bidirectional
// domain-to-address mapping.
package fakeip

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/feifeigood/swiftlink/internal/log"
)

// Mapping is one allocated domain-to-address pair.
type Mapping struct {
	Domain string
	Offset uint32
	IPv4   net.IP
	IPv6   net.IP
}

// Allocator assigns pool offsets to domains. Allocation is
// first-come-first-served; when the pool fills up, the least recently
// used mapping is evicted and its offset reissued.
type Allocator struct {
	mu sync.Mutex

	v4    *Pool
	v6    *Pool
	store Store
	size  uint32

	// cursor is the next never-issued offset; once it reaches size,
	// new domains recycle evicted offsets.
	cursor uint32

	whitelist []string

	sf singleflight.Group
}

// NewAllocator builds an allocator over two parallel pools. size caps
// the number of live mappings and is clamped to the smaller pool.
// whitelist entries are domain suffixes excluded from allocation.
func NewAllocator(v4CIDR, v6CIDR string, size int, store Store, whitelist []string) (*Allocator, error) {
	v4, err := NewPool(v4CIDR)
	if err != nil {
		return nil, err
	}
	v6, err := NewPool(v6CIDR)
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, fmt.Errorf("fake-IP pool size must be positive")
	}
	capacity := uint32(size)
	if v4.Capacity() < capacity {
		capacity = v4.Capacity()
	}
	if v6.Capacity() < capacity {
		capacity = v6.Capacity()
	}
	if capacity < uint32(size) {
		log.Warnf("Fake-IP pool size %d exceeds range capacity, clamped to %d", size, capacity)
	}

	normalized := make([]string, 0, len(whitelist))
	for _, entry := range whitelist {
		entry = NormalizeDomain(entry)
		entry = strings.TrimPrefix(entry, "*.")
		if entry != "" {
			normalized = append(normalized, entry)
		}
	}

	a := &Allocator{
		v4:        v4,
		v6:        v6,
		store:     store,
		size:      capacity,
		whitelist: normalized,
	}

	// Resume allocation after the highest persisted offset
	if max, ok := store.MaxOffset(); ok {
		if max >= capacity-1 {
			a.cursor = capacity
		} else {
			a.cursor = max + 1
		}
	}

	return a, nil
}

// NormalizeDomain lowercases a domain and strips the trailing dot.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// Whitelisted reports whether domain must never receive a synthetic
// address. Entries match the domain itself and any subdomain.
func (a *Allocator) Whitelisted(domain string) bool {
	domain = NormalizeDomain(domain)
	for _, entry := range a.whitelist {
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

// Lookup returns the mapping for domain, allocating one if needed.
// Concurrent lookups for the same domain are collapsed into a single
// allocation.
func (a *Allocator) Lookup(domain string) (*Mapping, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, fmt.Errorf("cannot allocate a fake IP for an empty domain")
	}

	v, err, _ := a.sf.Do(domain, func() (interface{}, error) {
		return a.allocate(domain)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Mapping), nil
}

func (a *Allocator) allocate(domain string) (*Mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if offset, ok := a.store.Lookup(domain); ok {
		return a.mapping(domain, offset), nil
	}

	var offset uint32
	if a.cursor < a.size {
		offset = a.cursor
		a.cursor++
	} else {
		recycled, ok := a.store.EvictOldest()
		if !ok {
			return nil, fmt.Errorf("fake-IP pool exhausted (%d mappings)", a.size)
		}
		offset = recycled
		log.Debugf("Fake-IP pool full, recycled offset %d for %s", offset, domain)
	}

	if err := a.store.Put(domain, offset); err != nil {
		return nil, err
	}

	return a.mapping(domain, offset), nil
}

func (a *Allocator) mapping(domain string, offset uint32) *Mapping {
	return &Mapping{
		Domain: domain,
		Offset: offset,
		IPv4:   a.v4.IPAtOffset(offset),
		IPv6:   a.v6.IPAtOffset(offset),
	}
}

// Contains reports whether ip belongs to either synthetic pool.
func (a *Allocator) Contains(ip net.IP) bool {
	return a.v4.Contains(ip) || a.v6.Contains(ip)
}

// ReverseLookup returns the domain mapped to a synthetic address.
func (a *Allocator) ReverseLookup(ip net.IP) (string, bool) {
	var offset uint32
	var ok bool
	if a.v4.Contains(ip) {
		offset, ok = a.v4.OffsetOf(ip)
	} else if a.v6.Contains(ip) {
		offset, ok = a.v6.OffsetOf(ip)
	}
	if !ok {
		return "", false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.ReverseLookup(offset)
}

// Mappings returns every live mapping, for the admin API. The store
// lists them in one pass rather than a point lookup per offset.
func (a *Allocator) Mappings() []*Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.store.All()
	result := make([]*Mapping, 0, len(entries))
	for _, e := range entries {
		result = append(result, a.mapping(e.Domain, e.Offset))
	}
	return result
}

// Len returns the number of live mappings.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Len()
}

// Flush drops all mappings and restarts allocation from the beginning.
func (a *Allocator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Flush(); err != nil {
		return err
	}
	a.cursor = 0
	return nil
}

// Close releases the backing store.
func (a *Allocator) Close() error {
	return a.store.Close()
}
