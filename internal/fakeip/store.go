package fakeip

// Entry is one offset-to-domain pair as kept by a Store.
type Entry struct {
	Offset uint32
	Domain string
}

// Store keeps the bidirectional domain-to-offset mapping behind the
// allocator. Lookup marks the mapping as recently used; EvictOldest
// removes the least recently used one so its offset can be reissued.
type Store interface {
	// Lookup returns the offset mapped to domain and marks it used.
	Lookup(domain string) (uint32, bool)
	// ReverseLookup returns the domain mapped to offset.
	ReverseLookup(offset uint32) (string, bool)
	// All returns every live mapping ordered by offset.
	All() []Entry
	// Put creates or replaces the mapping for domain.
	Put(domain string, offset uint32) error
	// EvictOldest removes the least recently used mapping and returns
	// its offset for reuse.
	EvictOldest() (uint32, bool)
	// MaxOffset returns the highest offset ever stored, used to resume
	// allocation after a restart.
	MaxOffset() (uint32, bool)
	// Len returns the number of live mappings.
	Len() int
	// Flush removes all mappings.
	Flush() error
	// Close releases the store.
	Close() error
}
