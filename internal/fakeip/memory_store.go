package fakeip

import (
	"container/list"
	"sort"
	"sync"
)

// memoryStore keeps mappings in memory with O(1) LRU tracking.
// Mappings are lost on restart; use the sqlite store for persistence.
type memoryStore struct {
	mu sync.Mutex

	// byDomain maps domain -> offset
	byDomain map[string]uint32
	// byOffset maps offset -> domain
	byOffset map[uint32]string

	maxOffset    uint32
	hasMaxOffset bool

	// LRU tracking using doubly-linked list for O(1) operations
	lruList  *list.List               // list of domain strings (front = oldest)
	lruIndex map[string]*list.Element // domain -> list element
}

// NewMemoryStore creates an in-memory mapping store.
func NewMemoryStore() Store {
	return &memoryStore{
		byDomain: make(map[string]uint32),
		byOffset: make(map[uint32]string),
		lruList:  list.New(),
		lruIndex: make(map[string]*list.Element),
	}
}

// touchDomain moves a domain to the back of LRU list (most recently used).
// Must be called with lock held.
func (s *memoryStore) touchDomain(domain string) {
	if elem, exists := s.lruIndex[domain]; exists {
		s.lruList.MoveToBack(elem)
	} else {
		s.lruIndex[domain] = s.lruList.PushBack(domain)
	}
}

func (s *memoryStore) Lookup(domain string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset, exists := s.byDomain[domain]
	if !exists {
		return 0, false
	}
	s.touchDomain(domain)
	return offset, true
}

func (s *memoryStore) ReverseLookup(offset uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain, exists := s.byOffset[offset]
	return domain, exists
}

func (s *memoryStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.byOffset))
	for offset, domain := range s.byOffset {
		entries = append(entries, Entry{Offset: offset, Domain: domain})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries
}

func (s *memoryStore) Put(domain string, offset uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop a stale mapping occupying this offset
	if old, exists := s.byOffset[offset]; exists && old != domain {
		delete(s.byDomain, old)
		if elem, ok := s.lruIndex[old]; ok {
			s.lruList.Remove(elem)
			delete(s.lruIndex, old)
		}
	}

	s.byDomain[domain] = offset
	s.byOffset[offset] = domain
	s.touchDomain(domain)

	if !s.hasMaxOffset || offset > s.maxOffset {
		s.maxOffset = offset
		s.hasMaxOffset = true
	}
	return nil
}

func (s *memoryStore) EvictOldest() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lruList.Front()
	if elem == nil {
		return 0, false
	}
	oldest := elem.Value.(string)
	s.lruList.Remove(elem)
	delete(s.lruIndex, oldest)

	offset, exists := s.byDomain[oldest]
	if !exists {
		return 0, false
	}
	delete(s.byDomain, oldest)
	delete(s.byOffset, offset)
	return offset, true
}

func (s *memoryStore) MaxOffset() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOffset, s.hasMaxOffset
}

func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDomain)
}

func (s *memoryStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byDomain = make(map[string]uint32)
	s.byOffset = make(map[uint32]string)
	s.lruList = list.New()
	s.lruIndex = make(map[string]*list.Element)
	s.maxOffset = 0
	s.hasMaxOffset = false
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
