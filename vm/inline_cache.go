package vm

import (
	"fmt"
	"sync/atomic"
)

// Inline Caching for Attribute Access
//
// Every attribute-access instruction owns a fixed-size sub-table of N
// entries keyed by the receiver's ShapeID. Sites move through:
//
//	Empty -> Monomorphic -> Polymorphic -> Megamorphic
//
// There is no eviction. A site whose N entries are taken keeps the shapes
// it already knows and sends every other shape down the generic path.
// Entries only disappear through Invalidate.

// CacheState represents the current state of an inline cache site.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single shape cached
	CachePolymorphic                   // 2..N shapes cached
	CacheMegamorphic                   // All N taken and an unseen shape arrived
)

// String implements the Stringer interface.
func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "EMPTY"
	case CacheMonomorphic:
		return "MONOMORPHIC"
	case CachePolymorphic:
		return "POLYMORPHIC"
	case CacheMegamorphic:
		return "MEGAMORPHIC"
	default:
		return fmt.Sprintf("CacheState(%d)", uint8(s))
	}
}

// DefaultEntriesPerSite is the polymorphic degree of a cache site.
const DefaultEntriesPerSite = 4

// cacheEntry is immutable once stored; a slot is replaced as a whole so
// readers never see a key from one write paired with a payload from
// another.
type cacheEntry struct {
	key     ShapeID
	payload Value
}

type siteCounters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	saturated atomic.Bool
}

// CacheTable holds the inline caches for every attribute-access site of
// one function: a flat sequence of sites × entriesPerSite slots.
//
// A table is single-writer/multi-reader: Update publishes a slot with one
// atomic store.
type CacheTable struct {
	entriesPerSite int
	slots          []atomic.Pointer[cacheEntry]
	sites          []siteCounters
}

// NewCacheTable creates a table of empty sites.
// Panics if entriesPerSite is not positive.
func NewCacheTable(sites, entriesPerSite int) *CacheTable {
	if entriesPerSite <= 0 {
		panic("NewCacheTable: entriesPerSite must be positive")
	}
	return &CacheTable{
		entriesPerSite: entriesPerSite,
		slots:          make([]atomic.Pointer[cacheEntry], sites*entriesPerSite),
		sites:          make([]siteCounters, sites),
	}
}

// NumSites returns the number of cache sites.
func (t *CacheTable) NumSites() int { return len(t.sites) }

// EntriesPerSite returns the polymorphic degree of every site.
func (t *CacheTable) EntriesPerSite() int { return t.entriesPerSite }

func (t *CacheTable) siteSlots(site int) []atomic.Pointer[cacheEntry] {
	if site < 0 || site >= len(t.sites) {
		panic(fmt.Sprintf("CacheTable: site %d out of range (%d sites)", site, len(t.sites)))
	}
	base := site * t.entriesPerSite
	return t.slots[base : base+t.entriesPerSite]
}

// Lookup returns the payload cached for shape id at site.
// Empty slots and slots holding other shapes are both misses.
func (t *CacheTable) Lookup(site int, id ShapeID) (Value, bool) {
	slots := t.siteSlots(site)
	for i := range slots {
		if e := slots[i].Load(); e != nil && e.key == id {
			t.sites[site].hits.Add(1)
			return e.payload, true
		}
	}
	t.sites[site].misses.Add(1)
	return nil, false
}

// FindSlot returns the flat slot index to use for shape id at site: the
// slot already holding id, or else the first empty slot. Returns false
// when every slot holds another shape; the caller must then skip caching.
func (t *CacheTable) FindSlot(site int, id ShapeID) (int, bool) {
	slots := t.siteSlots(site)
	free := -1
	for i := range slots {
		e := slots[i].Load()
		if e == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.key == id {
			return site*t.entriesPerSite + i, true
		}
	}
	if free < 0 {
		t.sites[site].saturated.Store(true)
		return -1, false
	}
	return site*t.entriesPerSite + free, true
}

// Update writes a key/payload pair into a slot returned by FindSlot.
func (t *CacheTable) Update(slot int, id ShapeID, payload Value) {
	t.slots[slot].Store(&cacheEntry{key: id, payload: payload})
}

// Entry returns the contents of a flat slot.
func (t *CacheTable) Entry(slot int) (ShapeID, Value, bool) {
	e := t.slots[slot].Load()
	if e == nil {
		return 0, nil, false
	}
	return e.key, e.payload, true
}

// Count returns the number of filled slots at site.
func (t *CacheTable) Count(site int) int {
	n := 0
	slots := t.siteSlots(site)
	for i := range slots {
		if slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// State returns the state of a site.
func (t *CacheTable) State(site int) CacheState {
	n := t.Count(site)
	switch {
	case n == 0:
		return CacheEmpty
	case n == t.entriesPerSite && t.sites[site].saturated.Load():
		return CacheMegamorphic
	case n == 1:
		return CacheMonomorphic
	default:
		return CachePolymorphic
	}
}

// Keys returns the shapes cached at site, in slot order.
func (t *CacheTable) Keys(site int) []ShapeID {
	var keys []ShapeID
	slots := t.siteSlots(site)
	for i := range slots {
		if e := slots[i].Load(); e != nil {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Invalidate clears every slot keyed by one of ids and returns how many
// were cleared. A site that loses an entry can learn new shapes again.
func (t *CacheTable) Invalidate(ids ...ShapeID) int {
	if len(ids) == 0 {
		return 0
	}
	doomed := make(map[ShapeID]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	n := 0
	for i := range t.slots {
		e := t.slots[i].Load()
		if e == nil {
			continue
		}
		if _, ok := doomed[e.key]; ok && t.slots[i].CompareAndSwap(e, nil) {
			t.sites[i/t.entriesPerSite].saturated.Store(false)
			n++
		}
	}
	return n
}

// Reset clears every site and its statistics.
func (t *CacheTable) Reset() {
	for i := range t.slots {
		t.slots[i].Store(nil)
	}
	for i := range t.sites {
		t.sites[i].hits.Store(0)
		t.sites[i].misses.Store(0)
		t.sites[i].saturated.Store(false)
	}
}

// SiteStats holds statistics for one cache site.
type SiteStats struct {
	State  CacheState
	Count  int
	Hits   uint64
	Misses uint64
}

// HitRate returns the hit rate as a percentage (0-100).
func (s SiteStats) HitRate() float64 {
	return hitRate(s.Hits, s.Misses)
}

// SiteStats returns statistics for a site.
func (t *CacheTable) SiteStats(site int) SiteStats {
	return SiteStats{
		State:  t.State(site),
		Count:  t.Count(site),
		Hits:   t.sites[site].hits.Load(),
		Misses: t.sites[site].misses.Load(),
	}
}

// Stats returns aggregate statistics for all sites in the table.
func (t *CacheTable) Stats() (mono, poly, mega, empty int, totalHits, totalMisses uint64) {
	for site := range t.sites {
		s := t.SiteStats(site)
		switch s.State {
		case CacheMonomorphic:
			mono++
		case CachePolymorphic:
			poly++
		case CacheMegamorphic:
			mega++
		case CacheEmpty:
			empty++
		}
		totalHits += s.Hits
		totalMisses += s.Misses
	}
	return
}

// HitRate returns the aggregate hit rate for all sites.
func (t *CacheTable) HitRate() float64 {
	_, _, _, _, hits, misses := t.Stats()
	return hitRate(hits, misses)
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	Functions       int     // Rewritten functions
	TotalCallSites  int     // Total number of cache sites
	Monomorphic     int     // Sites in monomorphic state
	Polymorphic     int     // Sites in polymorphic state
	Megamorphic     int     // Sites in megamorphic state
	Empty           int     // Sites never filled
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of non-empty sites that are monomorphic
}

// CollectICStats gathers inline cache statistics from every function in
// a FunctionTable.
func CollectICStats(ft *FunctionTable) ICStats {
	var stats ICStats
	for _, fn := range ft.All() {
		caches := fn.Caches()
		if caches == nil {
			continue
		}
		stats.Functions++
		mono, poly, mega, empty, hits, misses := caches.Stats()
		stats.Monomorphic += mono
		stats.Polymorphic += poly
		stats.Megamorphic += mega
		stats.Empty += empty
		stats.TotalHits += hits
		stats.TotalMisses += misses
		stats.TotalCallSites += mono + poly + mega + empty
	}

	stats.HitRate = hitRate(stats.TotalHits, stats.TotalMisses)

	nonEmpty := stats.TotalCallSites - stats.Empty
	if nonEmpty > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(nonEmpty)
	}
	return stats
}
