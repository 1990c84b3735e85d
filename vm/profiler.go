package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler tracks slow-path activity per cache site to find the sites
// that keep missing:
// - every generic lookup counts as a miss for its site
// - a site is hot once its misses reach HotThreshold
// - a site that had to skip caching a shape is flagged megamorphic

// siteKey identifies one cache site.
type siteKey struct {
	fn   *Function
	site int
}

// MissProfile holds profiling data for a single cache site.
type MissProfile struct {
	Misses      uint64 // Atomic counter for slow-path lookups
	Uncached    uint64 // Atomic counter for lookups the full site could not cache
	IsHot       atomic.Bool
	Megamorphic atomic.Bool
}

// Profiler collects MissProfiles for every site the Runtime reports.
type Profiler struct {
	profiles sync.Map // siteKey -> *MissProfile

	// HotThreshold is the miss count at which a site becomes hot.
	HotThreshold uint64 // Default: 100

	// OnHot is called once per site, when it becomes hot.
	OnHot func(fn *Function, site int, profile *MissProfile)

	hotCount uint64
}

// NewProfiler creates a new profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

func (p *Profiler) profile(fn *Function, site int) *MissProfile {
	val, _ := p.profiles.LoadOrStore(siteKey{fn, site}, &MissProfile{})
	return val.(*MissProfile)
}

// RecordMiss counts one slow-path lookup at site.
// Returns true if this miss made the site hot.
func (p *Profiler) RecordMiss(fn *Function, site int) bool {
	if fn == nil {
		return false
	}
	profile := p.profile(fn, site)
	count := atomic.AddUint64(&profile.Misses, 1)

	if count >= p.HotThreshold && profile.IsHot.CompareAndSwap(false, true) {
		atomic.AddUint64(&p.hotCount, 1)
		if p.OnHot != nil {
			p.OnHot(fn, site, profile)
		}
		return true
	}
	return false
}

// RecordMegamorphic notes that site could not cache a shape.
func (p *Profiler) RecordMegamorphic(fn *Function, site int) {
	if fn == nil {
		return
	}
	profile := p.profile(fn, site)
	atomic.AddUint64(&profile.Uncached, 1)
	profile.Megamorphic.Store(true)
}

// GetProfile returns the profile for a site, or nil if not tracked.
func (p *Profiler) GetProfile(fn *Function, site int) *MissProfile {
	if val, ok := p.profiles.Load(siteKey{fn, site}); ok {
		return val.(*MissProfile)
	}
	return nil
}

// IsHot returns true if the site has reached the hot threshold.
func (p *Profiler) IsHot(fn *Function, site int) bool {
	profile := p.GetProfile(fn, site)
	return profile != nil && profile.IsHot.Load()
}

// SiteProfile is a point-in-time report for one cache site, combining the
// profiler's counters with the site's cache statistics.
type SiteProfile struct {
	Function    string
	Site        int
	Attribute   string
	State       CacheState
	Entries     int
	Hits        uint64
	Misses      uint64
	Uncached    uint64
	Hot         bool
	Megamorphic bool
}

// Sites returns a report for every profiled site, most misses first.
func (p *Profiler) Sites() []SiteProfile {
	var out []SiteProfile
	p.profiles.Range(func(key, value any) bool {
		k := key.(siteKey)
		profile := value.(*MissProfile)
		sp := SiteProfile{
			Function:    k.fn.Name,
			Site:        k.site,
			Misses:      atomic.LoadUint64(&profile.Misses),
			Uncached:    atomic.LoadUint64(&profile.Uncached),
			Hot:         profile.IsHot.Load(),
			Megamorphic: profile.Megamorphic.Load(),
		}
		sp.Attribute, _ = k.fn.AttributeName(k.site)
		if caches := k.fn.Caches(); caches != nil && k.site < caches.NumSites() {
			stats := caches.SiteStats(k.site)
			sp.State = stats.State
			sp.Entries = stats.Count
			sp.Hits = stats.Hits
		}
		out = append(out, sp)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Misses != out[j].Misses {
			return out[i].Misses > out[j].Misses
		}
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Site < out[j].Site
	})
	return out
}

// Top returns the n sites with the most misses.
func (p *Profiler) Top(n int) []SiteProfile {
	sites := p.Sites()
	if n < len(sites) {
		sites = sites[:n]
	}
	return sites
}

// HotCount returns the number of sites that became hot.
func (p *Profiler) HotCount() int {
	return int(atomic.LoadUint64(&p.hotCount))
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
	atomic.StoreUint64(&p.hotCount, 0)
}
