package vm

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// FunctionTable: every function whose caches the runtime owns
// ---------------------------------------------------------------------------

// FunctionTable tracks rewritten functions so invalidation can sweep all
// of their caches.
type FunctionTable struct {
	mu        sync.RWMutex
	functions []*Function
	index     map[*Function]int
	byName    map[string]*Function
}

// NewFunctionTable creates an empty table.
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{
		index:  make(map[*Function]int),
		byName: make(map[string]*Function),
	}
}

// Register adds fn and returns its registration index. Registering the
// same function twice is a no-op that returns the existing index.
func (t *FunctionTable) Register(fn *Function) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[fn]; ok {
		return i
	}
	i := len(t.functions)
	t.functions = append(t.functions, fn)
	t.index[fn] = i
	t.byName[fn.Name] = fn
	fn.table.Store(t)
	return i
}

// Index returns fn's registration index.
func (t *FunctionTable) Index(fn *Function) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[fn]
	return i, ok
}

// Lookup returns the most recently registered function called name.
func (t *FunctionTable) Lookup(name string) (*Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.byName[name]
	return fn, ok
}

// All returns the registered functions in registration order.
func (t *FunctionTable) All() []*Function {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Function, len(t.functions))
	copy(out, t.functions)
	return out
}

// Len returns the number of registered functions.
func (t *FunctionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.functions)
}

// ---------------------------------------------------------------------------
// Runtime: cached attribute access
// ---------------------------------------------------------------------------

// Runtime executes the attribute-access family against inline caches.
//
// Every access captures the receiver's ShapeID once, probes the site, and
// on a hit applies the cached payload with a shape-guarded instance
// operation. Misses and guard failures take the generic path through the
// Resolver, whose payload is cached under the captured id when the site
// has a slot for it.
type Runtime struct {
	Registry  *Registry
	Functions *FunctionTable
	Resolver  Resolver
	Profiler  *Profiler

	entriesPerSite int
	log            commonlog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithEntriesPerSite sets the polymorphic degree of new cache tables.
func WithEntriesPerSite(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.entriesPerSite = n
		}
	}
}

// WithResolver replaces the generic lookup.
func WithResolver(res Resolver) RuntimeOption {
	return func(r *Runtime) { r.Resolver = res }
}

// WithProfiler records slow-path activity in p.
func WithProfiler(p *Profiler) RuntimeOption {
	return func(r *Runtime) { r.Profiler = p }
}

// NewRuntime creates a runtime over reg.
func NewRuntime(reg *Registry, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		Registry:       reg,
		Functions:      NewFunctionTable(),
		Resolver:       InstanceResolver{},
		entriesPerSite: DefaultEntriesPerSite,
		log:            commonlog.GetLogger("shapes.vm.runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EntriesPerSite returns the polymorphic degree used by Prepare.
func (r *Runtime) EntriesPerSite() int { return r.entriesPerSite }

// Prepare rewrites fn and registers it. Functions that are already
// rewritten are only registered.
func (r *Runtime) Prepare(fn *Function) error {
	if !fn.IsRewritten() {
		if err := fn.Rewrite(r.entriesPerSite); err != nil {
			return err
		}
		r.log.Debugf("prepared %s: %d cache sites", fn.Name, fn.NumCacheSites())
	}
	r.Functions.Register(fn)
	return nil
}

// caches returns fn's cache table, registering fn first if it was
// rewritten without Prepare, so invalidation always reaches every cache
// the runtime fills.
func (r *Runtime) caches(fn *Function, site int) (*CacheTable, error) {
	caches := fn.Caches()
	if caches == nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, ErrNotRewritten)
	}
	if site < 0 || site >= caches.NumSites() {
		return nil, fmt.Errorf("%s: cache site %d out of range", fn.Name, site)
	}
	if fn.table.Load() != r.Functions {
		r.Functions.Register(fn)
	}
	return caches, nil
}

// guard captures the generation of the class described by shape id.
func (r *Runtime) guard(id ShapeID) classGuard {
	if s, ok := r.Registry.Shape(id); ok {
		return guardClass(s.Class())
	}
	return classGuard{}
}

// LoadAttr executes the LOAD_ATTR at cache site of fn on inst.
func (r *Runtime) LoadAttr(fn *Function, site int, inst *Instance) (Value, error) {
	caches, err := r.caches(fn, site)
	if err != nil {
		return nil, err
	}
	id := inst.ShapeID()
	if payload, ok := caches.Lookup(site, id); ok {
		if v, ok := loadCached(payload, id, inst); ok {
			return v, nil
		}
	}
	guard := r.guard(id)
	res, err := r.resolveLoad(fn, site, inst)
	if err != nil {
		return nil, err
	}
	r.remember(fn, caches, site, inst, id, guard, res.Payload)
	return res.Value, nil
}

// LoadMethod executes the LOAD_METHOD at cache site of fn on inst. bound
// is true when the value came from the class, so the caller passes inst
// as the first argument; stored attributes are returned unbound.
func (r *Runtime) LoadMethod(fn *Function, site int, inst *Instance) (method Value, bound bool, err error) {
	caches, err := r.caches(fn, site)
	if err != nil {
		return nil, false, err
	}
	id := inst.ShapeID()
	if payload, ok := caches.Lookup(site, id); ok {
		if v, ok := loadCached(payload, id, inst); ok {
			_, bound = payload.(ClassPayload)
			return v, bound, nil
		}
	}
	guard := r.guard(id)
	res, err := r.resolveLoad(fn, site, inst)
	if err != nil {
		return nil, false, err
	}
	r.remember(fn, caches, site, inst, id, guard, res.Payload)
	_, bound = res.Payload.(ClassPayload)
	return res.Value, bound, nil
}

func loadCached(payload Value, id ShapeID, inst *Instance) (Value, bool) {
	switch p := payload.(type) {
	case SlotPayload:
		return inst.LoadSlotIf(id, p.Slot)
	case ClassPayload:
		return p.Value, true
	}
	return nil, false
}

func (r *Runtime) resolveLoad(fn *Function, site int, inst *Instance) (Resolution, error) {
	name, err := fn.AttributeName(site)
	if err != nil {
		return Resolution{}, err
	}
	return r.Resolver.ResolveLoad(inst, name)
}

// StoreAttr executes the STORE_ATTR at cache site of fn, storing v on inst.
func (r *Runtime) StoreAttr(fn *Function, site int, inst *Instance, v Value) error {
	caches, err := r.caches(fn, site)
	if err != nil {
		return err
	}
	id := inst.ShapeID()
	if payload, ok := caches.Lookup(site, id); ok {
		switch p := payload.(type) {
		case SlotPayload:
			done, err := inst.StoreSlotIf(id, p.Slot, v)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case TransitionPayload:
			if inst.TransitionStoreIf(id, p.To, p.Slot, v) {
				return nil
			}
		}
	}

	name, err := fn.AttributeName(site)
	if err != nil {
		return err
	}
	guard := r.guard(id)
	res, err := r.Resolver.ResolveStore(inst, name, v)
	if err != nil {
		return err
	}
	// A transition payload is keyed by the shape the receiver left.
	if t, ok := res.Payload.(TransitionPayload); ok {
		if inst.ShapeID() == t.To.id {
			r.remember(fn, caches, site, nil, id, guard, t)
		}
		return nil
	}
	r.remember(fn, caches, site, inst, id, guard, res.Payload)
	return nil
}

// remember caches payload for shape id at site. When inst is non-nil the
// payload is only cached if inst still has shape id. The payload is
// dropped if the class changed after guard was taken, since it may have
// been resolved against the old attributes.
func (r *Runtime) remember(fn *Function, caches *CacheTable, site int, inst *Instance, id ShapeID, guard classGuard, payload Value) {
	if r.Profiler != nil {
		r.Profiler.RecordMiss(fn, site)
	}
	if payload == nil {
		return
	}
	if inst != nil && inst.ShapeID() != id {
		return
	}
	full := false
	filled := guard.fill(func() {
		slot, ok := caches.FindSlot(site, id)
		if !ok {
			full = true
			return
		}
		caches.Update(slot, id, payload)
	})
	if !filled {
		r.log.Debugf("%s: class %s changed during lookup at site %d, shape %d not cached", fn.Name, guard.class, site, id)
		return
	}
	if full {
		if r.Profiler != nil {
			r.Profiler.RecordMegamorphic(fn, site)
		}
		r.log.Debugf("%s: cache site %d is full, shape %d not cached", fn.Name, site, id)
	}
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// SetClassAttribute defines name on c and evicts every cache entry keyed
// by a shape that describes c, in every registered function. It returns
// the number of entries evicted.
//
// The class generation is bumped under the class lock before the sweep.
// A miss that resolved against the old attributes either filled its
// entry before that, and the sweep evicts it, or sees the new generation
// and leaves the site empty. An access may still hit an entry the sweep
// has not reached yet and return the old value.
func (r *Runtime) SetClassAttribute(c *Class, name string, v Value) int {
	c.define(name, v)
	n := r.InvalidateShapes(r.Registry.ShapesDescribing(c)...)
	r.log.Debugf("set %s.%s: evicted %d cache entries", c, name, n)
	return n
}

// DeleteClassAttribute removes name from c and evicts like
// SetClassAttribute. Returns false if c had no such attribute.
func (r *Runtime) DeleteClassAttribute(c *Class, name string) (int, bool) {
	if !c.undefine(name) {
		return 0, false
	}
	n := r.InvalidateShapes(r.Registry.ShapesDescribing(c)...)
	r.log.Debugf("delete %s.%s: evicted %d cache entries", c, name, n)
	return n, true
}

// InvalidateShapes evicts every cache entry keyed by one of ids across all
// registered functions and returns the number evicted.
func (r *Runtime) InvalidateShapes(ids ...ShapeID) int {
	if len(ids) == 0 {
		return 0
	}
	n := 0
	for _, fn := range r.Functions.All() {
		if caches := fn.Caches(); caches != nil {
			n += caches.Invalidate(ids...)
		}
	}
	return n
}

// Stats aggregates inline cache statistics across registered functions.
func (r *Runtime) Stats() ICStats {
	return CollectICStats(r.Functions)
}
