package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Class: type-level metadata referenced by shapes
// ---------------------------------------------------------------------------

// Class is the "described class" of a shape. It carries the metadata
// that lookups need beyond instance storage: the docstring and the
// class-level attribute dictionary (methods, defaults).
//
// Once a runtime has cached anything for a shape describing the class,
// attributes can only be changed through Runtime.SetClassAttribute and
// Runtime.DeleteClassAttribute, which invalidate every inline cache that
// may hold a stale answer.
type Class struct {
	Name string
	Doc  string

	mu       sync.RWMutex
	attrs    map[string]Value
	gen      uint64 // bumped by every change, guarded by mu
	observed atomic.Bool
}

// NewClass creates a class with no attributes.
func NewClass(name string) *Class {
	return &Class{Name: name, attrs: make(map[string]Value)}
}

// Attribute returns a class-level attribute.
func (c *Class) Attribute(name string) (Value, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	return v, ok
}

// HasAttribute returns true if the class defines the named attribute.
func (c *Class) HasAttribute(name string) bool {
	_, ok := c.Attribute(name)
	return ok
}

// AttributeNames returns the class attribute names in sorted order.
func (c *Class) AttributeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.attrs))
	for n := range c.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// define sets a class attribute without invalidation. The caller sweeps
// the caches afterwards.
func (c *Class) define(name string, v Value) {
	c.mu.Lock()
	c.attrs[name] = v
	c.gen++
	c.mu.Unlock()
}

func (c *Class) undefine(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attrs[name]; !ok {
		return false
	}
	delete(c.attrs, name)
	c.gen++
	return true
}

// Define sets a class attribute while the class is being built. It
// returns ErrClassObserved once an inline cache holds an entry for a shape
// describing c; use Runtime.SetClassAttribute from then on.
func (c *Class) Define(name string, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observed.Load() {
		return fmt.Errorf("define %s.%s: %w", c.Name, name, ErrClassObserved)
	}
	c.attrs[name] = v
	c.gen++
	return nil
}

// Observed returns true once an inline cache has been filled for a shape
// describing c.
func (c *Class) Observed() bool {
	return c != nil && c.observed.Load()
}

// classGuard remembers a class generation so a cache fill computed from
// it can be dropped when the class changed in the meantime.
type classGuard struct {
	class *Class
	gen   uint64
}

func guardClass(c *Class) classGuard {
	if c == nil {
		return classGuard{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return classGuard{class: c, gen: c.gen}
}

// fill runs f under the class read lock if the class is unchanged since
// the guard was taken, and marks the class observed. A class change
// either waits for f to finish, so its sweep sees the entry, or happens
// first, so f does not run. Returns false if f did not run.
func (g classGuard) fill(f func()) bool {
	if g.class == nil {
		f()
		return true
	}
	g.class.mu.RLock()
	defer g.class.mu.RUnlock()
	if g.class.gen != g.gen {
		return false
	}
	g.class.observed.Store(true)
	f()
	return true
}

// String implements the Stringer interface.
func (c *Class) String() string {
	if c == nil {
		return "<no class>"
	}
	return c.Name
}
