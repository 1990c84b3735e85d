// Package manifest handles shapes.toml runtime configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/shapes/vm"
)

// FileName is the name of the configuration file.
const FileName = "shapes.toml"

// Manifest represents a shapes.toml configuration.
type Manifest struct {
	Layout  Layout        `toml:"layout"`
	Cache   Cache         `toml:"cache"`
	Log     Log           `toml:"log"`
	Profile Profile       `toml:"profile"`
	Server  Server        `toml:"server"`
	Classes []ClassLayout `toml:"class"`

	// Dir is the directory containing the shapes.toml file (set at load time).
	Dir string `toml:"-"`
}

// Layout configures the shape registry.
type Layout struct {
	PointerSize      int `toml:"pointer-size"`
	InObjectCapacity int `toml:"in-object-capacity"`
}

// Cache configures inline caches.
type Cache struct {
	EntriesPerSite int `toml:"entries-per-site"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Profile configures the cache telemetry store.
type Profile struct {
	Database string `toml:"database"`
}

// Server configures the inspection server.
type Server struct {
	Addr string `toml:"addr"`
}

// ClassLayout declares a class with a fixed instance layout.
type ClassLayout struct {
	Name          string   `toml:"name"`
	Doc           string   `toml:"doc"`
	Attributes    []string `toml:"attributes"`
	ReadOnly      []string `toml:"read-only"`
	ExtraCapacity int      `toml:"extra-capacity"`
	Sealed        bool     `toml:"sealed"`
}

// Default returns the configuration used when no shapes.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Layout.PointerSize == 0 {
		m.Layout.PointerSize = vm.DefaultPointerSize
	}
	if m.Cache.EntriesPerSite == 0 {
		m.Cache.EntriesPerSite = vm.DefaultEntriesPerSite
	}
}

// Validate reports the first invalid setting. Load fills in defaults for
// unset values before validating.
func (m *Manifest) Validate() error {
	if m.Layout.PointerSize <= 0 {
		return fmt.Errorf("layout.pointer-size must be positive, got %d", m.Layout.PointerSize)
	}
	if m.Layout.InObjectCapacity < 0 {
		return fmt.Errorf("layout.in-object-capacity must not be negative, got %d", m.Layout.InObjectCapacity)
	}
	if m.Cache.EntriesPerSite < 1 || m.Cache.EntriesPerSite > 255 {
		return fmt.Errorf("cache.entries-per-site must be between 1 and 255, got %d", m.Cache.EntriesPerSite)
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if c.Name == "" {
			return errors.New("class without a name")
		}
		if seen[c.Name] {
			return fmt.Errorf("class %s declared twice", c.Name)
		}
		seen[c.Name] = true
		attrs := make(map[string]bool, len(c.Attributes))
		for _, a := range c.Attributes {
			attrs[a] = true
		}
		for _, ro := range c.ReadOnly {
			if !attrs[ro] {
				return fmt.Errorf("class %s: read-only attribute %q is not declared", c.Name, ro)
			}
		}
	}
	return nil
}

// Load parses a shapes.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a shapes.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Save writes m as shapes.toml into dir.
func (m *Manifest) Save(dir string) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

// RegistryOptions returns the vm options for the [layout] table.
func (m *Manifest) RegistryOptions() []vm.RegistryOption {
	return []vm.RegistryOption{
		vm.WithPointerSize(m.Layout.PointerSize),
		vm.WithRootCapacity(m.Layout.InObjectCapacity),
	}
}

// RuntimeOptions returns the vm options for the [cache] table.
func (m *Manifest) RuntimeOptions() []vm.RuntimeOption {
	return []vm.RuntimeOption{vm.WithEntriesPerSite(m.Cache.EntriesPerSite)}
}

// EntriesPerSite returns the configured polymorphic degree.
func (m *Manifest) EntriesPerSite() int {
	return m.Cache.EntriesPerSite
}

// ProfilePath returns the profile database path, resolved against Dir.
// Returns "" when no database is configured.
func (m *Manifest) ProfilePath() string {
	return m.resolve(m.Profile.Database)
}

// LogPath returns the log file path, resolved against Dir.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.File)
}

func (m *Manifest) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || m.Dir == "" {
		return path
	}
	return filepath.Join(m.Dir, path)
}

// LayoutSpec converts a declared class into a vm layout for class c.
func (c ClassLayout) LayoutSpec(class *vm.Class) vm.LayoutSpec {
	readOnly := make(map[string]bool, len(c.ReadOnly))
	for _, name := range c.ReadOnly {
		readOnly[name] = true
	}
	spec := vm.LayoutSpec{
		Class:         class,
		ExtraCapacity: c.ExtraCapacity,
		Sealed:        c.Sealed,
	}
	for _, name := range c.Attributes {
		flags := vm.AttrNone
		if readOnly[name] {
			flags |= vm.AttrReadOnly
		}
		spec.InObject = append(spec.InObject, vm.AttributeSpec{Name: name, Flags: flags})
	}
	return spec
}

// DeclareClasses creates every declared class and its layout shape in reg.
// The result maps class names to their layout shapes.
func (m *Manifest) DeclareClasses(reg *vm.Registry) (map[string]*vm.Shape, error) {
	layouts := make(map[string]*vm.Shape, len(m.Classes))
	for _, decl := range m.Classes {
		class := vm.NewClass(decl.Name)
		class.Doc = decl.Doc
		shape, err := reg.NewLayout(decl.LayoutSpec(class))
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", decl.Name, err)
		}
		layouts[decl.Name] = shape
	}
	return layouts, nil
}
