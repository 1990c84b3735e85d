// Shapes CLI - inspect registry snapshots and recorded inline cache profiles
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/shapes/manifest"
	"github.com/chazu/shapes/profile"
	"github.com/chazu/shapes/server"
	"github.com/chazu/shapes/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (debug logging)")
	configDir := flag.String("config", ".", "Directory to search upward for shapes.toml")
	initConfig := flag.Bool("init", false, "Write a default shapes.toml into -config and exit")
	snapshotFile := flag.String("snapshot", "", "Dump the shapes of a registry snapshot")
	profileDB := flag.String("profile", "", "Profile database (overrides [profile] database)")
	runID := flag.String("run", "", "With -profile: list the cache sites of one run")
	demo := flag.Bool("demo", false, "Run the built-in polymorphic workload and report cache statistics")
	save := flag.String("save", "", "With -demo: write the registry snapshot to this file")
	record := flag.Bool("record", false, "With -demo: record the run in the profile database")
	serve := flag.String("serve", "", "With -demo: serve the inspection API on this address (overrides [server] addr)")
	remote := flag.String("remote", "", "Query the inspection server at this URL")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: shapes [options]\n\n")
		fmt.Fprintf(os.Stderr, "Inspects object shapes and inline cache behaviour.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  shapes -init                        # Write ./shapes.toml\n")
		fmt.Fprintf(os.Stderr, "  shapes -demo -save reg.cbor         # Run workload, keep its registry\n")
		fmt.Fprintf(os.Stderr, "  shapes -snapshot reg.cbor           # Dump a saved registry\n")
		fmt.Fprintf(os.Stderr, "  shapes -demo -record -profile ic.db # Record cache statistics\n")
		fmt.Fprintf(os.Stderr, "  shapes -profile ic.db               # List recorded runs\n")
		fmt.Fprintf(os.Stderr, "  shapes -profile ic.db -run ID       # List the sites of a run\n")
		fmt.Fprintf(os.Stderr, "  shapes -demo -serve :7070           # Serve the demo runtime\n")
		fmt.Fprintf(os.Stderr, "  shapes -remote http://localhost:7070 # Query a running server\n")
	}
	flag.Parse()

	if *initConfig {
		if err := manifest.Default().Save(*configDir); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s/%s\n", *configDir, manifest.FileName)
		return
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fatal(err)
	}
	if m == nil {
		m = manifest.Default()
	}
	configureLogging(m, *verbose)

	dbPath := *profileDB
	if dbPath == "" {
		dbPath = m.ProfilePath()
	}

	addr := *serve
	if addr == "" {
		addr = m.Server.Addr
	}

	switch {
	case *demo:
		var rt *vm.Runtime
		var prof *vm.Profiler
		rt, prof, err = runDemo(m, dbPath, *save, *record)
		if err == nil && addr != "" {
			err = server.New(rt, prof).ListenAndServe(addr)
		}
	case *remote != "":
		err = queryRemote(*remote)
	case *snapshotFile != "":
		err = dumpSnapshot(*snapshotFile)
	case dbPath != "" && *runID != "":
		err = listSites(dbPath, *runID)
	case dbPath != "":
		err = listRuns(dbPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func configureLogging(m *manifest.Manifest, verbose bool) {
	verbosity := m.Log.Verbosity
	if verbose {
		verbosity = 2
	}
	if path := m.LogPath(); path != "" {
		commonlog.Configure(verbosity, &path)
	} else {
		commonlog.Configure(verbosity, nil)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// runDemo stores and loads attributes on instances of several shapes
// through one function, so its sites go monomorphic, polymorphic and
// megamorphic.
func runDemo(m *manifest.Manifest, dbPath, savePath string, record bool) (*vm.Runtime, *vm.Profiler, error) {
	reg := vm.NewRegistry(m.RegistryOptions()...)
	if _, err := m.DeclareClasses(reg); err != nil {
		return nil, nil, err
	}
	prof := vm.NewProfiler()
	rt := vm.NewRuntime(reg, append(m.RuntimeOptions(), vm.WithProfiler(prof))...)

	// store_x(o, v): o.x = v; return o.x
	fn := vm.NewFunctionBuilder("store_x").
		Emit(vm.OpLoadFast, 1).
		Emit(vm.OpLoadFast, 0).
		EmitAttr(vm.OpStoreAttr, "x").
		Emit(vm.OpLoadFast, 0).
		EmitAttr(vm.OpLoadAttr, "x").
		Emit(vm.OpReturnValue, 0).
		Build()
	if err := rt.Prepare(fn); err != nil {
		return nil, nil, err
	}

	extras := []string{"a", "b", "c", "d", "e", "f"}
	for round := 0; round < 10; round++ {
		for i := range extras {
			inst, err := vm.NewInstanceWithAttributes(reg, reg.Root(), extras[:i], make([]vm.Value, i))
			if err != nil {
				return nil, nil, err
			}
			if err := rt.StoreAttr(fn, 0, inst, round); err != nil {
				return nil, nil, err
			}
			if _, err := rt.LoadAttr(fn, 1, inst); err != nil {
				return nil, nil, err
			}
		}
	}

	fmt.Println(fn.Disassemble())
	fmt.Println()
	printStats(rt.Stats())
	for _, sp := range prof.Top(5) {
		fmt.Printf("  %s[%d] .%s: %s misses=%d uncached=%d\n",
			sp.Function, sp.Site, sp.Attribute, sp.State, sp.Misses, sp.Uncached)
	}

	if savePath != "" {
		data, err := vm.MarshalSnapshot(reg)
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(savePath, data, 0644); err != nil {
			return nil, nil, err
		}
		fmt.Printf("saved %d shapes to %s\n", reg.Len(), savePath)
	}

	if record {
		if dbPath == "" {
			return nil, nil, errors.New("-record needs -profile or [profile] database")
		}
		store, err := profile.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		defer store.Close()
		id, err := store.Record(rt, prof)
		if err != nil {
			return nil, nil, err
		}
		fmt.Printf("recorded run %s\n", id)
	}
	return rt, prof, nil
}

func printStats(s vm.ICStats) {
	fmt.Printf("functions: %d  sites: %d\n", s.Functions, s.TotalCallSites)
	fmt.Printf("mono: %d  poly: %d  mega: %d  empty: %d\n", s.Monomorphic, s.Polymorphic, s.Megamorphic, s.Empty)
	fmt.Printf("hits: %d  misses: %d  hit rate: %.1f%%\n", s.TotalHits, s.TotalMisses, s.HitRate)
}

func dumpSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	reg, err := vm.LoadSnapshot(data, nil)
	if err != nil {
		return err
	}
	fmt.Printf("registry %s: %d shapes (pointer size %d)\n", reg.ID(), reg.Len(), reg.PointerSize())
	for id := 0; id < reg.Len(); id++ {
		shape := reg.MustShape(vm.ShapeID(id))
		kind := ""
		if shape.Builtin() {
			kind = " builtin"
		}
		fmt.Printf("  %s%s\n", shape, kind)
	}
	return nil
}

func listRuns(dbPath string) error {
	store, err := profile.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  %s  shapes=%d  hits=%d  misses=%d  (%.1f%%)\n",
			run.ID, run.Recorded.Format("2006-01-02 15:04:05"), run.Shapes, run.Hits, run.Misses, run.HitRate())
	}
	return nil
}

func listSites(dbPath, runID string) error {
	store, err := profile.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sites, err := store.Sites(runID)
	if err != nil {
		return err
	}
	for _, s := range sites {
		fmt.Printf("#%d %s[%d] .%s  %s  entries=%d  hits=%d  misses=%d  uncached=%d\n",
			s.Ordinal, s.Function, s.Site, s.Attribute, s.State, s.Entries, s.Hits, s.Misses, s.Uncached)
	}
	return nil
}

func queryRemote(url string) error {
	ctx := context.Background()
	c := server.NewClient(http.DefaultClient, url)

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("registry %s: %d shapes\n", stats.RegistryID, stats.Shapes)
	printStats(stats.Stats)

	sites, err := c.Sites(ctx, 5)
	if err != nil {
		return err
	}
	for _, sp := range sites {
		fmt.Printf("  %s[%d] .%s: %s misses=%d uncached=%d\n",
			sp.Function, sp.Site, sp.Attribute, sp.State, sp.Misses, sp.Uncached)
	}
	return nil
}
