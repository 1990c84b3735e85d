// Package profile persists inline cache telemetry in SQLite so cache
// behaviour can be compared across runs.
package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/shapes/vm"
)

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

var log = commonlog.GetLogger("shapes.profile")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	registry TEXT NOT NULL,
	recorded TEXT NOT NULL,
	shapes   INTEGER NOT NULL,
	hits     INTEGER NOT NULL,
	misses   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sites (
	run       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ordinal   INTEGER NOT NULL,
	function  TEXT NOT NULL,
	site      INTEGER NOT NULL,
	attribute TEXT NOT NULL,
	state     TEXT NOT NULL,
	entries   INTEGER NOT NULL,
	hits      INTEGER NOT NULL,
	misses    INTEGER NOT NULL,
	uncached  INTEGER NOT NULL,
	PRIMARY KEY (run, ordinal, site)
);`

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one recorded snapshot of a runtime's caches.
type Run struct {
	ID       string
	Registry string
	Recorded time.Time
	Shapes   int
	Hits     uint64
	Misses   uint64
}

// HitRate returns the run's hit rate as a percentage (0-100).
func (r Run) HitRate() float64 {
	total := r.Hits + r.Misses
	if total == 0 {
		return 0
	}
	return float64(r.Hits) * 100 / float64(total)
}

// Site is the recorded state of one cache site. Ordinal is the function's
// registration index in the runtime, which tells apart functions that
// share a name.
type Site struct {
	Ordinal   int
	Function  string
	Site      int
	Attribute string
	State     string
	Entries   int
	Hits      uint64
	Misses    uint64
	Uncached  uint64
}

// Store handles SQLite storage for cache profiles
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record saves the current state of every cache site of rt as a new run
// and returns its id. prof may be nil; it contributes uncached counts.
func (s *Store) Record(rt *vm.Runtime, prof *vm.Profiler) (string, error) {
	sites := collectSites(rt, prof)
	stats := rt.Stats()
	run := Run{
		ID:       uuid.NewString(),
		Registry: rt.Registry.ID(),
		Recorded: time.Now().UTC(),
		Shapes:   rt.Registry.Len(),
		Hits:     stats.TotalHits,
		Misses:   stats.TotalMisses,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO runs (id, registry, recorded, shapes, hits, misses) VALUES (?, ?, ?, ?, ?, ?)",
		run.ID, run.Registry, run.Recorded.Format(timeLayout), run.Shapes, int64(run.Hits), int64(run.Misses),
	)
	if err != nil {
		return "", fmt.Errorf("saving run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO sites
		(run, ordinal, function, site, attribute, state, entries, hits, misses, uncached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("preparing site insert: %w", err)
	}
	defer stmt.Close()

	for _, site := range sites {
		_, err := stmt.Exec(run.ID, site.Ordinal, site.Function, site.Site, site.Attribute, site.State,
			site.Entries, int64(site.Hits), int64(site.Misses), int64(site.Uncached))
		if err != nil {
			return "", fmt.Errorf("saving site %s#%d/%d: %w", site.Function, site.Ordinal, site.Site, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run: %w", err)
	}
	log.Infof("recorded run %s: %d sites, hit rate %.1f%%", run.ID, len(sites), run.HitRate())
	return run.ID, nil
}

func collectSites(rt *vm.Runtime, prof *vm.Profiler) []Site {
	var sites []Site
	for ordinal, fn := range rt.Functions.All() {
		caches := fn.Caches()
		if caches == nil {
			continue
		}
		for i := 0; i < caches.NumSites(); i++ {
			stats := caches.SiteStats(i)
			attr, _ := fn.AttributeName(i)
			var uncached uint64
			if prof != nil {
				if mp := prof.GetProfile(fn, i); mp != nil {
					uncached = atomic.LoadUint64(&mp.Uncached)
				}
			}
			sites = append(sites, Site{
				Ordinal:   ordinal,
				Function:  fn.Name,
				Site:      i,
				Attribute: attr,
				State:     stats.State.String(),
				Entries:   stats.Count,
				Hits:      stats.Hits,
				Misses:    stats.Misses,
				Uncached:  uncached,
			})
		}
	}
	return sites
}

// Runs returns every recorded run, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query("SELECT id, registry, recorded, shapes, hits, misses FROM runs ORDER BY recorded DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns one recorded run.
func (s *Store) Run(id string) (Run, error) {
	row := s.db.QueryRow("SELECT id, registry, recorded, shapes, hits, misses FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run          Run
		recorded     string
		hits, misses int64
	)
	if err := row.Scan(&run.ID, &run.Registry, &recorded, &run.Shapes, &hits, &misses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	t, err := time.Parse(timeLayout, recorded)
	if err != nil {
		return Run{}, fmt.Errorf("parsing run time %q: %w", recorded, err)
	}
	run.Recorded = t
	run.Hits = uint64(hits)
	run.Misses = uint64(misses)
	return run, nil
}

// Sites returns the sites recorded for a run in registration order.
func (s *Store) Sites(runID string) ([]Site, error) {
	if _, err := s.Run(runID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT ordinal, function, site, attribute, state, entries, hits, misses, uncached
		FROM sites WHERE run = ? ORDER BY ordinal, site`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var (
			site                    Site
			hits, misses, uncachedN int64
		)
		if err := rows.Scan(&site.Ordinal, &site.Function, &site.Site, &site.Attribute, &site.State,
			&site.Entries, &hits, &misses, &uncachedN); err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		site.Hits = uint64(hits)
		site.Misses = uint64(misses)
		site.Uncached = uint64(uncachedN)
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// Delete removes a run and its sites.
func (s *Store) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sites WHERE run = ?", runID); err != nil {
		return fmt.Errorf("deleting sites: %w", err)
	}
	res, err := tx.Exec("DELETE FROM runs WHERE id = ?", runID)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return tx.Commit()
}
