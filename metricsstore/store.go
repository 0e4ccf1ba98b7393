// Package metricsstore is the durable, append-mostly time series behind
// the percentile engine. It is backed by a single-file SQLite
// database opened through the pure-Go modernc.org/sqlite driver, chosen
// (as in the original script) so no cgo toolchain or system SQLite
// library is required inside a minimal container image.
package metricsstore

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loadshaper/loadshaper/volume"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	ts     INTEGER NOT NULL,
	metric TEXT    NOT NULL,
	value  REAL    NOT NULL,
	PRIMARY KEY (ts, metric)
);
CREATE INDEX IF NOT EXISTS idx_samples_metric_ts ON samples(metric, ts);
`

// consecutiveFailureLimit is K in the degraded-status rule: after this
// many consecutive write failures the store reports degraded.
const consecutiveFailureLimit = 5

// Store is the durable sample table. It is safe for
// concurrent readers and a single writer.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	dir  string

	consecutiveFailures int
	degraded            bool
}

// Open opens (creating if absent) a SQLite-backed store at dir/name.
// It fails hard if dir is not a persistent volume distinct from its
// parent as a hard failure, unless skipVolumeCheck is set
// (used by tests running against a temp directory).
func Open(dir, name string, skipVolumeCheck bool) (*Store, error) {
	if !skipVolumeCheck {
		if err := volume.RequirePersistent(dir); err != nil {
			return nil, fmt.Errorf("metrics store: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics store: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	s := &Store{path: path, dir: dir}
	if err := s.openAndInit(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openAndInit() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("metrics store: open %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1) // single writer, serialize access via mu anyway

	if err := checkIntegrity(db); err != nil {
		db.Close()
		log.Printf("[metricsstore] corruption detected in %s: %v; backing up aside", s.path, err)
		if bakErr := s.backupCorrupt(); bakErr != nil {
			return fmt.Errorf("metrics store: backing up corrupt db: %w", bakErr)
		}
		db, err = sql.Open("sqlite", s.path)
		if err != nil {
			return fmt.Errorf("metrics store: reopen after backup: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("metrics store: create schema: %w", err)
	}
	s.db = db
	return nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check returned %q", result)
	}
	return nil
}

func (s *Store) backupCorrupt() error {
	if s.db != nil {
		s.db.Close()
	}
	corrupt := fmt.Sprintf("%s-corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, corrupt); err != nil {
		return err
	}
	return nil
}

// CheckIntegrity re-runs PRAGMA integrity_check against the live
// database and, on corruption, backs the file aside and opens a fresh
// one in its place — the same recovery openAndInit performs at startup,
// but callable periodically so corruption introduced mid-run doesn't
// sit undetected until the next restart.
func (s *Store) CheckIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("metrics store: closed")
	}
	if err := checkIntegrity(s.db); err == nil {
		return nil
	} else {
		log.Printf("[metricsstore] corruption detected in %s during periodic check: %v; backing up aside", s.path, err)
	}

	if err := s.backupCorrupt(); err != nil {
		return fmt.Errorf("metrics store: backing up corrupt db: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("metrics store: reopen after backup: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("metrics store: create schema: %w", err)
	}
	s.db = db
	return nil
}

// StoreSample appends one row; the timestamp is a unique key per metric and a
// conflicting insert replaces the prior value (INSERT OR REPLACE).
func (s *Store) StoreSample(metric string, ts int64, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("metrics store: closed")
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO samples(ts, metric, value) VALUES (?, ?, ?)`, ts, metric, value)
	s.recordOutcome(err)
	if err != nil {
		return fmt.Errorf("metrics store: insert: %w", err)
	}
	return nil
}

func (s *Store) recordOutcome(err error) {
	if err == nil {
		s.consecutiveFailures = 0
		s.degraded = false
		return
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= consecutiveFailureLimit && !s.degraded {
		s.degraded = true
		log.Printf("[metricsstore] %d consecutive write failures, entering degraded status", s.consecutiveFailures)
	}
}

// Degraded reports whether the store has seen K consecutive write
// failures and is now operating without durable persistence.
func (s *Store) Degraded() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded, s.consecutiveFailures
}

// Percentile returns the p-th percentile of metric over samples with
// t >= now-window, computed by linear interpolation between the two
// neighbouring ordered values. It returns ok=false iff there are zero
// qualifying samples.
func (s *Store) Percentile(metric string, p float64, window time.Duration, now time.Time) (value float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, false, fmt.Errorf("metrics store: closed")
	}

	cutoff := now.Add(-window).Unix()
	rows, err := s.db.Query(`SELECT value FROM samples WHERE metric = ? AND ts >= ? ORDER BY value ASC`, metric, cutoff)
	if err != nil {
		return 0, false, fmt.Errorf("metrics store: query percentile: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return 0, false, fmt.Errorf("metrics store: scan percentile row: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if len(values) == 0 {
		return 0, false, nil
	}

	return interpolatedPercentile(values, p), true, nil
}

// interpolatedPercentile assumes values is already sorted ascending.
func interpolatedPercentile(values []float64, p float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	rank := (p / 100.0) * float64(len(values)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(values) {
		return values[len(values)-1]
	}
	frac := rank - float64(lo)
	return values[lo] + frac*(values[hi]-values[lo])
}

// Count returns the number of samples with t >= now-window, across all
// metrics.
func (s *Store) Count(window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, fmt.Errorf("metrics store: closed")
	}
	cutoff := now.Add(-window).Unix()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM samples WHERE ts >= ?`, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("metrics store: count: %w", err)
	}
	return n, nil
}

// Cleanup deletes rows older than retention and returns the number removed.
func (s *Store) Cleanup(retention time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, fmt.Errorf("metrics store: closed")
	}
	cutoff := now.Add(-retention).Unix()
	res, err := s.db.Exec(`DELETE FROM samples WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("metrics store: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("metrics store: cleanup rows affected: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
