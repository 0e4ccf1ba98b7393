package metricsstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "metrics.db", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndPercentile(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	values := []float64{10, 20, 30, 40, 50}
	for i, v := range values {
		if err := s.StoreSample("cpu", now.Add(time.Duration(i)*time.Second).Unix(), v); err != nil {
			t.Fatalf("StoreSample: %v", err)
		}
	}

	p50, ok, err := s.Percentile("cpu", 50, 24*time.Hour, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("Percentile: ok=%v err=%v", ok, err)
	}
	if p50 != 30 {
		t.Fatalf("expected median 30, got %v", p50)
	}
}

func TestPercentileEmptyReturnsNotOK(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Percentile("cpu", 95, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Percentile: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false with zero qualifying samples")
	}
}

func TestStoreSampleIdempotentOnTimestampConflict(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	if err := s.StoreSample("cpu", now.Unix(), 10); err != nil {
		t.Fatalf("StoreSample: %v", err)
	}
	if err := s.StoreSample("cpu", now.Unix(), 99); err != nil {
		t.Fatalf("StoreSample: %v", err)
	}
	n, err := s.Count(24*time.Hour, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after conflicting insert, got %d", n)
	}
	p, ok, err := s.Percentile("cpu", 50, 24*time.Hour, now.Add(time.Hour))
	if err != nil || !ok || p != 99 {
		t.Fatalf("expected replaced value 99, got %v ok=%v err=%v", p, ok, err)
	}
}

func TestCleanupRemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)

	s.StoreSample("cpu", now.Add(-8*24*time.Hour).Unix(), 1)
	s.StoreSample("cpu", now.Unix(), 2)

	n, err := s.Cleanup(7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row cleaned up, got %d", n)
	}
	remaining, err := s.Count(30*24*time.Hour, now)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 row remaining, got %d", remaining)
	}
}

func TestCheckIntegrityPassesOnHealthyStore(t *testing.T) {
	s := openTestStore(t)
	if err := s.StoreSample("cpu", time.Now().Unix(), 10); err != nil {
		t.Fatalf("StoreSample: %v", err)
	}
	if err := s.CheckIntegrity(); err != nil {
		t.Fatalf("expected a freshly-created store to pass integrity check, got %v", err)
	}
}

func TestCheckIntegrityRecreatesOnCorruption(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	if err := s.StoreSample("cpu", now.Unix(), 10); err != nil {
		t.Fatalf("StoreSample: %v", err)
	}

	// Truncate the live file out from under the open handle to simulate
	// on-disk corruption discovered mid-run.
	if err := os.Truncate(s.path, 4); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if err := s.CheckIntegrity(); err != nil {
		t.Fatalf("expected CheckIntegrity to recover by recreating the file, got %v", err)
	}

	if err := s.StoreSample("cpu", now.Unix(), 20); err != nil {
		t.Fatalf("expected the recreated store to accept writes, got %v", err)
	}
	n, err := s.Count(24*time.Hour, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row in the recreated store, got %d", n)
	}

	matches, err := filepath.Glob(s.path + "-corrupt-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one backed-aside corrupt file, got %v", matches)
	}
}

func TestInterpolatedPercentileSinglePoint(t *testing.T) {
	if got := interpolatedPercentile([]float64{42}, 95); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}
