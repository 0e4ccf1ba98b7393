package actuator

import (
	"testing"
	"time"
)

func TestPeerTableReputationBlacklistsBelowThreshold(t *testing.T) {
	pt := NewPeerTable([]string{"203.0.113.5:5201"})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 4; i++ {
		pt.RecordFailure("203.0.113.5:5201", now)
	}

	snap := pt.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(snap))
	}
	p := snap[0]
	if p.Reputation < 0 || p.Reputation > 100 {
		t.Fatalf("reputation out of bounds: %v", p.Reputation)
	}
	if p.Reputation < reputationBlacklist && p.BlacklistUntil.Before(now) {
		t.Fatalf("expected blacklist_until set once reputation drops below threshold")
	}
}

func TestPeerTableSuccessMarksValid(t *testing.T) {
	pt := NewPeerTable([]string{"198.51.100.9:5201"})
	pt.RecordSuccess("198.51.100.9:5201")
	valid := pt.ValidPeers()
	if len(valid) != 1 {
		t.Fatalf("expected 1 valid peer, got %d", len(valid))
	}
}

func TestPeerTableRevalidationThrottled(t *testing.T) {
	pt := NewPeerTable([]string{"198.51.100.9:5201"})
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		pt.RecordFailure("198.51.100.9:5201", now)
	}
	past := now.Add(10 * time.Minute)
	due := pt.DueForRevalidation(past)
	if len(due) != 1 {
		t.Fatalf("expected 1 peer due for revalidation, got %d", len(due))
	}

	dueAgain := pt.DueForRevalidation(past.Add(time.Second))
	if len(dueAgain) != 0 {
		t.Fatal("expected throttled recovery pass to return nothing within the min gap")
	}
}

func TestIsExternalAddressParsesHostPort(t *testing.T) {
	if isExternalAddress("10.0.0.5:5201") {
		t.Fatal("expected private host:port to be non-external")
	}
	if !isExternalAddress("8.8.8.8:5201") {
		t.Fatal("expected public host:port to be external")
	}
}
