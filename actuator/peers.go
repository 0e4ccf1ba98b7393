package actuator

import (
	"net"
	"sync"
	"time"

	"github.com/loadshaper/loadshaper/model"
)

const (
	reputationStart     = 50.0
	reputationBlacklist = 20.0
	reputationMax       = 100.0
	reputationMin       = 0.0
	reputationUp        = 5.0
	reputationDown       = 10.0
	blacklistCooldown   = 5 * time.Minute
	recoveryPassMinGap  = 60 * time.Second
)

// peerEntry is the mutable state backing a model.Peer.
type peerEntry struct {
	address        string
	state          model.PeerValidationState
	reputation     float64
	successes      int
	failures       int
	blacklistUntil time.Time
	isExternal     bool
}

// PeerTable tracks candidate network peers and their validation history
// with reputation-based blacklisting and cooldown revalidation.
type PeerTable struct {
	mu             sync.Mutex
	peers          map[string]*peerEntry
	lastRecoveryAt time.Time
}

func NewPeerTable(addresses []string) *PeerTable {
	pt := &PeerTable{peers: make(map[string]*peerEntry, len(addresses))}
	for _, addr := range addresses {
		pt.peers[addr] = &peerEntry{
			address:    addr,
			state:      model.PeerUnvalidated,
			reputation: reputationStart,
			isExternal: isExternalAddress(addr),
		}
	}
	return pt
}

func isExternalAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return IsExternal(ip)
}

// RecordSuccess nudges a peer's reputation up and marks it VALID.
func (pt *PeerTable) RecordSuccess(addr string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.peers[addr]
	if !ok {
		return
	}
	p.successes++
	p.reputation += reputationUp
	if p.reputation > reputationMax {
		p.reputation = reputationMax
	}
	p.state = model.PeerValid
}

// RecordFailure nudges a peer's reputation down and, if it crosses the
// blacklist threshold, sets a cooldown deadline.
func (pt *PeerTable) RecordFailure(addr string, now time.Time) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.peers[addr]
	if !ok {
		return
	}
	p.failures++
	p.reputation -= reputationDown
	if p.reputation < reputationMin {
		p.reputation = reputationMin
	}
	if p.reputation < reputationBlacklist {
		p.state = model.PeerDegraded
		p.blacklistUntil = now.Add(blacklistCooldown)
	} else {
		p.state = model.PeerInvalid
	}
}

// ValidPeers returns the addresses currently in the VALID state.
func (pt *PeerTable) ValidPeers() []string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []string
	for addr, p := range pt.peers {
		if p.state == model.PeerValid {
			out = append(out, addr)
		}
	}
	return out
}

// DueForRevalidation returns blacklisted peers whose cooldown has
// expired, throttled to at most once per recoveryPassMinGap.
func (pt *PeerTable) DueForRevalidation(now time.Time) []string {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if now.Sub(pt.lastRecoveryAt) < recoveryPassMinGap {
		return nil
	}
	pt.lastRecoveryAt = now

	var out []string
	for addr, p := range pt.peers {
		if p.state == model.PeerDegraded && !now.Before(p.blacklistUntil) {
			out = append(out, addr)
		}
	}
	return out
}

// AnyExternalValid reports whether any currently-VALID peer sits outside
// every reserved address range; require_external mode consults this
// before going ACTIVE_*, and egress verification requires it before
// reporting "external egress verified".
func (pt *PeerTable) AnyExternalValid() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, p := range pt.peers {
		if p.state == model.PeerValid && p.isExternal {
			return true
		}
	}
	return false
}

// Len returns the number of peers in the table.
func (pt *PeerTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.peers)
}

// Snapshot returns a telemetry copy of the peer table.
func (pt *PeerTable) Snapshot() []model.Peer {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]model.Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, model.Peer{
			Address:        p.address,
			State:          p.state,
			Reputation:     p.reputation,
			Successes:      p.successes,
			Failures:       p.failures,
			BlacklistUntil: p.blacklistUntil,
			IsExternal:     p.isExternal,
		})
	}
	return out
}
