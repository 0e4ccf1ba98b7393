package actuator

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loadshaper/loadshaper/model"
	"github.com/loadshaper/loadshaper/util"
)

const (
	defaultPayloadSize = 1100
	udpTTL             = 1
	validationTimeout  = 5 * time.Second
	debounceWindow     = 10 * time.Second
	minOnTime          = 30 * time.Second
	minOffTime         = 10 * time.Second

	// egressVerifyWindow bounds how long an ACTIVE_* state may run with
	// zero attributable TX bytes/sec before the generator concludes its
	// traffic is not leaving the VM and degrades to local.
	egressVerifyWindow = 60 * time.Second
)

// NetworkActuator is the network-generator state machine: it validates
// candidate peers, paces a send loop through a TokenBucket, and verifies
// that commanded traffic is actually leaving the VM.
type NetworkActuator struct {
	mu    sync.Mutex
	state model.NetState

	lastTransition time.Time
	enteredStateAt time.Time

	peers        *PeerTable
	bucket       *TokenBucket
	payloadSize  int
	requireExternal bool
	preferTCP       bool

	// burst/idle cycling: transmit for burst, go quiet for idle, repeat.
	// Zero for either disables the cycle and the send loop paces purely
	// on the token bucket.
	burst      time.Duration
	idle       time.Duration
	cycleStart time.Time

	externalVerified bool
	degradeReason    string

	txBaselineBytes uint64
	txAttributable  float64 // EMA of generator-attributable TX bytes/sec

	consecutiveSendFailures int

	// armed gates whether the actuator is allowed to leave OFF. The
	// smart-activation rule in the control loop disarms it on shapes/
	// conditions where running the generator wouldn't help reclamation.
	armed atomic.Bool
}

// NetworkConfig configures the actuator.
type NetworkConfig struct {
	Peers           []string
	InitialRateMbps float64
	PayloadSize     int
	RequireExternal bool
	// PreferTCP selects ACTIVE_TCP (per-connection TCP sockets) over the
	// default ACTIVE_UDP transmission mode once peers validate.
	PreferTCP bool
	// BurstSec/IdleSec alternate the send loop between transmitting and
	// quiet phases; both must be positive to take effect.
	BurstSec float64
	IdleSec  float64
}

// maxConsecutiveSendFailures is the "unrecoverable exception" threshold:
// this many back-to-back send failures while ACTIVE_* moves the actuator
// to ERROR rather than retrying forever against a dead egress path.
const maxConsecutiveSendFailures = 20

func NewNetworkActuator(cfg NetworkConfig) *NetworkActuator {
	payload := cfg.PayloadSize
	if payload <= 0 {
		payload = defaultPayloadSize
	}
	if payload < 64 {
		payload = 64
	}
	maxPayload := 65507
	if cfg.PreferTCP {
		maxPayload = 65535
	}
	if payload > maxPayload {
		payload = maxPayload
	}
	n := &NetworkActuator{
		state:           model.NetOff,
		peers:           NewPeerTable(cfg.Peers),
		bucket:          NewTokenBucket(cfg.InitialRateMbps),
		payloadSize:     payload,
		requireExternal: cfg.RequireExternal,
		preferTCP:       cfg.PreferTCP,
		lastTransition:  time.Time{},
	}
	if cfg.BurstSec > 0 && cfg.IdleSec > 0 {
		n.burst = time.Duration(cfg.BurstSec * float64(time.Second))
		n.idle = time.Duration(cfg.IdleSec * float64(time.Second))
	}
	n.armed.Store(true)
	return n
}

// Start launches the validate and send loops. Whether the actuator
// actually leaves OFF depends on SetArmed: by default it's armed and
// behaves as before, but the control loop may disarm it per the
// smart-activation rule (shape-dependent; see SetArmed).
func (n *NetworkActuator) Start(ctx context.Context) {
	go n.validateLoop(ctx)
	go n.sendLoop(ctx)
}

// SetArmed controls whether the actuator is allowed to run at all. Going
// from armed to disarmed forces an immediate transition to OFF,
// bypassing debounce — the smart-activation rule is a decision that
// the generator would not help reclamation, not a fault to ride out.
// Disarming never by itself decides ACTIVE_UDP vs ACTIVE_TCP, reputation,
// or any other in-flight state: re-arming starts the state machine over
// from INITIALIZING.
func (n *NetworkActuator) SetArmed(armed bool) {
	wasArmed := n.armed.Swap(armed)
	if wasArmed && !armed {
		n.Stop()
	}
}

// Armed reports whether the smart-activation rule currently permits the
// actuator to run.
func (n *NetworkActuator) Armed() bool {
	return n.armed.Load()
}

func (n *NetworkActuator) transitionLocked(next model.NetState, now time.Time, bypassDebounce bool) bool {
	if n.state == next {
		return false
	}
	if !bypassDebounce {
		if now.Sub(n.lastTransition) < debounceWindow {
			return false
		}
		onDuration := now.Sub(n.enteredStateAt)
		if isActive(n.state) && onDuration < minOnTime {
			return false
		}
		if !isActive(n.state) && n.state != model.NetOff && onDuration < minOffTime {
			return false
		}
	}
	n.state = next
	n.lastTransition = now
	n.enteredStateAt = now
	return true
}

func isActive(s model.NetState) bool {
	return s == model.NetActiveUDP || s == model.NetActiveTCP
}

// validateLoop drives OFF -> INITIALIZING -> VALIDATING -> ACTIVE_* /
// DEGRADED_LOCAL, but only while armed (see SetArmed); while disarmed it
// idles with the actuator held at OFF.
func (n *NetworkActuator) validateLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !n.armed.Load() {
			continue
		}

		n.mu.Lock()
		if n.state == model.NetOff {
			n.transitionLocked(model.NetInitializing, time.Now(), true)
			n.transitionLocked(model.NetValidating, time.Now(), true)
		}
		n.mu.Unlock()

		n.runValidationPassGuarded(ctx)
	}
}

// runValidationPassGuarded recovers from any panic at the validation
// worker's root and retries on the next tick, so a single bad validation
// pass never crashes the daemon (spec: "log + sleep + retry").
func (n *NetworkActuator) runValidationPassGuarded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] validation worker recovered from panic: %v", r)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	n.runValidationPass(ctx)
}

func (n *NetworkActuator) runValidationPass(ctx context.Context) {
	for _, addr := range n.pendingPeers() {
		if validatePeerTCP(ctx, addr, validationTimeout) {
			n.peers.RecordSuccess(addr)
		} else {
			n.peers.RecordFailure(addr, time.Now())
		}
	}
	for _, addr := range n.peers.DueForRevalidation(time.Now()) {
		if validatePeerTCP(ctx, addr, validationTimeout) {
			n.peers.RecordSuccess(addr)
		}
	}

	valid := n.peers.ValidPeers()
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(valid) == 0 {
		if isActive(n.state) {
			n.transitionLocked(model.NetDegradedLocal, now, false)
			n.degradeReason = "all peers failed validation"
			log.Printf("[network] degrading to local: %s", n.degradeReason)
		}
		return
	}

	if n.requireExternal && !n.peers.AnyExternalValid() {
		return // refuse ACTIVE_* without an external peer in require_external mode
	}

	if n.state == model.NetValidating {
		target := model.NetActiveUDP
		if n.preferTCP {
			target = model.NetActiveTCP
		}
		if n.transitionLocked(target, now, true) {
			n.consecutiveSendFailures = 0
		}
	}
}

func (n *NetworkActuator) pendingPeers() []string {
	snap := n.peers.Snapshot()
	out := make([]string, 0, len(snap))
	for _, p := range snap {
		if p.State == model.PeerUnvalidated {
			out = append(out, p.Address)
		}
	}
	return out
}

func validatePeerTCP(ctx context.Context, addr string, timeout time.Duration) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// sendLoop paces packet transmission through the token bucket while
// ACTIVE_*, and is otherwise idle.
func (n *NetworkActuator) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n.runSendTickGuarded()
	}
}

// runSendTickGuarded recovers from any panic at the send worker's root and
// retries after the minimum sleep slice, so a single bad send never
// crashes the daemon (spec: "log + sleep + retry").
func (n *NetworkActuator) runSendTickGuarded() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] send worker recovered from panic: %v", r)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	if !isActive(state) {
		time.Sleep(200 * time.Millisecond)
		return
	}

	if n.inIdlePhase(time.Now()) {
		time.Sleep(200 * time.Millisecond)
		return
	}

	ok, wait := n.bucket.Take(float64(n.payloadSize)*8, time.Now())
	if !ok {
		time.Sleep(wait)
		return
	}

	if n.sendPacket(state) {
		n.mu.Lock()
		n.consecutiveSendFailures = 0
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	n.consecutiveSendFailures++
	if n.consecutiveSendFailures >= maxConsecutiveSendFailures {
		n.transitionLocked(model.NetError, time.Now(), true)
		n.degradeReason = "egress unreachable after repeated send failures"
		log.Printf("[network] entering ERROR: %s", n.degradeReason)
	}
	n.mu.Unlock()
}

// inIdlePhase reports whether the burst/idle cycle currently sits in its
// quiet phase. With cycling disabled it always reports false.
func (n *NetworkActuator) inIdlePhase(now time.Time) bool {
	if n.burst <= 0 || n.idle <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cycleStart.IsZero() {
		n.cycleStart = now
	}
	phase := now.Sub(n.cycleStart) % (n.burst + n.idle)
	return phase >= n.burst
}

// sendPacket transmits one packet to a valid peer using the protocol
// implied by state (UDP for ACTIVE_UDP, a per-connection TCP socket for
// ACTIVE_TCP). It reports whether the send succeeded so the caller can
// track consecutive failures toward the ERROR transition.
func (n *NetworkActuator) sendPacket(state model.NetState) bool {
	valid := n.peers.ValidPeers()
	if len(valid) == 0 {
		return true // nothing to send; degrade handling owns this case
	}

	payload := make([]byte, n.payloadSize)
	binary.BigEndian.PutUint64(payload[:8], uint64(time.Now().UnixNano()))
	fillBenignPattern(payload[8:])

	addr := valid[0] // one peer per tick keeps the loop simple and rate-bound
	if state == model.NetActiveTCP {
		return sendPacketTCP(addr, payload)
	}
	return sendPacketUDP(addr, payload)
}

func sendPacketUDP(addr string, payload []byte) bool {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return false
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return false
	}
	defer conn.Close()
	setTTL(conn, udpTTL)
	_, err = conn.Write(payload)
	return err == nil
}

func sendPacketTCP(addr string, payload []byte) bool {
	conn, err := net.DialTimeout("tcp", addr, validationTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.Write(payload)
	return err == nil
}

func fillBenignPattern(b []byte) {
	const pattern = "loadshaper-keepalive-"
	for i := range b {
		b[i] = pattern[i%len(pattern)]
	}
}

// setTTL caps the packet's blast radius: a TTL of 1 (the default) never
// crosses the first router hop. Best-effort; a failure to set the option
// just leaves the OS default TTL in place rather than blocking the send.
func setTTL(conn *net.UDPConn, ttl int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
}

// SetRate updates the token bucket's rate (called by H each tick).
func (n *NetworkActuator) SetRate(mbps float64) {
	n.bucket.SetRate(mbps)
}

// VerifyExternalEgress compares a fresh NIC TX byte counter reading
// against the previous one and updates the attributable-bytes EMA used
// to decide whether the generator's traffic is actually leaving the VM.
func (n *NetworkActuator) VerifyExternalEgress(txBytesNow uint64, elapsed time.Duration) {
	if n.txBaselineBytes == 0 || elapsed <= 0 {
		n.txBaselineBytes = txBytesNow
		return
	}
	rate := util.Rate(n.txBaselineBytes, txBytesNow, elapsed)
	n.txBaselineBytes = txBytesNow

	n.mu.Lock()
	defer n.mu.Unlock()
	n.txAttributable = 0.3*rate + 0.7*n.txAttributable
	n.externalVerified = n.txAttributable > 0 && n.peers.AnyExternalValid()

	now := time.Now()
	if isActive(n.state) && n.txAttributable <= 0 && now.Sub(n.enteredStateAt) > egressVerifyWindow {
		if n.transitionLocked(model.NetDegradedLocal, now, true) {
			n.degradeReason = "no attributable TX bytes within the egress verification window"
			log.Printf("[network] degrading to local: %s", n.degradeReason)
		}
	}
}

// Status returns a telemetry snapshot.
func (n *NetworkActuator) Status() model.NetworkStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	valid := n.peers.ValidPeers()
	return model.NetworkStatus{
		State:            n.state,
		RateMbps:         n.bucket.Rate(),
		PeerCount:        n.peers.Len(),
		ValidPeerCount:   len(valid),
		ExternalVerified: n.externalVerified,
		LastTransition:   n.lastTransition,
		LastStateChange:  n.lastTransition,
		DegradeReason:    n.degradeReason,
	}
}

// Stop transitions toward OFF, bypassing debounce (a stop signal always
// takes effect immediately).
func (n *NetworkActuator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionLocked(model.NetOff, time.Now(), true)
}
