package actuator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const pageSize = 4096

// MemoryActuator owns a single growable/shrinkable byte buffer.
// A separate nurse goroutine touches one byte per host page to keep the
// buffer resident, unless paused.
type MemoryActuator struct {
	mu        sync.Mutex
	buf       []byte
	targetMB  int
	paused    bool
	stepMB    int

	touchInterval time.Duration
}

// NewMemoryActuator creates an empty buffer and starts the nurse task.
func NewMemoryActuator(ctx context.Context, stepMB int, touchInterval time.Duration) *MemoryActuator {
	if stepMB <= 0 {
		stepMB = 64
	}
	if touchInterval <= 0 {
		touchInterval = time.Second
	}
	m := &MemoryActuator{stepMB: stepMB, touchInterval: touchInterval}
	go m.nurse(ctx)
	return m
}

// SetTargetMB commands a desired size in MB. The actuator allocates or
// releases at most stepMB in this call; every resize, shrinking included,
// copies into a freshly allocated buffer rather than just truncating the
// length, so the runtime can actually reclaim the old pages.
//
// While paused, growth is refused (desiredMB is clamped down to the
// current size) but an explicit shrink — including the main loop's
// target-0 command during a safety stop — is still honored; pausing
// freezes growth, it never blocks the loop from releasing memory back
// to the real workload.
func (m *MemoryActuator) SetTargetMB(desiredMB int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.buf) / (1024 * 1024)
	if m.paused && desiredMB > current {
		desiredMB = current
	}
	delta := desiredMB - current
	if delta == 0 {
		return
	}
	if delta > m.stepMB {
		delta = m.stepMB
	}
	if delta < -m.stepMB {
		delta = -m.stepMB
	}

	newMB := current + delta
	if newMB < 0 {
		newMB = 0
	}
	newSize := newMB * 1024 * 1024

	resized := make([]byte, newSize)
	copy(resized, m.buf) // copies min(len(resized), len(m.buf)) bytes
	m.buf = resized      // old backing array becomes eligible for GC on shrink
	m.targetMB = newMB

	log.Printf("[actuator] memory buffer resized to %s", humanize.Bytes(uint64(newSize)))
}

// CurrentMB returns the buffer's current size in MB.
func (m *MemoryActuator) CurrentMB() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf) / (1024 * 1024)
}

// SetPaused controls whether the actuator may grow and whether the nurse
// touches pages. Pausing never shrinks the existing buffer by itself;
// it blocks further growth and nurse activity, while SetTargetMB still
// honors shrink commands, so the buffer size is monotonically
// non-increasing while paused.
func (m *MemoryActuator) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

func (m *MemoryActuator) nurse(ctx context.Context) {
	ticker := time.NewTicker(m.touchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.touchPagesGuarded()
		}
	}
}

// touchPagesGuarded recovers from any panic at the nurse's root and
// retries on the next tick, so a single bad touch never crashes the
// daemon (spec: "log + sleep + retry").
func (m *MemoryActuator) touchPagesGuarded() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[actuator] memory nurse recovered from panic: %v", r)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	m.touchPages()
}

func (m *MemoryActuator) touchPages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return
	}
	for off := 0; off < len(m.buf); off += pageSize {
		m.buf[off] ^= 0
	}
}
