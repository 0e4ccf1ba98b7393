package p95

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loadshaper/loadshaper/model"
)

// ring is a fixed-capacity circular buffer of slot decisions, using a
// write-index/population pattern to track trend history. Only is_high is
// stored per entry.
type ring struct {
	history []bool
	writeIdx int
	population int
	size int
}

func newRing(size int) *ring {
	return &ring{history: make([]bool, size), size: size}
}

// push records the just-finished slot's decision, advancing the index
// mod ring size and growing the population up to the ring size.
func (r *ring) push(isHigh bool) {
	r.history[r.writeIdx] = isHigh
	r.writeIdx = (r.writeIdx + 1) % r.size
	if r.population < r.size {
		r.population++
	}
}

// exceedance returns the share of recorded slots that were high, as a
// percentage; 0 when the ring is empty.
func (r *ring) exceedance() float64 {
	if r.population == 0 {
		return 0.0
	}
	count := 0
	for i := 0; i < r.population; i++ {
		if r.history[i] {
			count++
		}
	}
	return 100.0 * float64(count) / float64(r.population)
}

// snapshot is the on-disk shape of p95_ring_buffer.json, per §6's key
// names: slot_history, slot_history_index, slots_recorded,
// slot_history_size, timestamp, current_slot_is_high.
type snapshot struct {
	SlotHistory       []bool  `json:"slot_history"`
	WriteIndex        int     `json:"slot_history_index"`
	Population        int     `json:"slots_recorded"`
	RingSize          int     `json:"slot_history_size"`
	SavedAt           int64   `json:"timestamp"`
	CurrentSlotIsHigh bool    `json:"current_slot_is_high"`
	SnapshotID        string  `json:"snapshot_id,omitempty"`
}

const snapshotMaxAge = 2 * time.Hour

// persistence owns the ring's on-disk snapshot: atomic writes (temp file
// + fsync + rename), batched every K slot closes or at shutdown, and a
// local degraded-persistence mode entered on the first ENOSPC error.
type persistence struct {
	path         string
	batchEvery   int
	sinceWrite   int
	degraded     bool
}

func newPersistence(path string, batchEvery int) *persistence {
	if batchEvery < 1 {
		batchEvery = 1
	}
	return &persistence{path: path, batchEvery: batchEvery}
}

// maybeSave writes the snapshot if a full batch interval has elapsed
// since the last write. force bypasses batching, used at shutdown.
func (p *persistence) maybeSave(r *ring, currentSlotIsHigh bool, force bool) {
	if p.degraded {
		return
	}
	p.sinceWrite++
	if !force && p.sinceWrite < p.batchEvery {
		return
	}
	p.sinceWrite = 0
	if err := p.save(r, currentSlotIsHigh); err != nil {
		if isENOSPC(err) {
			p.degraded = true
			log.Printf("[p95] ring snapshot hit ENOSPC, entering degraded persistence (in-memory ring continues): %v", err)
			return
		}
		log.Printf("[p95] ring snapshot save failed: %v", err)
	}
}

func (p *persistence) save(r *ring, currentSlotIsHigh bool) error {
	snap := snapshot{
		SlotHistory:       append([]bool(nil), r.history...),
		WriteIndex:        r.writeIdx,
		Population:        r.population,
		RingSize:          r.size,
		SavedAt:           time.Now().Unix(),
		CurrentSlotIsHigh: currentSlotIsHigh,
		SnapshotID:        uuid.NewString(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal ring snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".ring-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p.path)
}

// load reads a snapshot and restores it into r if it is not stale and
// its ring size matches the caller's current configuration. Returns the
// persisted current-slot-is-high flag. Any failure (missing file, bad
// JSON, staleness, size mismatch) leaves r untouched and returns false.
func (p *persistence) load(r *ring) (currentSlotIsHigh bool, ok bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false, false
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, false
	}
	age := time.Since(time.Unix(snap.SavedAt, 0))
	if age > snapshotMaxAge || age < 0 {
		return false, false
	}
	if snap.RingSize != r.size || len(snap.SlotHistory) != r.size {
		return false, false
	}
	copy(r.history, snap.SlotHistory)
	r.writeIdx = snap.WriteIndex
	r.population = snap.Population
	return snap.CurrentSlotIsHigh, true
}

func isENOSPC(err error) bool {
	return isNoSpaceError(err)
}

// toModel builds the telemetry view of the recorded slot decisions.
func (r *ring) toModel() model.RingSnapshot {
	hist := make([]*bool, r.population)
	for i := 0; i < r.population; i++ {
		v := r.history[i]
		hist[i] = &v
	}
	return model.RingSnapshot{
		SlotHistory:      hist,
		SlotHistoryIndex: r.writeIdx,
		SlotsRecorded:    r.population,
		SlotHistorySize:  r.size,
	}
}
