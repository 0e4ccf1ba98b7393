package model

import (
	"encoding/json"
	"fmt"
)

// ControllerState is the CPU P95 slot controller's state machine value.
type ControllerState int

const (
	StateBuilding ControllerState = iota
	StateMaintaining
	StateReducing
)

func (s ControllerState) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateMaintaining:
		return "MAINTAINING"
	case StateReducing:
		return "REDUCING"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state as its name rather than its ordinal, so
// the health/metrics endpoint and the watch dashboard agree on a string.
func (s ControllerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the name produced by MarshalJSON.
func (s *ControllerState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "BUILDING":
		*s = StateBuilding
	case "MAINTAINING":
		*s = StateMaintaining
	case "REDUCING":
		*s = StateReducing
	default:
		return fmt.Errorf("model: unknown ControllerState %q", name)
	}
	return nil
}

// RingSnapshot is a read-only view of the P95 controller's recorded slot
// history, keyed the same way as the persisted p95_ring_buffer.json so
// operators can compare the live ring against a saved snapshot.
type RingSnapshot struct {
	SlotHistory       []*bool `json:"slot_history"`
	SlotHistoryIndex  int     `json:"slot_history_index"`
	SlotsRecorded     int     `json:"slots_recorded"`
	SlotHistorySize   int     `json:"slot_history_size"`
	Timestamp         float64 `json:"timestamp"`
	CurrentSlotIsHigh bool    `json:"current_slot_is_high"`
	// SnapshotID is a correlation id for debug/log cross-referencing; not
	// required for correctness, only for operators diffing saved snapshots.
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ControllerStatus is the telemetry snapshot returned by status().
type ControllerStatus struct {
	State              ControllerState
	CPUP95             *float64
	CurrentExceedance  float64
	TargetExceedance   float64
	SlotsRecorded      int
	SlotHistoryIndex   int
	RingSize           int
	SlotsSkippedSafety int
	CurrentSlotIsHigh  bool
	CurrentIntensity   float64
	DegradedPersist    bool
	LastStateChange    int64
}
