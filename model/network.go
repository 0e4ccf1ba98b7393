package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// NetState is the network actuator's state machine variant.
type NetState int

const (
	NetOff NetState = iota
	NetInitializing
	NetValidating
	NetActiveUDP
	NetActiveTCP
	NetDegradedLocal
	NetError
)

func (s NetState) String() string {
	switch s {
	case NetOff:
		return "OFF"
	case NetInitializing:
		return "INITIALIZING"
	case NetValidating:
		return "VALIDATING"
	case NetActiveUDP:
		return "ACTIVE_UDP"
	case NetActiveTCP:
		return "ACTIVE_TCP"
	case NetDegradedLocal:
		return "DEGRADED_LOCAL"
	case NetError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state as its name rather than its ordinal, so
// the health/metrics endpoint and the watch dashboard agree on a string.
func (s NetState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the name produced by MarshalJSON.
func (s *NetState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "OFF":
		*s = NetOff
	case "INITIALIZING":
		*s = NetInitializing
	case "VALIDATING":
		*s = NetValidating
	case "ACTIVE_UDP":
		*s = NetActiveUDP
	case "ACTIVE_TCP":
		*s = NetActiveTCP
	case "DEGRADED_LOCAL":
		*s = NetDegradedLocal
	case "ERROR":
		*s = NetError
	default:
		return fmt.Errorf("model: unknown NetState %q", name)
	}
	return nil
}

// PeerValidationState is a peer's validation lifecycle value.
type PeerValidationState int

const (
	PeerUnvalidated PeerValidationState = iota
	PeerValid
	PeerInvalid
	PeerDegraded
)

func (s PeerValidationState) String() string {
	switch s {
	case PeerUnvalidated:
		return "UNVALIDATED"
	case PeerValid:
		return "VALID"
	case PeerInvalid:
		return "INVALID"
	case PeerDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state as its name rather than its ordinal.
func (s PeerValidationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the name produced by MarshalJSON.
func (s *PeerValidationState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "UNVALIDATED":
		*s = PeerUnvalidated
	case "VALID":
		*s = PeerValid
	case "INVALID":
		*s = PeerInvalid
	case "DEGRADED":
		*s = PeerDegraded
	default:
		return fmt.Errorf("model: unknown PeerValidationState %q", name)
	}
	return nil
}

// Peer tracks one network-generator destination and its reputation.
type Peer struct {
	Address        string
	State          PeerValidationState
	Reputation     float64
	Successes      int
	Failures       int
	BlacklistUntil time.Time
	IsExternal     bool
}

// NetworkStatus is the telemetry snapshot exposed by the network actuator.
type NetworkStatus struct {
	State              NetState
	RateMbps           float64
	PeerCount          int
	ValidPeerCount     int
	ExternalVerified   bool
	LastTransition     time.Time
	LastStateChange    time.Time
	DegradeReason      string
}
