package wal

import "github.com/ChuLiYu/eah-pipeline/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: records of epoch accounts hash transitions
// ============================================================================

// EventType is the transition a record describes.
type EventType string

const (
	EventReset    EventType = "RESET"     // state machine moved to NotStarted for a new epoch
	EventInFlight EventType = "IN_FLIGHT" // calculation started
	EventValid    EventType = "VALID"     // calculation finished
)

// Event is one journal record.
type Event struct {
	Seq       uint64      `json:"seq"`            // monotonically increasing
	Type      EventType   `json:"type"`           // transition
	Epoch     types.Epoch `json:"epoch"`          // epoch the state belongs to
	Slot      types.Slot  `json:"slot,omitempty"` // IN_FLIGHT and VALID only
	Hash      types.Hash  `json:"hash"`           // VALID only, zero otherwise
	Timestamp int64       `json:"timestamp"`      // Unix milliseconds
	Checksum  uint32      `json:"checksum"`       // CRC32 over the fields above except Timestamp
}

// EventHandler processes one record during ReplayFile.
// Returning an error stops the replay.
type EventHandler func(event Event) error

// eventTypeFor maps a state to the event that produces it.
func eventTypeFor(status types.EpochAccountsHashStatus) (EventType, bool) {
	switch status {
	case types.StatusNotStarted:
		return EventReset, true
	case types.StatusInFlight:
		return EventInFlight, true
	case types.StatusValid:
		return EventValid, true
	}
	return "", false
}

// State returns the state the event records.
func (e Event) State() types.EpochAccountsHashState {
	switch e.Type {
	case EventInFlight:
		return types.InFlight(e.Epoch, e.Slot)
	case EventValid:
		return types.Valid(e.Epoch, e.Slot, e.Hash)
	default:
		return types.NotStarted(e.Epoch)
	}
}
