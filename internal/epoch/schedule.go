package epoch

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var (
	ErrZeroSlotsPerEpoch = errors.New("epoch: slots per epoch must be positive")
	ErrEmptyWindow       = errors.New("epoch: calculation window is empty")
)

// Window offsets as fractions of the epoch: the calculation may start a
// quarter into the epoch and must be finished three quarters in.
const (
	startNumerator = 1
	stopNumerator  = 3
	denominator    = 4
)

// Schedule maps slots to epochs. Every epoch has the same length; there is no warmup.
type Schedule struct {
	SlotsPerEpoch uint64
}

// NewSchedule validates slotsPerEpoch and returns a Schedule.
// An epoch too short to hold a non-empty [start, stop) window is rejected.
func NewSchedule(slotsPerEpoch uint64) (Schedule, error) {
	if slotsPerEpoch == 0 {
		return Schedule{}, ErrZeroSlotsPerEpoch
	}
	s := Schedule{SlotsPerEpoch: slotsPerEpoch}
	if s.CalculationStart(0) >= s.CalculationStop(0) {
		return Schedule{}, fmt.Errorf("%w: %d slots per epoch", ErrEmptyWindow, slotsPerEpoch)
	}
	return s, nil
}

// EpochOf returns the epoch containing slot.
func (s Schedule) EpochOf(slot types.Slot) types.Epoch {
	return types.Epoch(uint64(slot) / s.SlotsPerEpoch)
}

// FirstSlot returns the first slot of epoch.
func (s Schedule) FirstSlot(epoch types.Epoch) types.Slot {
	return types.Slot(uint64(epoch) * s.SlotsPerEpoch)
}

// CalculationStart is the first slot at which the epoch's hash may be requested.
func (s Schedule) CalculationStart(epoch types.Epoch) types.Slot {
	return s.FirstSlot(epoch) + types.Slot(s.SlotsPerEpoch*startNumerator/denominator)
}

// CalculationStop is the slot by which the epoch's hash must be Valid.
// It is exclusive: requests are only issued for slots in [start, stop).
func (s Schedule) CalculationStop(epoch types.Epoch) types.Slot {
	return s.FirstSlot(epoch) + types.Slot(s.SlotsPerEpoch*stopNumerator/denominator)
}

// InCalculationWindow reports whether slot lies in its epoch's [start, stop).
func (s Schedule) InCalculationWindow(slot types.Slot) bool {
	e := s.EpochOf(slot)
	return slot >= s.CalculationStart(e) && slot < s.CalculationStop(e)
}
