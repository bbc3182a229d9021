package types

import "time"

// SlotClock maps wall-clock time onto slots.
type SlotClock struct {
	GenesisTime    time.Time
	SecondsPerSlot uint64

	// Now defaults to time.Now.
	Now func() time.Time
}

// CurrentSlot returns the slot at the current time, or 0 before genesis.
func (c SlotClock) CurrentSlot() Slot {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if c.SecondsPerSlot == 0 {
		return 0
	}
	elapsed := now().Sub(c.GenesisTime)
	if elapsed < 0 {
		return 0
	}
	return Slot(uint64(elapsed/time.Second) / c.SecondsPerSlot)
}
