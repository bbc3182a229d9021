package blocksync

import (
	"github.com/dannbbb1/lodestar/types"
)

// SyncState is the overall sync state of the node.
type SyncState int

const (
	Stalled SyncState = iota
	SyncingFinalized
	SyncingHead
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Stalled:
		return "stalled"
	case SyncingFinalized:
		return "syncing_finalized"
	case SyncingHead:
		return "syncing_head"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SyncStatus is a snapshot of the sync progress.
type SyncStatus struct {
	State        SyncState
	HeadSlot     types.Slot
	SyncDistance uint64
	IsSyncing    bool
}

// syncDistance returns how far head trails target.
func syncDistance(head, target types.Slot) uint64 {
	if target <= head {
		return 0
	}
	return uint64(target - head)
}
