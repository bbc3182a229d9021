package blocksync

import (
	"github.com/dannbbb1/lodestar/internal/blocksync/rangesync"
	"github.com/dannbbb1/lodestar/internal/blocksync/unknown"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/types"
)

// Events reported by other subsystems.
type (
	unknownBlockEvent struct {
		root types.Root
		peer p2p.PeerID
	}
	unknownParentEvent struct {
		block *types.SignedBeaconBlock
		peer  p2p.PeerID
	}
	unknownBlobsEvent struct {
		input *types.BlockInput
		peer  p2p.PeerID
	}
	gossipBlockEvent struct {
		block *types.SignedBeaconBlock
		peer  p2p.PeerID
	}
	peerStatusEvent struct {
		peer   p2p.PeerID
		status *types.Status
	}
	peerConnectedEvent struct {
		peer p2p.PeerID
	}
	peerDisconnectedEvent struct {
		peer p2p.PeerID
	}
)

// Results posted by worker goroutines.
type (
	statusResult struct {
		peer   p2p.PeerID
		status *types.Status
		err    error
	}
	fetchResult struct {
		req   unknown.FetchRequest
		block *types.SignedBeaconBlock
		blobs []*types.BlobSidecar
		err   error
	}
	importResult struct {
		root    types.Root
		outcome unknown.Outcome
	}
	gossipImportResult struct {
		block *types.SignedBeaconBlock
		peer  p2p.PeerID
		res   types.ImportResult
		err   error
	}
	batchResult struct {
		req    rangesync.BatchRequest
		blocks []*types.BlockInput
		err    error
	}
	processResult struct {
		task     *rangesync.ProcessTask
		outcome  rangesync.ProcessOutcome
		imported int
	}
)
