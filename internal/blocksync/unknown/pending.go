package unknown

import (
	"sort"
	"time"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/types"
)

// Status is the resolution state of a pending block.
type Status int

const (
	StatusPending Status = iota
	StatusFetching
	StatusDownloaded
	StatusProcessing
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFetching:
		return "fetching"
	case StatusDownloaded:
		return "downloaded"
	case StatusProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Kind records why an entry was created.
type Kind int

const (
	// KindUnknownBlock is a root referenced without its block.
	KindUnknownBlock Kind = iota
	// KindUnknownParent is a block whose parent is missing.
	KindUnknownParent
	// KindUnknownBlobs is a block whose blob sidecars are missing.
	KindUnknownBlobs
)

func (k Kind) String() string {
	switch k {
	case KindUnknownBlock:
		return "unknown_block"
	case KindUnknownParent:
		return "unknown_parent"
	case KindUnknownBlobs:
		return "unknown_blobs"
	default:
		return "unknown"
	}
}

// PendingBlock is one unit of resolution work.
type PendingBlock struct {
	Root types.Root
	// ParentRoot is only meaningful when HasParent is set.
	ParentRoot types.Root
	HasParent  bool

	Kind             Kind
	Status           Status
	DownloadAttempts int

	// Input is set once the block has been downloaded. Its blobs may still
	// be incomplete for KindUnknownBlobs entries.
	Input *types.BlockInput

	peers       map[p2p.PeerID]struct{}
	seq         uint64
	fetchPeer   p2p.PeerID
	fetchKind   FetchKind
	nextAttempt time.Time
}

// RootHex returns the hex encoded root.
func (pb *PendingBlock) RootHex() types.RootHex { return pb.Root.Hex() }

// Slot returns the block slot, or 0 before download.
func (pb *PendingBlock) Slot() types.Slot {
	if pb.Input == nil {
		return 0
	}
	return pb.Input.Block.Slot()
}

// PeerIDs returns the peers known to have the block, sorted.
func (pb *PendingBlock) PeerIDs() []p2p.PeerID {
	ids := make([]p2p.PeerID, 0, len(pb.peers))
	for id := range pb.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (pb *PendingBlock) copy() PendingBlock {
	cp := *pb
	cp.peers = make(map[p2p.PeerID]struct{}, len(pb.peers))
	for id := range pb.peers {
		cp.peers[id] = struct{}{}
	}
	return cp
}

// FetchKind says what a fetch request asks for.
type FetchKind int

const (
	FetchBlock FetchKind = iota
	FetchBlobs
)

// FetchRequest is a point to point request the owner of the resolver must
// send, reporting the result back through OnFetchSuccess or OnFetchFailure.
type FetchRequest struct {
	Root  types.Root
	Peer  p2p.PeerID
	Kind  FetchKind
	Blobs []types.BlobIdentifier
}

// Outcome is the result of handing a block to the import pipeline.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeParentUnknown
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeParentUnknown:
		return "parent_unknown"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}
