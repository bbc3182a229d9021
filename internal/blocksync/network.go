package blocksync

import (
	"context"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/types"
)

// Network is the request/response surface the Reactor uses.
type Network interface {
	Status(ctx context.Context, peer p2p.PeerID, local *types.Status) (*types.Status, error)
	BeaconBlocksByRange(ctx context.Context, peer p2p.PeerID, req *types.BeaconBlocksByRangeRequest) ([]*types.SignedBeaconBlock, error)
	BeaconBlocksByRoot(ctx context.Context, peer p2p.PeerID, roots []types.Root) ([]*types.SignedBeaconBlock, error)
	BlobSidecarsByRange(ctx context.Context, peer p2p.PeerID, req *types.BlobSidecarsByRangeRequest) ([]*types.BlobSidecar, error)
	BlobSidecarsByRoot(ctx context.Context, peer p2p.PeerID, ids []types.BlobIdentifier) ([]*types.BlobSidecar, error)
	ReportPeer(ctx context.Context, peer p2p.PeerID, action p2p.PeerAction)
}

type network struct {
	*reqresp.Client
	peers *p2p.PeerSet
}

// NewNetwork returns a Network that sends requests with client and reports
// peers to peers.
func NewNetwork(client *reqresp.Client, peers *p2p.PeerSet) Network {
	return &network{Client: client, peers: peers}
}

func (n *network) ReportPeer(ctx context.Context, peer p2p.PeerID, action p2p.PeerAction) {
	n.peers.ReportPeer(ctx, peer, action)
}
