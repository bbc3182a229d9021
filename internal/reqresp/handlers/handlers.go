// Package handlers serves the request/response methods from local chain
// data.
package handlers

import (
	"context"
	"fmt"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// rangeWindow is the number of slots loaded from the store before the
// loaded blocks are written out. It keeps store iterators short while the
// peer reads at its own pace.
const rangeWindow = 32

// BlockReader reads canonical blocks and their blobs.
type BlockReader interface {
	LoadBlock(root types.Root) (*types.SignedBeaconBlock, error)
	IterateBlocks(start types.Slot, count, step uint64, fn func(*types.SignedBeaconBlock) (bool, error)) error
	LoadBlob(id types.BlobIdentifier) (*types.BlobSidecar, error)
	LoadBlobs(root types.Root) ([]*types.BlobSidecar, error)
}

// StatusProvider returns the local status message.
type StatusProvider interface {
	LocalStatus() (*types.Status, error)
}

// PeerStatusRecorder stores the status a peer sent us.
type PeerStatusRecorder interface {
	SetStatus(peer p2p.PeerID, status *types.Status)
}

// LightClientServer produces SSZ encoded light client objects. A nil server
// answers every light client request with ResourceUnavailable.
type LightClientServer interface {
	Bootstrap(ctx context.Context, blockRoot types.Root) ([]byte, error)
	UpdatesByRange(ctx context.Context, startPeriod, count uint64) ([][]byte, error)
	FinalityUpdate(ctx context.Context) ([]byte, error)
	OptimisticUpdate(ctx context.Context) ([]byte, error)
}

// Handlers holds the collaborators of the request handlers.
type Handlers struct {
	logger      log.Logger
	blocks      BlockReader
	status      StatusProvider
	peers       PeerStatusRecorder
	lightClient LightClientServer
	digest      types.ForkDigest
	metadata    types.MetaData
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLightClientServer enables the light client methods.
func WithLightClientServer(lc LightClientServer) Option {
	return func(h *Handlers) { h.lightClient = lc }
}

// WithMetaData sets the metadata returned by ping and metadata requests.
func WithMetaData(md types.MetaData) Option {
	return func(h *Handlers) { h.metadata = md }
}

// New returns handlers serving data for the fork identified by digest.
func New(
	logger log.Logger,
	digest types.ForkDigest,
	blocks BlockReader,
	status StatusProvider,
	peers PeerStatusRecorder,
	opts ...Option,
) *Handlers {
	h := &Handlers{
		logger: logger,
		digest: digest,
		blocks: blocks,
		status: status,
		peers:  peers,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs a handler for every version of every method.
func (h *Handlers) Register(d *reqresp.Dispatcher) error {
	table := map[reqresp.Method]reqresp.Handler{
		reqresp.MethodStatus:                      h.onStatus,
		reqresp.MethodGoodbye:                     h.onGoodbye,
		reqresp.MethodPing:                        h.onPing,
		reqresp.MethodMetadata:                    h.onMetadata,
		reqresp.MethodBeaconBlocksByRange:         h.onBeaconBlocksByRange,
		reqresp.MethodBeaconBlocksByRoot:          h.onBeaconBlocksByRoot,
		reqresp.MethodBlobSidecarsByRange:         h.onBlobSidecarsByRange,
		reqresp.MethodBlobSidecarsByRoot:          h.onBlobSidecarsByRoot,
		reqresp.MethodLightClientBootstrap:        h.onLightClientBootstrap,
		reqresp.MethodLightClientUpdatesByRange:   h.onLightClientUpdatesByRange,
		reqresp.MethodLightClientFinalityUpdate:   h.onLightClientFinalityUpdate,
		reqresp.MethodLightClientOptimisticUpdate: h.onLightClientOptimisticUpdate,
	}
	for _, method := range reqresp.AllMethods() {
		handler, ok := table[method]
		if !ok {
			return fmt.Errorf("no handler for %v", method)
		}
		for _, version := range method.Versions() {
			if err := d.Register(method, version, handler); err != nil {
				return err
			}
		}
	}
	return nil
}

func decode(body []byte, v interface{ UnmarshalSSZ([]byte) error }) error {
	if err := v.UnmarshalSSZ(body); err != nil {
		return reqresp.NewInvalidRequest("malformed request: %v", err)
	}
	return nil
}

func (h *Handlers) onStatus(_ context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	remote := new(types.Status)
	if err := decode(req.Body, remote); err != nil {
		return err
	}
	h.peers.SetStatus(req.Peer, remote)

	local, err := h.status.LocalStatus()
	if err != nil {
		return fmt.Errorf("load local status: %w", err)
	}
	return reqresp.WriteSSZ(w, h.digest, local)
}

func (h *Handlers) onGoodbye(_ context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	var reason types.SSZUint64
	if err := decode(req.Body, &reason); err != nil {
		return err
	}
	h.logger.Debug("peer said goodbye", "peer", req.Peer, "reason", uint64(reason))
	var ack types.SSZUint64
	return reqresp.WriteSSZ(w, h.digest, &ack)
}

func (h *Handlers) onPing(_ context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	var seq types.SSZUint64
	if err := decode(req.Body, &seq); err != nil {
		return err
	}
	ours := types.SSZUint64(h.metadata.SeqNumber)
	return reqresp.WriteSSZ(w, h.digest, &ours)
}

func (h *Handlers) onMetadata(_ context.Context, _ reqresp.Request, w reqresp.ChunkWriter) error {
	md := h.metadata
	return reqresp.WriteSSZ(w, h.digest, &md)
}
