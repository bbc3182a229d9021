package blocksync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/blocksync/rangesync"
	"github.com/dannbbb1/lodestar/internal/blocksync/unknown"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/libs/service"
	"github.com/dannbbb1/lodestar/types"
)

var _ service.Service = (*Reactor)(nil)

const (
	// size of the queue of reported events; reports beyond it are dropped
	eventQueueSize = 1024

	// how often the loop wakes up without events, to retry backed off work
	tickInterval = 100 * time.Millisecond
)

var (
	errMissingBlobs    = fmt.Errorf("%w: blob sidecars missing", reqresp.ErrValidationRejected)
	errUnexpectedBlob  = fmt.Errorf("%w: unexpected blob sidecar", reqresp.ErrValidationRejected)
	errWrongForkDigest = errors.New("peer is on a different fork")
)

// Chain is the block processing pipeline.
type Chain interface {
	ValidateAndImport(ctx context.Context, input *types.BlockInput) (types.ImportResult, error)
	HasBlock(root types.Root) bool
	LocalStatus() (*types.Status, error)
}

// PeerSource tracks connected peers, their scores and the status they
// advertised. p2p.PeerSet implements it.
type PeerSource interface {
	ConnectedPeers() []p2p.PeerID
	IsConnected(id p2p.PeerID) bool
	Score(id p2p.PeerID) p2p.PeerScore
	GetPeerStatus(id p2p.PeerID) (*types.Status, bool)
	SetStatus(id p2p.PeerID, status *types.Status)
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithMetrics sets the metrics. NopMetrics are used otherwise.
func WithMetrics(m *Metrics) Option {
	return func(r *Reactor) { r.metrics = m }
}

// WithClock lets the wall clock slot count as a sync target, so that a node
// whose peers all stopped is not reported as synced.
func WithClock(clock types.SlotClock) Option {
	return func(r *Reactor) { r.clock = &clock }
}

// WithPeerUpdates makes the Reactor follow connects and disconnects from a
// peer update subscription.
func WithPeerUpdates(pu *p2p.PeerUpdates) Option {
	return func(r *Reactor) { r.peerUpdates = pu }
}

type peerContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Reactor coordinates range sync and unknown block resolution.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg         *config.SyncConfig
	chain       Chain
	network     Network
	peers       PeerSource
	metrics     *Metrics
	clock       *types.SlotClock
	peerUpdates *p2p.PeerUpdates

	events  chan interface{}
	results chan interface{}

	// owned by the event loop
	resolver  *unknown.Resolver
	rangeSync *rangesync.RangeSync
	peerCtx   map[p2p.PeerID]peerContext

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mtx      sync.RWMutex
	status   SyncStatus
	debug    []rangesync.DebugState
	pendings []unknown.PendingBlock
}

// NewReactor returns a new reactor instance.
func NewReactor(
	logger log.Logger,
	syncCfg *config.SyncConfig,
	unknownCfg *config.UnknownBlockConfig,
	chain Chain,
	network Network,
	peers PeerSource,
	options ...Option,
) *Reactor {
	r := &Reactor{
		logger:    logger,
		cfg:       syncCfg,
		chain:     chain,
		network:   network,
		peers:     peers,
		metrics:   NopMetrics(),
		events:    make(chan interface{}, eventQueueSize),
		results:   make(chan interface{}),
		resolver:  unknown.NewResolver(logger.With("module", "unknown"), unknownCfg, chain, peers),
		rangeSync: rangesync.New(logger.With("module", "rangesync"), syncCfg, chain),
		peerCtx:   make(map[p2p.PeerID]peerContext),
	}
	for _, opt := range options {
		opt(r)
	}
	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r
}

// OnStart starts the event loop and, if configured, the peer update
// listener.
func (r *Reactor) OnStart(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.spawn(func() { r.loop(ctx) })
	if r.peerUpdates != nil {
		r.spawn(func() { r.processPeerUpdates(ctx) })
	}
	return nil
}

// OnStop stops the event loop and waits for every worker to exit.
func (r *Reactor) OnStop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reactor) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// enqueue hands a reported event to the loop without blocking. Events that
// do not fit in the queue are dropped.
func (r *Reactor) enqueue(ev interface{}) {
	select {
	case r.events <- ev:
	default:
		r.metrics.DroppedEvents.Add(1)
		r.logger.Debug("event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// post hands a worker result to the loop.
func (r *Reactor) post(ctx context.Context, res interface{}) {
	select {
	case r.results <- res:
	case <-ctx.Done():
	}
}

// ReportUnknownBlock reports a block root that some peer referenced.
func (r *Reactor) ReportUnknownBlock(root types.Root, peer p2p.PeerID) {
	r.enqueue(unknownBlockEvent{root: root, peer: peer})
}

// ReportUnknownParent reports a block whose parent is not imported.
func (r *Reactor) ReportUnknownParent(block *types.SignedBeaconBlock, peer p2p.PeerID) {
	r.enqueue(unknownParentEvent{block: block, peer: peer})
}

// ReportUnknownBlobs reports a block whose blobs are incomplete.
func (r *Reactor) ReportUnknownBlobs(input *types.BlockInput, peer p2p.PeerID) {
	r.enqueue(unknownBlobsEvent{input: input, peer: peer})
}

// ReportGossipBlock hands over a block received on gossip. It is imported
// when its parent and blobs are known and resolved otherwise.
func (r *Reactor) ReportGossipBlock(block *types.SignedBeaconBlock, peer p2p.PeerID) {
	r.enqueue(gossipBlockEvent{block: block, peer: peer})
}

// ReportPeerStatus reports the status a peer advertised.
func (r *Reactor) ReportPeerStatus(peer p2p.PeerID, status *types.Status) {
	r.enqueue(peerStatusEvent{peer: peer, status: status})
}

// SetStatus is ReportPeerStatus under the name the status handler expects.
func (r *Reactor) SetStatus(peer p2p.PeerID, status *types.Status) {
	r.ReportPeerStatus(peer, status)
}

// ReportPeerConnected reports a new connection.
func (r *Reactor) ReportPeerConnected(peer p2p.PeerID) {
	r.enqueue(peerConnectedEvent{peer: peer})
}

// ReportPeerDisconnected reports a closed connection.
func (r *Reactor) ReportPeerDisconnected(peer p2p.PeerID) {
	r.enqueue(peerDisconnectedEvent{peer: peer})
}

// GetSyncStatus returns the latest sync status.
func (r *Reactor) GetSyncStatus() SyncStatus {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.status
}

// State returns the latest sync state.
func (r *Reactor) State() SyncState {
	return r.GetSyncStatus().State
}

// GetDebugState returns a summary of every range sync chain.
func (r *Reactor) GetDebugState() []rangesync.DebugState {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]rangesync.DebugState, len(r.debug))
	copy(out, r.debug)
	return out
}

// PendingBlocks returns the unknown block table in insertion order.
func (r *Reactor) PendingBlocks() []unknown.PendingBlock {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]unknown.PendingBlock, len(r.pendings))
	copy(out, r.pendings)
	return out
}

// processPeerUpdates follows the peer update subscription until ctx is done.
func (r *Reactor) processPeerUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerUpdate := <-r.peerUpdates.Updates():
			r.logger.Debug("received peer update", "peer", peerUpdate.PeerID, "status", peerUpdate.Status)
			switch peerUpdate.Status {
			case p2p.PeerStatusUp:
				r.post(ctx, peerConnectedEvent{peer: peerUpdate.PeerID})
			case p2p.PeerStatusDown, p2p.PeerStatusBad:
				r.post(ctx, peerDisconnectedEvent{peer: peerUpdate.PeerID})
			}
		}
	}
}

// loop is the only goroutine that touches the resolver and range sync.
func (r *Reactor) loop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(r.cfg.StatusInterval)
	defer statusTicker.Stop()

	for _, id := range r.peers.ConnectedPeers() {
		r.requestStatus(ctx, id)
	}
	r.step(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ctx, ev)
		case res := <-r.results:
			r.handle(ctx, res)
		case <-ticker.C:
			r.resolver.Prune()
			r.rangeSync.Prune()
		case <-statusTicker.C:
			for _, id := range r.peers.ConnectedPeers() {
				r.requestStatus(ctx, id)
			}
		}
		r.step(ctx)
	}
}

// handle applies one event or result. A panic is logged and swallowed so
// that one bad message does not stop syncing.
func (r *Reactor) handle(ctx context.Context, ev interface{}) {
	defer func() {
		if e := recover(); e != nil {
			r.logger.Error(
				"recovering from event handling panic",
				"event", fmt.Sprintf("%T", ev),
				"err", e,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch ev := ev.(type) {
	case unknownBlockEvent:
		if !r.chain.HasBlock(ev.root) {
			r.resolver.OnUnknownBlock(ev.root, ev.peer)
		}
	case unknownParentEvent:
		if !r.chain.HasBlock(ev.block.Root()) {
			r.resolver.OnUnknownBlockParent(ev.block, ev.peer)
		}
	case unknownBlobsEvent:
		if !r.chain.HasBlock(ev.input.Block.Root()) {
			r.resolver.OnUnknownBlobs(ev.input, ev.peer)
		}
	case gossipBlockEvent:
		r.onGossipBlock(ctx, ev)
	case peerStatusEvent:
		r.onPeerStatus(ctx, ev.peer, ev.status)
	case peerConnectedEvent:
		r.requestStatus(ctx, ev.peer)
	case peerDisconnectedEvent:
		r.onPeerDisconnected(ev.peer)

	case statusResult:
		if ev.err != nil {
			r.logger.Debug("status request failed", "peer", ev.peer, "err", ev.err)
			r.penalizeForError(ctx, ev.peer, ev.err)
			return
		}
		r.onPeerStatus(ctx, ev.peer, ev.status)
	case fetchResult:
		r.onFetchResult(ctx, ev)
	case importResult:
		if ev.outcome == unknown.OutcomeAccepted {
			r.metrics.ImportedBlocks.With("source", "unknown").Add(1)
		}
		for _, id := range r.resolver.OnProcessed(ev.root, ev.outcome) {
			r.penalize(ctx, id, p2p.PeerActionLowTolerance, "served rejected block")
		}
	case gossipImportResult:
		r.onGossipImported(ctx, ev)
	case batchResult:
		if ev.err != nil {
			r.metrics.Batches.With("result", "error").Add(1)
			r.penalizeForError(ctx, ev.req.Peer, ev.err)
			r.rangeSync.OnBatchDownloadFailed(ev.req, ev.err)
			return
		}
		r.metrics.Batches.With("result", "success").Add(1)
		r.rangeSync.OnBatchDownloaded(ev.req, ev.blocks)
	case processResult:
		r.metrics.ImportedBlocks.With("source", "range").Add(float64(ev.imported))
		r.rangeSync.OnBatchProcessed(ev.task, ev.outcome)

	default:
		r.logger.Error("unknown event", "event", fmt.Sprintf("%T", ev))
	}
}

// step schedules new work and refreshes the published status.
func (r *Reactor) step(ctx context.Context) {
	local, err := r.chain.LocalStatus()
	if err != nil {
		r.logger.Error("failed to load local status", "err", err)
		return
	}

	r.handleRemovedChains(local)
	for _, fault := range r.rangeSync.TakeFaults() {
		r.penalize(ctx, fault.Peer, faultAction(fault.Err), fault.Err.Error())
	}

	now := time.Now()
	for _, req := range r.resolver.NextRequests(now) {
		req := req
		pctx := r.peerContext(ctx, req.Peer)
		r.spawn(func() { r.fetchUnknown(ctx, pctx, req) })
	}
	if ready := r.resolver.ReadyToProcess(); len(ready) > 0 {
		r.spawn(func() { r.importPending(ctx, ready) })
	}

	for _, req := range r.rangeSync.NextRequests() {
		req := req
		pctx := r.peerContext(ctx, req.Peer)
		r.spawn(func() { r.downloadBatch(ctx, pctx, req) })
	}
	for _, task := range r.rangeSync.NextProcessable() {
		task := task
		r.spawn(func() { r.processBatch(ctx, task) })
	}
	// NextProcessable may fail discontinuous batches
	for _, fault := range r.rangeSync.TakeFaults() {
		r.penalize(ctx, fault.Peer, faultAction(fault.Err), fault.Err.Error())
	}

	r.updateStatus(local)
}

// handleRemovedChains puts the peers of a finished chain back to work. Peers
// of a failed or abandoned chain wait for their next status.
func (r *Reactor) handleRemovedChains(local *types.Status) {
	for _, removed := range r.rangeSync.TakeRemoved() {
		r.logger.Info("sync chain removed",
			"chain", removed.State.ID,
			"type", removed.State.Type,
			"status", removed.State.Status,
			"target_slot", removed.State.TargetSlot)
		if removed.State.Status != rangesync.ChainDone {
			continue
		}
		for _, id := range removed.Peers {
			if status, ok := r.peers.GetPeerStatus(id); ok {
				r.rangeSync.AddPeer(id, status, local)
			}
		}
	}
}

func (r *Reactor) updateStatus(local *types.Status) {
	connected := r.peers.ConnectedPeers()
	best := local.HeadSlot
	for _, id := range connected {
		if status, ok := r.peers.GetPeerStatus(id); ok && status.HeadSlot > best {
			best = status.HeadSlot
		}
	}
	if r.clock != nil {
		if slot := r.clock.CurrentSlot(); slot > best {
			best = slot
		}
	}
	distance := syncDistance(local.HeadSlot, best)

	var state SyncState
	switch {
	case r.rangeSync.HasFinalizedChain():
		state = SyncingFinalized
	case r.rangeSync.IsSyncing():
		state = SyncingHead
	case len(connected) == 0:
		state = Stalled
	case distance <= r.cfg.SlotImportTolerance:
		state = Synced
	default:
		state = Stalled
	}

	debugState := r.rangeSync.DebugState()
	chains := map[rangesync.ChainType]int{}
	for _, d := range debugState {
		chains[d.Type]++
	}
	r.metrics.SyncState.Set(float64(state))
	r.metrics.SyncDistance.Set(float64(distance))
	r.metrics.Chains.With("type", rangesync.FinalizedChain.String()).Set(float64(chains[rangesync.FinalizedChain]))
	r.metrics.Chains.With("type", rangesync.HeadChain.String()).Set(float64(chains[rangesync.HeadChain]))
	r.metrics.PendingBlocks.Set(float64(r.resolver.Len()))

	status := SyncStatus{
		State:        state,
		HeadSlot:     local.HeadSlot,
		SyncDistance: distance,
		IsSyncing:    state == SyncingFinalized || state == SyncingHead,
	}

	r.mtx.Lock()
	if r.status.State != state {
		r.logger.Info("sync state changed", "from", r.status.State, "to", state, "head_slot", local.HeadSlot, "distance", distance)
	}
	r.status = status
	r.debug = debugState
	r.pendings = r.resolver.Snapshot()
	r.mtx.Unlock()
}

func (r *Reactor) peerContext(ctx context.Context, peer p2p.PeerID) context.Context {
	if pc, ok := r.peerCtx[peer]; ok {
		return pc.ctx
	}
	pctx, cancel := context.WithCancel(ctx)
	r.peerCtx[peer] = peerContext{ctx: pctx, cancel: cancel}
	return pctx
}

func (r *Reactor) onPeerDisconnected(peer p2p.PeerID) {
	r.logger.Debug("peer disconnected", "peer", peer)
	if pc, ok := r.peerCtx[peer]; ok {
		pc.cancel()
		delete(r.peerCtx, peer)
	}
	r.resolver.OnPeerDisconnected(peer)
	r.rangeSync.RemovePeer(peer)
}

func (r *Reactor) onPeerStatus(ctx context.Context, peer p2p.PeerID, status *types.Status) {
	if !r.peers.IsConnected(peer) {
		return
	}
	local, err := r.chain.LocalStatus()
	if err != nil {
		r.logger.Error("failed to load local status", "err", err)
		return
	}
	if status.ForkDigest != local.ForkDigest {
		r.penalize(ctx, peer, p2p.PeerActionFatal, errWrongForkDigest.Error())
		r.rangeSync.RemovePeer(peer)
		return
	}

	r.peers.SetStatus(peer, status)
	typ := r.rangeSync.AddPeer(peer, status, local)
	r.logger.Debug("peer status",
		"peer", peer,
		"head_slot", status.HeadSlot,
		"finalized_epoch", status.FinalizedEpoch,
		"sync_type", typ)
}

func (r *Reactor) onFetchResult(ctx context.Context, res fetchResult) {
	now := time.Now()
	if res.err != nil {
		r.penalizeForError(ctx, res.req.Peer, res.err)
	}
	if res.err != nil && res.block == nil {
		r.resolver.OnFetchFailure(res.req.Root, res.req.Peer, now)
		return
	}
	r.resolver.OnFetchSuccess(res.req.Root, res.req.Peer, res.block, res.blobs, now)
}

func (r *Reactor) onGossipBlock(ctx context.Context, ev gossipBlockEvent) {
	if r.chain.HasBlock(ev.block.Root()) {
		return
	}
	input := types.NewBlockInput(ev.block)
	if !input.IsComplete() {
		r.resolver.OnUnknownBlobs(input, ev.peer)
		return
	}
	if !r.chain.HasBlock(ev.block.ParentRoot()) {
		r.resolver.OnUnknownBlockParent(ev.block, ev.peer)
		return
	}
	r.spawn(func() {
		res, err := r.chain.ValidateAndImport(ctx, input)
		r.post(ctx, gossipImportResult{block: ev.block, peer: ev.peer, res: res, err: err})
	})
}

func (r *Reactor) onGossipImported(ctx context.Context, ev gossipImportResult) {
	switch {
	case ev.err != nil:
		r.logger.Error("failed to import gossip block", "slot", ev.block.Slot(), "err", ev.err)
	case ev.res.Outcome == types.ImportAccepted:
		r.metrics.ImportedBlocks.With("source", "gossip").Add(1)
	case ev.res.Outcome == types.ImportParentUnknown:
		r.resolver.OnUnknownBlockParent(ev.block, ev.peer)
	case ev.res.Outcome == types.ImportRejected:
		r.penalize(ctx, ev.peer, p2p.PeerActionLowTolerance, ev.res.Reason)
	}
}

func (r *Reactor) requestStatus(ctx context.Context, peer p2p.PeerID) {
	local, err := r.chain.LocalStatus()
	if err != nil {
		r.logger.Error("failed to load local status", "err", err)
		return
	}
	pctx := r.peerContext(ctx, peer)
	r.spawn(func() {
		status, err := r.network.Status(pctx, peer, local)
		r.post(ctx, statusResult{peer: peer, status: status, err: err})
	})
}

// fetchUnknown downloads a pending block, and its blobs when it has any, or
// the missing blobs of a known block. The request runs under the peer
// context; the result is posted even when it was cancelled so that the
// resolver can release the request slot.
func (r *Reactor) fetchUnknown(ctx, peerCtx context.Context, req unknown.FetchRequest) {
	res := fetchResult{req: req}
	switch req.Kind {
	case unknown.FetchBlock:
		blocks, err := r.network.BeaconBlocksByRoot(peerCtx, req.Peer, []types.Root{req.Root})
		if err == nil && len(blocks) == 1 {
			res.block = blocks[0]
			if missing := types.NewBlockInput(res.block).MissingBlobs(); len(missing) > 0 {
				res.blobs, err = r.network.BlobSidecarsByRoot(peerCtx, req.Peer, missing)
			}
		}
		res.err = err
	case unknown.FetchBlobs:
		res.blobs, res.err = r.network.BlobSidecarsByRoot(peerCtx, req.Peer, req.Blobs)
	}
	r.post(ctx, res)
}

// importPending imports resolved blocks in order. Descendants of a block
// that did not import are handed back as ParentUnknown without trying.
func (r *Reactor) importPending(ctx context.Context, ready []unknown.PendingBlock) {
	failed := make(map[types.Root]bool)
	for _, pb := range ready {
		outcome := unknown.OutcomeParentUnknown
		if !failed[pb.ParentRoot] {
			outcome = r.importOne(ctx, pb.Input)
		}
		if outcome != unknown.OutcomeAccepted {
			failed[pb.Root] = true
		}
		r.post(ctx, importResult{root: pb.Root, outcome: outcome})
	}
}

func (r *Reactor) importOne(ctx context.Context, input *types.BlockInput) unknown.Outcome {
	res, err := r.chain.ValidateAndImport(ctx, input)
	switch {
	case err != nil:
		r.logger.Error("failed to import block", "slot", input.Block.Slot(), "err", err)
		return unknown.OutcomeError
	case res.Outcome == types.ImportRejected:
		r.logger.Info("block rejected", "slot", input.Block.Slot(), "reason", res.Reason)
		return unknown.OutcomeRejected
	case res.Outcome == types.ImportParentUnknown:
		return unknown.OutcomeParentUnknown
	default:
		return unknown.OutcomeAccepted
	}
}

func (r *Reactor) downloadBatch(ctx, peerCtx context.Context, req rangesync.BatchRequest) {
	blocks, err := r.network.BeaconBlocksByRange(peerCtx, req.Peer, req.Request())
	var inputs []*types.BlockInput
	if err == nil {
		inputs, err = r.attachBlobs(peerCtx, req, blocks)
	}
	r.post(ctx, batchResult{req: req, blocks: inputs, err: err})
}

// attachBlobs downloads the blobs committed to by blocks from the same peer
// and checks that every block is complete.
func (r *Reactor) attachBlobs(
	ctx context.Context,
	req rangesync.BatchRequest,
	blocks []*types.SignedBeaconBlock,
) ([]*types.BlockInput, error) {
	inputs := make([]*types.BlockInput, len(blocks))
	byRoot := make(map[types.Root]*types.BlockInput, len(blocks))
	withBlobs := false
	for i, b := range blocks {
		inputs[i] = types.NewBlockInput(b)
		byRoot[b.Root()] = inputs[i]
		if len(b.Message.BlobKzgCommitments) > 0 {
			withBlobs = true
		}
	}
	if !withBlobs {
		return inputs, nil
	}

	sidecars, err := r.network.BlobSidecarsByRange(ctx, req.Peer, &types.BlobSidecarsByRangeRequest{
		StartSlot: req.StartSlot,
		Count:     req.Count,
	})
	if err != nil {
		return nil, err
	}
	for _, sc := range sidecars {
		in, ok := byRoot[sc.BlockRoot]
		if !ok {
			return nil, errUnexpectedBlob
		}
		if rejected := in.AddBlobs([]*types.BlobSidecar{sc}); len(rejected) > 0 {
			return nil, errUnexpectedBlob
		}
	}
	for _, in := range inputs {
		if !in.IsComplete() {
			return nil, errMissingBlobs
		}
	}
	return inputs, nil
}

// processBatch imports the blocks of a batch in order and stops at the
// first one that does not import.
func (r *Reactor) processBatch(ctx context.Context, task *rangesync.ProcessTask) {
	res := processResult{task: task, outcome: rangesync.ProcessSuccess}
	for _, in := range task.Blocks {
		switch r.importOne(ctx, in) {
		case unknown.OutcomeAccepted:
			res.imported++
			continue
		case unknown.OutcomeRejected:
			res.outcome = rangesync.ProcessRejected
		default:
			res.outcome = rangesync.ProcessFailed
		}
		break
	}
	r.post(ctx, res)
}

func (r *Reactor) penalize(ctx context.Context, peer p2p.PeerID, action p2p.PeerAction, reason string) {
	r.logger.Debug("penalizing peer", "peer", peer, "action", action, "reason", reason)
	r.metrics.PeerPenalties.With("action", action.String()).Add(1)
	r.network.ReportPeer(ctx, peer, action)
}

// penalizeForError scores a peer after a failed request. Cancelled requests
// and disconnects cost nothing.
func (r *Reactor) penalizeForError(ctx context.Context, peer p2p.PeerID, err error) {
	if action, ok := errorAction(err); ok {
		r.penalize(ctx, peer, action, err.Error())
	}
}

func errorAction(err error) (p2p.PeerAction, bool) {
	var respErr *reqresp.ResponseError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, reqresp.ErrPeerDisconnected):
		return 0, false
	case errors.Is(err, reqresp.ErrPeerTimeout):
		return p2p.PeerActionHighTolerance, true
	case errors.Is(err, reqresp.ErrValidationRejected):
		return p2p.PeerActionLowTolerance, true
	case errors.As(err, &respErr):
		if respErr.Code == reqresp.ResourceUnavailable {
			return p2p.PeerActionHighTolerance, true
		}
		return p2p.PeerActionMidTolerance, true
	default:
		return p2p.PeerActionMidTolerance, true
	}
}

func faultAction(err error) p2p.PeerAction {
	if errors.Is(err, rangesync.ErrDiscontinuous) {
		return p2p.PeerActionMidTolerance
	}
	return p2p.PeerActionLowTolerance
}
