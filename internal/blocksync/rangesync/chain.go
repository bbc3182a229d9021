package rangesync

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// ChainType tells what a chain is syncing towards.
type ChainType int

const (
	// FinalizedChain syncs to a peer advertised finalized checkpoint.
	FinalizedChain ChainType = iota
	// HeadChain syncs to a peer advertised head.
	HeadChain
)

func (t ChainType) String() string {
	switch t {
	case FinalizedChain:
		return "finalized"
	case HeadChain:
		return "head"
	default:
		return fmt.Sprintf("ChainType(%d)", int(t))
	}
}

// ChainStatus is the state of a chain.
type ChainStatus int

const (
	ChainSyncing ChainStatus = iota
	// ChainDone means the target slot was processed.
	ChainDone
	// ChainError means a batch ran out of attempts.
	ChainError
	// ChainAbandoned means every peer left the chain.
	ChainAbandoned
	// ChainMerged means the chain was folded into another head chain.
	ChainMerged
)

func (s ChainStatus) String() string {
	switch s {
	case ChainSyncing:
		return "syncing"
	case ChainDone:
		return "done"
	case ChainError:
		return "error"
	case ChainAbandoned:
		return "abandoned"
	case ChainMerged:
		return "merged"
	default:
		return fmt.Sprintf("ChainStatus(%d)", int(s))
	}
}

// ErrBatchRejected is recorded against a peer whose batch failed import.
var ErrBatchRejected = errors.New("batch rejected by block processing")

// BatchRequest asks the owner to download a batch from a peer.
type BatchRequest struct {
	Chain     uint64
	ID        uint64
	Peer      p2p.PeerID
	StartSlot types.Slot
	Count     uint64
}

// Request returns the by-range request body.
func (r BatchRequest) Request() *types.BeaconBlocksByRangeRequest {
	return &types.BeaconBlocksByRangeRequest{StartSlot: r.StartSlot, Count: r.Count, Step: 1}
}

// ProcessTask hands a downloaded batch to block processing.
type ProcessTask struct {
	Chain     uint64
	StartSlot types.Slot
	Peer      p2p.PeerID
	Blocks    []*types.BlockInput
}

// ProcessOutcome is the result of importing a batch.
type ProcessOutcome int

const (
	// ProcessSuccess means every block was imported.
	ProcessSuccess ProcessOutcome = iota
	// ProcessRejected means a block was invalid.
	ProcessRejected
	// ProcessFailed means import failed without proving the peer wrong,
	// e.g. the first block's parent is unknown.
	ProcessFailed
)

// PeerFault is a misbehaviour observed while syncing.
type PeerFault struct {
	Peer p2p.PeerID
	Err  error
}

// DebugState is a read-only summary of a chain.
type DebugState struct {
	ID               uint64
	Type             ChainType
	Status           ChainStatus
	StartSlot        types.Slot
	TargetSlot       types.Slot
	TargetRoot       types.RootHex
	ProcessedSlot    types.Slot
	Peers            int
	ValidatedBatches int
	Batches          map[BatchStatus]int
}

// SyncChain downloads the slot range [StartSlot, TargetSlot] from a set of
// peers in batches. Batches download in parallel within a buffer window and
// are processed strictly in slot order.
type SyncChain struct {
	ID         uint64
	Type       ChainType
	StartSlot  types.Slot
	TargetSlot types.Slot
	TargetRoot types.Root

	logger log.Logger
	cfg    *config.SyncConfig

	// peers maps each peer to the number of batches it is downloading.
	peers   map[p2p.PeerID]int
	batches map[types.Slot]*Batch

	nextBatchStart types.Slot // start of the next batch to create
	processingSlot types.Slot // start of the next batch to process
	lastRoot       types.Root // last block processed by this chain
	hasLastRoot    bool

	status           ChainStatus
	validatedBatches int
	nextRequestID    uint64
	faults           []PeerFault
}

// NewSyncChain returns a chain with no peers.
func NewSyncChain(
	id uint64,
	typ ChainType,
	start types.Slot,
	targetSlot types.Slot,
	targetRoot types.Root,
	cfg *config.SyncConfig,
	logger log.Logger,
) *SyncChain {
	return &SyncChain{
		ID:             id,
		Type:           typ,
		StartSlot:      start,
		TargetSlot:     targetSlot,
		TargetRoot:     targetRoot,
		logger:         logger.With("chain", id, "type", typ),
		cfg:            cfg,
		peers:          make(map[p2p.PeerID]int),
		batches:        make(map[types.Slot]*Batch),
		nextBatchStart: start,
		processingSlot: start,
	}
}

// Status returns the chain status.
func (c *SyncChain) Status() ChainStatus { return c.status }

// IsSyncing reports whether the chain is still making progress.
func (c *SyncChain) IsSyncing() bool { return c.status == ChainSyncing }

// AddPeer adds a peer to the chain.
func (c *SyncChain) AddPeer(id p2p.PeerID) {
	if !c.IsSyncing() {
		return
	}
	if _, ok := c.peers[id]; ok {
		return
	}
	c.peers[id] = 0
	c.logger.Debug("added peer", "peer", id, "num_peers", len(c.peers))
}

// HasPeer reports whether id serves the chain.
func (c *SyncChain) HasPeer(id p2p.PeerID) bool {
	_, ok := c.peers[id]
	return ok
}

// Peers returns the chain's peers in a stable order.
func (c *SyncChain) Peers() []p2p.PeerID {
	ids := make([]p2p.PeerID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemovePeer removes a peer and reschedules the batches it was downloading.
// It returns true when the chain was abandoned because no peers are left.
func (c *SyncChain) RemovePeer(id p2p.PeerID) bool {
	if _, ok := c.peers[id]; !ok {
		return false
	}
	delete(c.peers, id)
	for _, b := range c.sortedBatches() {
		if b.Status == BatchDownloading && b.Peer == id {
			c.rescheduleBatch(b)
		}
	}
	c.logger.Debug("removed peer", "peer", id, "num_peers", len(c.peers))
	if len(c.peers) == 0 && c.IsSyncing() {
		c.status = ChainAbandoned
		c.logger.Info("chain abandoned, no peers left")
		return true
	}
	return false
}

func (c *SyncChain) rescheduleBatch(b *Batch) {
	c.logger.Debug("reschedule batch", "start_slot", b.StartSlot, "peer", b.Peer)
	if err := b.cancelDownload(); err != nil {
		c.logger.Error("reschedule batch", "err", err)
	}
}

// UpdateTarget moves the target forward. A lower target is ignored.
func (c *SyncChain) UpdateTarget(slot types.Slot, root types.Root) bool {
	if slot <= c.TargetSlot {
		return false
	}
	c.TargetSlot = slot
	c.TargetRoot = root
	c.logger.Debug("target updated", "target_slot", slot)
	return true
}

// NextRequests fills the batch buffer and assigns every batch awaiting
// download to a peer.
func (c *SyncChain) NextRequests() []BatchRequest {
	if !c.IsSyncing() {
		return nil
	}
	c.includeNextBatches()

	var reqs []BatchRequest
	for _, b := range c.sortedBatches() {
		if b.Status != BatchAwaitingDownload {
			continue
		}
		peer, ok := c.pickPeer(b)
		if !ok {
			break
		}
		c.nextRequestID++
		if err := b.startDownloading(peer, c.nextRequestID); err != nil {
			c.logger.Error("start downloading", "err", err)
			continue
		}
		c.peers[peer]++
		reqs = append(reqs, BatchRequest{
			Chain:     c.ID,
			ID:        c.nextRequestID,
			Peer:      peer,
			StartSlot: b.StartSlot,
			Count:     b.Count,
		})
	}
	return reqs
}

// includeNextBatches creates batches while the window has room.
func (c *SyncChain) includeNextBatches() {
	for c.bufferedBatches() < c.cfg.BatchBufferSize && c.nextBatchStart <= c.TargetSlot {
		count := uint64(c.TargetSlot-c.nextBatchStart) + 1
		if count > c.cfg.BatchSlots {
			count = c.cfg.BatchSlots
		}
		b := newBatch(c.nextBatchStart, count)
		c.batches[b.StartSlot] = b
		c.nextBatchStart = b.EndSlot()
	}
}

// bufferedBatches counts batches that are downloading, downloaded or being
// processed. Processed batches leave the window.
func (c *SyncChain) bufferedBatches() int {
	n := 0
	for _, b := range c.batches {
		switch b.Status {
		case BatchAwaitingValidation, BatchDone:
		default:
			n++
		}
	}
	return n
}

// pickPeer prefers the peer with the fewest active downloads that has not
// failed b. If every peer failed b, failed peers are tried again.
func (c *SyncChain) pickPeer(b *Batch) (p2p.PeerID, bool) {
	ids := c.Peers()
	if len(ids) == 0 {
		return "", false
	}
	sort.SliceStable(ids, func(i, j int) bool { return c.peers[ids[i]] < c.peers[ids[j]] })
	for _, id := range ids {
		if !b.HasFailed(id) {
			return id, true
		}
	}
	return ids[0], true
}

func (c *SyncChain) downloadingBatch(req BatchRequest) *Batch {
	b, ok := c.batches[req.StartSlot]
	if !ok || b.Status != BatchDownloading || b.requestID != req.ID || b.Peer != req.Peer {
		c.logger.Debug("ignoring stale batch response", "start_slot", req.StartSlot, "peer", req.Peer)
		return nil
	}
	if c.peers[b.Peer] > 0 {
		c.peers[b.Peer]--
	}
	return b
}

// OnBatchDownloaded stores the blocks of a finished download. Blocks that do
// not fit the batch fail the download and are recorded as a peer fault.
func (c *SyncChain) OnBatchDownloaded(req BatchRequest, blocks []*types.BlockInput) {
	b := c.downloadingBatch(req)
	if b == nil {
		return
	}
	if err := b.downloadSuccess(blocks); err != nil {
		c.logger.Info("invalid batch", "start_slot", b.StartSlot, "peer", b.Peer, "err", err)
		c.faults = append(c.faults, PeerFault{Peer: b.Peer, Err: err})
		c.failDownload(b)
		return
	}
	c.logger.Debug("batch downloaded", "start_slot", b.StartSlot, "blocks", len(blocks), "peer", b.Peer)
}

// OnBatchDownloadFailed reports a failed download.
func (c *SyncChain) OnBatchDownloadFailed(req BatchRequest, err error) {
	b := c.downloadingBatch(req)
	if b == nil {
		return
	}
	c.logger.Debug("batch download failed", "start_slot", b.StartSlot, "peer", b.Peer, "err", err)
	c.failDownload(b)
}

func (c *SyncChain) failDownload(b *Batch) {
	if err := b.downloadFailed(); err != nil {
		c.logger.Error("download failed", "err", err)
		return
	}
	c.retryOrFail(b)
}

func (c *SyncChain) retryOrFail(b *Batch) {
	if b.DownloadAttempts >= c.cfg.MaxBatchDownloadAttempts ||
		b.ProcessingAttempts >= c.cfg.MaxBatchProcessingAttempts {
		c.status = ChainError
		c.logger.Info("chain failed", "start_slot", b.StartSlot,
			"download_attempts", b.DownloadAttempts, "processing_attempts", b.ProcessingAttempts)
		return
	}
	if err := b.retry(); err != nil {
		c.logger.Error("retry batch", "err", err)
	}
}

// NextProcessable returns the next batch to import, or nil. Only the lowest
// unprocessed batch is eligible and only one batch is processed at a time.
func (c *SyncChain) NextProcessable() *ProcessTask {
	if !c.IsSyncing() {
		return nil
	}
	b, ok := c.batches[c.processingSlot]
	if !ok || b.Status != BatchAwaitingProcessing {
		return nil
	}
	if len(b.Blocks) > 0 && c.hasLastRoot && b.Blocks[0].Block.ParentRoot() != c.lastRoot {
		c.logger.Info("discontinuous batch", "start_slot", b.StartSlot, "peer", b.Peer)
		if err := b.rejectDownloaded(); err != nil {
			c.logger.Error("reject batch", "err", err)
			return nil
		}
		c.resetUnvalidated()
		c.retryOrFail(b)
		return nil
	}
	if err := b.startProcessing(c.lastRoot, c.hasLastRoot); err != nil {
		c.logger.Error("start processing", "err", err)
		return nil
	}
	return &ProcessTask{Chain: c.ID, StartSlot: b.StartSlot, Peer: b.Peer, Blocks: b.Blocks}
}

// OnBatchProcessed records the import result of the batch at start.
func (c *SyncChain) OnBatchProcessed(start types.Slot, outcome ProcessOutcome) {
	b, ok := c.batches[start]
	if !ok || b.Status != BatchProcessing {
		c.logger.Debug("ignoring stale processing result", "start_slot", start)
		return
	}

	switch outcome {
	case ProcessSuccess:
		if err := b.processingSuccess(); err != nil {
			c.logger.Error("processing success", "err", err)
			return
		}
		// an empty batch proves nothing about its predecessors
		if root, ok := b.LastRoot(); ok {
			c.lastRoot, c.hasLastRoot = root, true
			c.validatePrevious(b)
		}
		c.processingSlot = b.EndSlot()
		if c.processingSlot > c.TargetSlot {
			c.complete()
		}

	case ProcessRejected:
		c.logger.Info("batch rejected", "start_slot", b.StartSlot, "peer", b.Peer)
		c.faults = append(c.faults, PeerFault{Peer: b.Peer, Err: ErrBatchRejected})
		if err := b.processingFailed(); err != nil {
			c.logger.Error("processing failed", "err", err)
			return
		}
		c.retryOrFail(b)

	default:
		c.logger.Info("batch processing failed", "start_slot", b.StartSlot, "peer", b.Peer, "outcome", outcome)
		if err := b.processingFailed(); err != nil {
			c.logger.Error("processing failed", "err", err)
			return
		}
		c.resetUnvalidated()
		c.retryOrFail(b)
	}
}

// complete finishes the chain once every batch was processed. The chain is
// only done when the processed blocks end at the target root.
func (c *SyncChain) complete() {
	if !c.hasLastRoot || c.lastRoot != c.TargetRoot {
		c.logger.Info("processed blocks do not reach target root",
			"target_slot", c.TargetSlot, "target_root", c.TargetRoot, "last_root", c.lastRoot)
		c.resetUnvalidated()
		return
	}
	for _, b := range c.sortedBatches() {
		if b.Status == BatchAwaitingValidation {
			c.validate(b)
		}
	}
	c.status = ChainDone
	c.logger.Info("chain synced", "target_slot", c.TargetSlot)
}

// resetUnvalidated sends every batch awaiting validation back to download and
// rewinds processing to the first of them.
func (c *SyncChain) resetUnvalidated() {
	rewound := false
	for _, b := range c.sortedBatches() {
		if !c.IsSyncing() {
			return
		}
		if b.Status != BatchAwaitingValidation {
			continue
		}
		if !rewound {
			c.processingSlot = b.StartSlot
			c.lastRoot, c.hasLastRoot = b.startRoot, b.hasStartRoot
			rewound = true
		}
		c.logger.Debug("redownload unvalidated batch", "start_slot", b.StartSlot, "peer", b.Peer)
		if err := b.validationFailed(); err != nil {
			c.logger.Error("validation failed", "err", err)
			continue
		}
		c.retryOrFail(b)
	}
}

// validatePrevious marks every batch awaiting validation before b as done.
// A batch is valid once a successor with blocks imported on top of it.
func (c *SyncChain) validatePrevious(b *Batch) {
	for _, prev := range c.sortedBatches() {
		if prev.StartSlot >= b.StartSlot {
			break
		}
		if prev.Status == BatchAwaitingValidation {
			c.validate(prev)
		}
	}
}

func (c *SyncChain) validate(b *Batch) {
	wrong, err := b.validated()
	if err != nil {
		c.logger.Error("validate batch", "err", err)
		return
	}
	for _, id := range wrong {
		c.logger.Info("peer served a different batch", "start_slot", b.StartSlot, "peer", id)
		c.faults = append(c.faults, PeerFault{Peer: id, Err: ErrDiscontinuous})
	}
	delete(c.batches, b.StartSlot)
	c.validatedBatches++
}

// Batch returns the batch starting at slot.
func (c *SyncChain) Batch(start types.Slot) (*Batch, bool) {
	b, ok := c.batches[start]
	return b, ok
}

// takeFaults returns and clears the recorded peer faults.
func (c *SyncChain) takeFaults() []PeerFault {
	faults := c.faults
	c.faults = nil
	return faults
}

func (c *SyncChain) sortedBatches() []*Batch {
	out := make([]*Batch, 0, len(c.batches))
	for _, b := range c.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartSlot < out[j].StartSlot })
	return out
}

// DebugState returns a summary of the chain.
func (c *SyncChain) DebugState() DebugState {
	counts := make(map[BatchStatus]int)
	for _, b := range c.batches {
		counts[b.Status]++
	}
	return DebugState{
		ID:               c.ID,
		Type:             c.Type,
		Status:           c.status,
		StartSlot:        c.StartSlot,
		TargetSlot:       c.TargetSlot,
		TargetRoot:       c.TargetRoot.Hex(),
		ProcessedSlot:    c.processingSlot,
		Peers:            len(c.peers),
		ValidatedBatches: c.validatedBatches,
		Batches:          counts,
	}
}
