// Package rangesync downloads long slot ranges from peers that are ahead of
// the local chain.
//
// RangeSync keeps at most one finalized chain and up to MaxHeadChains head
// chains. Like the unknown block resolver it is sans-IO and owned by a
// single goroutine: the owner drains NextRequests and NextProcessable,
// performs the I/O, and feeds results back.
package rangesync

import (
	"sort"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// SyncType is the kind of sync a peer status calls for.
type SyncType int

const (
	SyncNone SyncType = iota
	SyncFinalized
	SyncHead
)

func (t SyncType) String() string {
	switch t {
	case SyncFinalized:
		return "finalized"
	case SyncHead:
		return "head"
	default:
		return "none"
	}
}

// ChainView tells whether a block is already imported.
type ChainView interface {
	HasBlock(root types.Root) bool
}

// RemovedChain describes a chain that stopped, with the peers it released.
type RemovedChain struct {
	State DebugState
	Peers []p2p.PeerID
}

// RangeSync manages the sync chains.
type RangeSync struct {
	logger log.Logger
	cfg    *config.SyncConfig
	chain  ChainView

	chains      map[uint64]*SyncChain
	peerChain   map[p2p.PeerID]uint64
	nextChainID uint64

	faults  []PeerFault
	removed []RemovedChain
}

// New returns a RangeSync with no chains.
func New(logger log.Logger, cfg *config.SyncConfig, chain ChainView) *RangeSync {
	return &RangeSync{
		logger:    logger,
		cfg:       cfg,
		chain:     chain,
		chains:    make(map[uint64]*SyncChain),
		peerChain: make(map[p2p.PeerID]uint64),
	}
}

// GetSyncType decides how to sync with a peer given both statuses.
func (rs *RangeSync) GetSyncType(local, remote *types.Status) SyncType {
	if remote.FinalizedEpoch > local.FinalizedEpoch && !rs.chain.HasBlock(remote.FinalizedRoot) {
		return SyncFinalized
	}
	if remote.HeadSlot > local.HeadSlot && !rs.chain.HasBlock(remote.HeadRoot) {
		return SyncHead
	}
	return SyncNone
}

// AddPeer assigns a peer to the chain its status calls for, creating or
// extending chains as needed. A peer that is not ahead leaves its chain.
func (rs *RangeSync) AddPeer(id p2p.PeerID, remote, local *types.Status) SyncType {
	typ := rs.GetSyncType(local, remote)
	start := local.FinalizedEpoch.StartSlot() + 1

	var c *SyncChain
	switch typ {
	case SyncFinalized:
		target := remote.FinalizedEpoch.StartSlot()
		c = rs.finalizedChain()
		if c == nil {
			c = rs.newChain(FinalizedChain, start, target, remote.FinalizedRoot)
		} else {
			c.UpdateTarget(target, remote.FinalizedRoot)
		}

	case SyncHead:
		c = rs.headChainFor(remote.HeadSlot)
		if c == nil && len(rs.headChains()) < rs.cfg.MaxHeadChains {
			c = rs.newChain(HeadChain, start, remote.HeadSlot, remote.HeadRoot)
		}
		if c == nil {
			c = rs.closestHeadChain(remote.HeadSlot)
		}
		if c != nil {
			c.UpdateTarget(remote.HeadSlot, remote.HeadRoot)
		}
	}

	if cur, ok := rs.peerChain[id]; ok && (c == nil || cur != c.ID) {
		rs.detach(id)
	}
	if c == nil {
		return typ
	}
	c.AddPeer(id)
	rs.peerChain[id] = c.ID
	if typ == SyncHead {
		rs.mergeHeadChains()
	}
	return typ
}

// RemovePeer removes a peer from its chain. A chain left without peers is
// abandoned and removed.
func (rs *RangeSync) RemovePeer(id p2p.PeerID) {
	rs.detach(id)
}

func (rs *RangeSync) detach(id p2p.PeerID) {
	cid, ok := rs.peerChain[id]
	if !ok {
		return
	}
	delete(rs.peerChain, id)
	c, ok := rs.chains[cid]
	if !ok {
		return
	}
	if c.RemovePeer(id) {
		rs.removeChain(c)
	}
}

func (rs *RangeSync) newChain(typ ChainType, start, targetSlot types.Slot, targetRoot types.Root) *SyncChain {
	rs.nextChainID++
	c := NewSyncChain(rs.nextChainID, typ, start, targetSlot, targetRoot, rs.cfg, rs.logger)
	rs.chains[c.ID] = c
	rs.logger.Info("new sync chain", "chain", c.ID, "type", typ, "start_slot", start, "target_slot", targetSlot)
	return c
}

func (rs *RangeSync) removeChain(c *SyncChain) {
	delete(rs.chains, c.ID)
	var peers []p2p.PeerID
	for _, id := range c.Peers() {
		if rs.peerChain[id] == c.ID {
			delete(rs.peerChain, id)
			peers = append(peers, id)
		}
	}
	rs.faults = append(rs.faults, c.takeFaults()...)
	rs.removed = append(rs.removed, RemovedChain{State: c.DebugState(), Peers: peers})
	rs.logger.Info("removed sync chain", "chain", c.ID, "type", c.Type, "status", c.Status(), "peers", len(peers))
}

func (rs *RangeSync) finalizedChain() *SyncChain {
	for _, c := range rs.sortedChains() {
		if c.Type == FinalizedChain {
			return c
		}
	}
	return nil
}

func (rs *RangeSync) headChains() []*SyncChain {
	var out []*SyncChain
	for _, c := range rs.sortedChains() {
		if c.Type == HeadChain {
			out = append(out, c)
		}
	}
	return out
}

// headChainFor returns a head chain whose target is within one batch of
// slot.
func (rs *RangeSync) headChainFor(slot types.Slot) *SyncChain {
	for _, c := range rs.headChains() {
		if slotDistance(c.TargetSlot, slot) <= rs.cfg.BatchSlots {
			return c
		}
	}
	return nil
}

func (rs *RangeSync) closestHeadChain(slot types.Slot) *SyncChain {
	var best *SyncChain
	for _, c := range rs.headChains() {
		if best == nil || slotDistance(c.TargetSlot, slot) < slotDistance(best.TargetSlot, slot) {
			best = c
		}
	}
	return best
}

// mergeHeadChains folds head chains whose targets came within one batch of
// each other into the older chain.
func (rs *RangeSync) mergeHeadChains() {
	heads := rs.headChains()
	for i := 0; i < len(heads); i++ {
		for j := i + 1; j < len(heads); j++ {
			a, b := heads[i], heads[j]
			if _, ok := rs.chains[b.ID]; !ok {
				continue
			}
			if slotDistance(a.TargetSlot, b.TargetSlot) > rs.cfg.BatchSlots {
				continue
			}
			a.UpdateTarget(b.TargetSlot, b.TargetRoot)
			for _, id := range b.Peers() {
				a.AddPeer(id)
				rs.peerChain[id] = a.ID
			}
			rs.logger.Info("merged head chains", "into", a.ID, "from", b.ID)
			b.status = ChainMerged
			rs.removeChain(b)
		}
	}
}

// NextRequests collects the downloads of all active chains. Head chains wait
// while a finalized chain exists.
func (rs *RangeSync) NextRequests() []BatchRequest {
	var reqs []BatchRequest
	for _, c := range rs.activeChains() {
		reqs = append(reqs, c.NextRequests()...)
	}
	return reqs
}

func (rs *RangeSync) activeChains() []*SyncChain {
	if c := rs.finalizedChain(); c != nil {
		return []*SyncChain{c}
	}
	return rs.headChains()
}

// OnBatchDownloaded routes a download result to its chain.
func (rs *RangeSync) OnBatchDownloaded(req BatchRequest, blocks []*types.BlockInput) {
	if c, ok := rs.chains[req.Chain]; ok {
		c.OnBatchDownloaded(req, blocks)
		rs.reap(c)
	}
}

// OnBatchDownloadFailed routes a failed download to its chain.
func (rs *RangeSync) OnBatchDownloadFailed(req BatchRequest, err error) {
	if c, ok := rs.chains[req.Chain]; ok {
		c.OnBatchDownloadFailed(req, err)
		rs.reap(c)
	}
}

// NextProcessable returns at most one batch per active chain.
func (rs *RangeSync) NextProcessable() []*ProcessTask {
	var tasks []*ProcessTask
	for _, c := range rs.activeChains() {
		if t := c.NextProcessable(); t != nil {
			tasks = append(tasks, t)
		}
		rs.reap(c)
	}
	return tasks
}

// OnBatchProcessed routes an import result to its chain.
func (rs *RangeSync) OnBatchProcessed(task *ProcessTask, outcome ProcessOutcome) {
	if c, ok := rs.chains[task.Chain]; ok {
		c.OnBatchProcessed(task.StartSlot, outcome)
		rs.reap(c)
	}
}

// Prune removes chains whose target the local chain already holds.
func (rs *RangeSync) Prune() {
	for _, c := range rs.sortedChains() {
		if c.IsSyncing() && rs.chain.HasBlock(c.TargetRoot) {
			c.status = ChainDone
			rs.removeChain(c)
		}
	}
}

func (rs *RangeSync) reap(c *SyncChain) {
	rs.faults = append(rs.faults, c.takeFaults()...)
	if !c.IsSyncing() {
		if _, ok := rs.chains[c.ID]; ok {
			rs.removeChain(c)
		}
	}
}

// TakeFaults returns and clears the peer faults observed since the last call.
func (rs *RangeSync) TakeFaults() []PeerFault {
	faults := rs.faults
	rs.faults = nil
	return faults
}

// TakeRemoved returns and clears the chains removed since the last call.
func (rs *RangeSync) TakeRemoved() []RemovedChain {
	removed := rs.removed
	rs.removed = nil
	return removed
}

// IsSyncing reports whether any chain exists.
func (rs *RangeSync) IsSyncing() bool { return len(rs.chains) > 0 }

// HasFinalizedChain reports whether a finalized chain exists.
func (rs *RangeSync) HasFinalizedChain() bool { return rs.finalizedChain() != nil }

// Chain returns the chain with the given id.
func (rs *RangeSync) Chain(id uint64) (*SyncChain, bool) {
	c, ok := rs.chains[id]
	return c, ok
}

// ChainOf returns the chain a peer is assigned to.
func (rs *RangeSync) ChainOf(id p2p.PeerID) (*SyncChain, bool) {
	cid, ok := rs.peerChain[id]
	if !ok {
		return nil, false
	}
	return rs.Chain(cid)
}

// DebugState returns the state of every chain ordered by id.
func (rs *RangeSync) DebugState() []DebugState {
	chains := rs.sortedChains()
	out := make([]DebugState, len(chains))
	for i, c := range chains {
		out[i] = c.DebugState()
	}
	return out
}

func (rs *RangeSync) sortedChains() []*SyncChain {
	out := make([]*SyncChain, 0, len(rs.chains))
	for _, c := range rs.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func slotDistance(a, b types.Slot) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
