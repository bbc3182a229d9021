// Package unknown resolves blocks and blobs that are referenced by root but
// not held locally.
//
// The Resolver is a sans-IO state machine. It never blocks and never talks
// to the network itself: its owner asks it for requests to send
// (NextRequests), reports their results back (OnFetchSuccess and
// OnFetchFailure), takes blocks ready for import (ReadyToProcess) and reports
// the import outcome (OnProcessed). It is not safe for concurrent use; a
// single goroutine owns it.
package unknown

import (
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mroth/weightedrand"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// ChainView tells whether a block is already imported.
type ChainView interface {
	HasBlock(root types.Root) bool
}

// PeerView exposes connection state and scores of peers.
type PeerView interface {
	IsConnected(id p2p.PeerID) bool
	Score(id p2p.PeerID) p2p.PeerScore
}

// maxBackoffShift caps the exponent of the retry backoff.
const maxBackoffShift = 10

// Resolver tracks pending blocks.
type Resolver struct {
	logger log.Logger
	cfg    *config.UnknownBlockConfig
	chain  ChainView
	peers  PeerView

	entries  map[types.Root]*PendingBlock
	knownBad *lru.Cache
	seq      uint64
	inflight int
}

// NewResolver returns an empty resolver.
func NewResolver(logger log.Logger, cfg *config.UnknownBlockConfig, chain ChainView, peers PeerView) *Resolver {
	knownBad, err := lru.New(cfg.KnownBadCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{
		logger:   logger,
		cfg:      cfg,
		chain:    chain,
		peers:    peers,
		entries:  make(map[types.Root]*PendingBlock),
		knownBad: knownBad,
	}
}

// Len returns the number of tracked entries.
func (r *Resolver) Len() int { return len(r.entries) }

// Inflight returns the number of fetch requests awaiting a result.
func (r *Resolver) Inflight() int { return r.inflight }

// Get returns a copy of the entry with the given root.
func (r *Resolver) Get(root types.RootHex) (PendingBlock, bool) {
	parsed, err := root.Root()
	if err != nil {
		return PendingBlock{}, false
	}
	pb, ok := r.entries[parsed]
	if !ok {
		return PendingBlock{}, false
	}
	return pb.copy(), true
}

// Snapshot returns copies of all entries in insertion order.
func (r *Resolver) Snapshot() []PendingBlock {
	out := make([]PendingBlock, 0, len(r.entries))
	for _, pb := range r.sortedEntries() {
		out = append(out, pb.copy())
	}
	return out
}

// CountByStatus returns the number of entries in each status.
func (r *Resolver) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, pb := range r.entries {
		counts[pb.Status]++
	}
	return counts
}

// IsKnownBad reports whether root was rejected by the import pipeline, or
// descends from a rejected block.
func (r *Resolver) IsKnownBad(root types.Root) bool {
	return r.knownBad.Contains(root)
}

// OnUnknownBlock records that peer referenced root. It returns false when
// the root is ignored: already imported, known bad, or the table is full.
func (r *Resolver) OnUnknownBlock(root types.Root, peer p2p.PeerID) bool {
	if r.IsKnownBad(root) || r.chain.HasBlock(root) {
		return false
	}
	pb, ok := r.getOrInsert(root)
	if !ok {
		return false
	}
	pb.addPeer(peer)
	return true
}

// OnUnknownBlockParent records a block whose parent is not imported and
// makes sure the parent is chased.
func (r *Resolver) OnUnknownBlockParent(block *types.SignedBeaconBlock, peer p2p.PeerID) bool {
	return r.onBlockInput(types.NewBlockInput(block), KindUnknownParent, peer)
}

// OnUnknownBlobs records a block whose blob sidecars are incomplete.
func (r *Resolver) OnUnknownBlobs(input *types.BlockInput, peer p2p.PeerID) bool {
	return r.onBlockInput(input, KindUnknownBlobs, peer)
}

func (r *Resolver) onBlockInput(input *types.BlockInput, kind Kind, peer p2p.PeerID) bool {
	root := input.Block.Root()
	parent := input.Block.ParentRoot()
	if r.IsKnownBad(parent) {
		r.knownBad.Add(root, struct{}{})
	}
	if r.IsKnownBad(root) || r.chain.HasBlock(root) {
		return false
	}

	pb, ok := r.getOrInsert(root)
	if !ok {
		return false
	}
	pb.addPeer(peer)
	if pb.Status == StatusProcessing {
		return true
	}
	// an in-flight fetch for this root is ignored from now on
	pb.Kind = kind
	pb.setInput(input)

	if !r.ensureParent(pb) {
		r.remove(root, false)
		return false
	}
	return true
}

// ensureParent inserts a placeholder for the parent of pb when the parent is
// neither imported nor tracked. It returns false if the table is full.
func (r *Resolver) ensureParent(pb *PendingBlock) bool {
	if !pb.HasParent || r.chain.HasBlock(pb.ParentRoot) {
		return true
	}
	parent, ok := r.getOrInsert(pb.ParentRoot)
	if !ok {
		return false
	}
	// making room may have evicted pb itself
	if _, ok := r.entries[pb.Root]; !ok {
		return false
	}
	for id := range pb.peers {
		parent.addPeer(id)
	}
	return true
}

// NextRequests moves pending entries to fetching, lowest attempt count first
// and then in insertion order, as long as fewer than the configured number
// of requests is in flight. Entries in backoff are skipped. An entry without
// a connected peer counts a failed attempt.
func (r *Resolver) NextRequests(now time.Time) []FetchRequest {
	budget := r.cfg.MaxConcurrentRequests - r.inflight
	if budget <= 0 {
		return nil
	}

	var candidates []*PendingBlock
	for _, pb := range r.entries {
		if pb.Status == StatusPending && !now.Before(pb.nextAttempt) {
			candidates = append(candidates, pb)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DownloadAttempts != candidates[j].DownloadAttempts {
			return candidates[i].DownloadAttempts < candidates[j].DownloadAttempts
		}
		return candidates[i].seq < candidates[j].seq
	})

	var reqs []FetchRequest
	for _, pb := range candidates {
		if len(reqs) >= budget {
			break
		}
		// an earlier removal may have taken this entry with it
		if _, ok := r.entries[pb.Root]; !ok {
			continue
		}

		peer, ok := r.pickPeer(pb)
		if !ok {
			r.logger.Debug("no connected peer for pending block", "root", pb.Root, "attempts", pb.DownloadAttempts+1)
			pb.DownloadAttempts++
			r.backoffOrAbandon(pb, now)
			continue
		}

		req := FetchRequest{Root: pb.Root, Peer: peer, Kind: FetchBlock}
		if pb.Input != nil {
			req.Kind = FetchBlobs
			req.Blobs = pb.Input.MissingBlobs()
		}

		pb.Status = StatusFetching
		pb.DownloadAttempts++
		pb.fetchPeer = peer
		pb.fetchKind = req.Kind
		r.inflight++
		reqs = append(reqs, req)
	}
	return reqs
}

// pickPeer draws a connected peer of pb, weighted by score.
func (r *Resolver) pickPeer(pb *PendingBlock) (p2p.PeerID, bool) {
	var choices []weightedrand.Choice
	for _, id := range pb.PeerIDs() {
		if !r.peers.IsConnected(id) {
			continue
		}
		weight := int(r.peers.Score(id)) - math.MinInt16 + 1
		choices = append(choices, weightedrand.NewChoice(id, uint(weight)))
	}
	switch len(choices) {
	case 0:
		return "", false
	case 1:
		return choices[0].Item.(p2p.PeerID), true
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return choices[0].Item.(p2p.PeerID), true
	}
	return chooser.Pick().(p2p.PeerID), true
}

// OnFetchSuccess stores the result of a fetch request. For block requests
// block must be the requested block, or nil when the peer did not have it;
// blobs are attached when present. For blob requests block is nil.
func (r *Resolver) OnFetchSuccess(
	root types.Root,
	peer p2p.PeerID,
	block *types.SignedBeaconBlock,
	blobs []*types.BlobSidecar,
	now time.Time,
) {
	r.requestDone()
	pb, ok := r.entries[root]
	if !ok || pb.Status != StatusFetching || pb.fetchPeer != peer {
		return
	}

	if pb.fetchKind == FetchBlock {
		if block == nil || block.Root() != root {
			r.fail(pb, now)
			return
		}
		pb.setInput(types.NewBlockInput(block))
		if !r.ensureParent(pb) {
			r.remove(root, false)
			return
		}
	}
	if rejected := pb.Input.AddBlobs(blobs); len(rejected) > 0 {
		r.logger.Debug("peer sent foreign blob sidecars", "root", root, "peer", peer, "count", len(rejected))
	}

	switch {
	case pb.Input.IsComplete():
		pb.Status = StatusDownloaded
		pb.fetchPeer = ""
	case pb.fetchKind == FetchBlock:
		// the block arrived without its blobs, fetch them next
		pb.Status = StatusPending
		pb.Kind = KindUnknownBlobs
		pb.fetchPeer = ""
	default:
		r.fail(pb, now)
	}
}

// OnFetchFailure records a failed fetch. The entry goes back to pending
// with its attempt count kept, or is abandoned once the count reaches the
// configured maximum.
func (r *Resolver) OnFetchFailure(root types.Root, peer p2p.PeerID, now time.Time) {
	r.requestDone()
	pb, ok := r.entries[root]
	if !ok || pb.Status != StatusFetching || pb.fetchPeer != peer {
		return
	}
	r.fail(pb, now)
}

func (r *Resolver) requestDone() {
	if r.inflight > 0 {
		r.inflight--
	}
}

func (r *Resolver) fail(pb *PendingBlock, now time.Time) {
	pb.Status = StatusPending
	pb.fetchPeer = ""
	r.backoffOrAbandon(pb, now)
}

func (r *Resolver) backoffOrAbandon(pb *PendingBlock, now time.Time) {
	if pb.DownloadAttempts >= r.cfg.MaxDownloadAttempts {
		r.logger.Debug("abandoning pending block", "root", pb.Root, "attempts", pb.DownloadAttempts)
		r.remove(pb.Root, false)
		return
	}
	shift := pb.DownloadAttempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	pb.nextAttempt = now.Add(r.cfg.RetryBackoff << uint(shift))
}

// ReadyToProcess moves downloaded entries whose parent is imported, or is
// itself part of the returned set, to processing. The result is in
// ascending slot order so that ancestors come before descendants.
func (r *Resolver) ReadyToProcess() []PendingBlock {
	var downloaded []*PendingBlock
	for _, pb := range r.entries {
		if pb.Status == StatusDownloaded && pb.HasParent {
			downloaded = append(downloaded, pb)
		}
	}
	sort.Slice(downloaded, func(i, j int) bool {
		if downloaded[i].Slot() != downloaded[j].Slot() {
			return downloaded[i].Slot() < downloaded[j].Slot()
		}
		return downloaded[i].seq < downloaded[j].seq
	})

	ready := make(map[types.Root]bool)
	for _, pb := range downloaded {
		if r.chain.HasBlock(pb.ParentRoot) || ready[pb.ParentRoot] {
			ready[pb.Root] = true
		}
	}

	out := make([]PendingBlock, 0, len(ready))
	for _, pb := range downloaded {
		if ready[pb.Root] {
			pb.Status = StatusProcessing
			out = append(out, pb.copy())
		}
	}
	return out
}

// OnProcessed applies the import outcome of an entry handed out by
// ReadyToProcess. It returns the peers that served a rejected block or one of
// its descendants.
func (r *Resolver) OnProcessed(root types.Root, outcome Outcome) []p2p.PeerID {
	pb, ok := r.entries[root]
	if !ok || pb.Status != StatusProcessing {
		return nil
	}

	switch outcome {
	case OutcomeAccepted:
		delete(r.entries, root)

	case OutcomeRejected:
		return r.remove(root, true)

	case OutcomeParentUnknown:
		pb.Status = StatusDownloaded
		if !r.ensureParent(pb) {
			r.remove(root, false)
		}

	case OutcomeError:
		pb.DownloadAttempts++
		pb.Status = StatusDownloaded
		if pb.DownloadAttempts >= r.cfg.MaxDownloadAttempts {
			r.remove(root, false)
		}
	}
	return nil
}

// OnPeerDisconnected forgets peer. Entries being fetched from it go back to
// pending and keep the attempt, or are abandoned once the count reaches the
// configured maximum.
func (r *Resolver) OnPeerDisconnected(peer p2p.PeerID) {
	for root, pb := range r.entries {
		delete(pb.peers, peer)
		if pb.Status != StatusFetching || pb.fetchPeer != peer {
			continue
		}
		pb.Status = StatusPending
		pb.fetchPeer = ""
		if pb.DownloadAttempts >= r.cfg.MaxDownloadAttempts {
			r.logger.Debug("abandoning pending block", "root", root, "attempts", pb.DownloadAttempts)
			r.remove(root, false)
		}
	}
}

// Prune drops entries that got imported by other means, such as range sync.
func (r *Resolver) Prune() {
	for root, pb := range r.entries {
		if pb.Status != StatusProcessing && r.chain.HasBlock(root) {
			delete(r.entries, root)
		}
	}
}

func (r *Resolver) getOrInsert(root types.Root) (*PendingBlock, bool) {
	if pb, ok := r.entries[root]; ok {
		return pb, true
	}
	if len(r.entries) >= r.cfg.MaxPendingBlocks && !r.evict() {
		r.logger.Debug("pending block table full, dropping root", "root", root)
		return nil, false
	}
	r.seq++
	pb := &PendingBlock{
		Root:   root,
		Kind:   KindUnknownBlock,
		Status: StatusPending,
		peers:  make(map[p2p.PeerID]struct{}),
		seq:    r.seq,
	}
	r.entries[root] = pb
	return pb, true
}

// evict removes the oldest entry that is not being fetched or processed,
// together with its descendants.
func (r *Resolver) evict() bool {
	var victim *PendingBlock
	for _, pb := range r.entries {
		if pb.Status == StatusFetching || pb.Status == StatusProcessing {
			continue
		}
		if victim == nil || pb.seq < victim.seq {
			victim = pb
		}
	}
	if victim == nil {
		return false
	}
	r.logger.Debug("evicting pending block", "root", victim.Root, "status", victim.Status)
	r.remove(victim.Root, false)
	return true
}

// remove deletes root and every entry descending from it. When bad is set
// the removed roots are remembered as known bad and the peers that served
// them are returned.
func (r *Resolver) remove(root types.Root, bad bool) []p2p.PeerID {
	queue := []types.Root{root}
	peers := make(map[p2p.PeerID]struct{})
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		pb, ok := r.entries[next]
		if !ok {
			continue
		}
		delete(r.entries, next)
		if bad {
			r.knownBad.Add(next, struct{}{})
			for id := range pb.peers {
				peers[id] = struct{}{}
			}
		}
		for _, child := range r.entries {
			if child.HasParent && child.ParentRoot == next {
				queue = append(queue, child.Root)
			}
		}
	}

	if !bad {
		return nil
	}
	out := make([]p2p.PeerID, 0, len(peers))
	for id := range peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Resolver) sortedEntries() []*PendingBlock {
	all := make([]*PendingBlock, 0, len(r.entries))
	for _, pb := range r.entries {
		all = append(all, pb)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

func (pb *PendingBlock) addPeer(id p2p.PeerID) {
	if id != "" {
		pb.peers[id] = struct{}{}
	}
}

// setInput stores a downloaded block. The entry is downloaded when its blobs
// are complete and pending otherwise.
func (pb *PendingBlock) setInput(input *types.BlockInput) {
	pb.Input = input
	pb.ParentRoot = input.Block.ParentRoot()
	pb.HasParent = true
	pb.fetchPeer = ""
	if input.IsComplete() {
		pb.Status = StatusDownloaded
	} else {
		pb.Status = StatusPending
	}
}
