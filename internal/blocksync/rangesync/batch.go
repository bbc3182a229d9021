package rangesync

import (
	"errors"
	"fmt"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/types"
)

// BatchStatus is the state of a batch.
type BatchStatus int

const (
	BatchAwaitingDownload BatchStatus = iota
	BatchDownloading
	BatchAwaitingProcessing
	BatchProcessing
	BatchAwaitingValidation
	BatchDone
	BatchError
)

var batchStatusNames = [...]string{
	BatchAwaitingDownload:   "AwaitingDownload",
	BatchDownloading:        "Downloading",
	BatchAwaitingProcessing: "AwaitingProcessing",
	BatchProcessing:         "Processing",
	BatchAwaitingValidation: "AwaitingValidation",
	BatchDone:               "Done",
	BatchError:              "Error",
}

func (s BatchStatus) String() string {
	if s < 0 || int(s) >= len(batchStatusNames) {
		return fmt.Sprintf("BatchStatus(%d)", int(s))
	}
	return batchStatusNames[s]
}

var (
	errWrongBatchStatus = errors.New("batch in wrong status")
	errBlockOutOfRange  = errors.New("block outside of requested range")
	errBlocksNotOrdered = errors.New("blocks not in ascending slot order")
	errBlocksUnlinked   = errors.New("block does not link to its predecessor")
	// ErrDiscontinuous is recorded against a peer that served a batch which
	// differs from the one the chain finally imported and validated.
	ErrDiscontinuous = errors.New("batch does not extend the chain")
)

// Batch is a contiguous slot window downloaded from a single peer.
type Batch struct {
	StartSlot types.Slot
	Count     uint64
	Status    BatchStatus

	// Peer that is serving or last served the batch.
	Peer               p2p.PeerID
	Blocks             []*types.BlockInput
	DownloadAttempts   int
	ProcessingAttempts int

	requestID   uint64
	failedPeers map[p2p.PeerID]struct{}

	// chain tip when processing started, restored when b is downloaded again
	startRoot    types.Root
	hasStartRoot bool
	attempts     []batchAttempt
}

// batchAttempt is what a peer served for a batch.
type batchAttempt struct {
	peer    p2p.PeerID
	root    types.Root
	hasRoot bool
}

func newBatch(start types.Slot, count uint64) *Batch {
	return &Batch{
		StartSlot:   start,
		Count:       count,
		Status:      BatchAwaitingDownload,
		failedPeers: make(map[p2p.PeerID]struct{}),
	}
}

// EndSlot returns the first slot after the batch.
func (b *Batch) EndSlot() types.Slot { return b.StartSlot + types.Slot(b.Count) }

// Request returns the by-range request that downloads b.
func (b *Batch) Request() *types.BeaconBlocksByRangeRequest {
	return &types.BeaconBlocksByRangeRequest{StartSlot: b.StartSlot, Count: b.Count, Step: 1}
}

// HasFailed reports whether id already failed to serve b.
func (b *Batch) HasFailed(id p2p.PeerID) bool {
	_, ok := b.failedPeers[id]
	return ok
}

// LastRoot returns the root of the last block of b, if any.
func (b *Batch) LastRoot() (types.Root, bool) {
	if len(b.Blocks) == 0 {
		return types.Root{}, false
	}
	return b.Blocks[len(b.Blocks)-1].Block.Root(), true
}

func (b *Batch) expect(s BatchStatus) error {
	if b.Status != s {
		return fmt.Errorf("%w: batch %d is %v, expected %v", errWrongBatchStatus, b.StartSlot, b.Status, s)
	}
	return nil
}

func (b *Batch) startDownloading(peer p2p.PeerID, requestID uint64) error {
	if err := b.expect(BatchAwaitingDownload); err != nil {
		return err
	}
	b.Status = BatchDownloading
	b.Peer = peer
	b.requestID = requestID
	b.DownloadAttempts++
	return nil
}

// downloadSuccess stores blocks after checking that they fall in the window,
// are ascending and link to each other.
func (b *Batch) downloadSuccess(blocks []*types.BlockInput) error {
	if err := b.expect(BatchDownloading); err != nil {
		return err
	}
	if err := b.checkBlocks(blocks); err != nil {
		return err
	}
	b.Blocks = blocks
	b.Status = BatchAwaitingProcessing
	root, ok := b.LastRoot()
	b.attempts = append(b.attempts, batchAttempt{peer: b.Peer, root: root, hasRoot: ok})
	return nil
}

func (b *Batch) checkBlocks(blocks []*types.BlockInput) error {
	var prev *types.SignedBeaconBlock
	for _, in := range blocks {
		blk := in.Block
		if blk.Slot() < b.StartSlot || blk.Slot() >= b.EndSlot() {
			return fmt.Errorf("%w: slot %d", errBlockOutOfRange, blk.Slot())
		}
		if prev != nil {
			if blk.Slot() <= prev.Slot() {
				return fmt.Errorf("%w: slot %d after %d", errBlocksNotOrdered, blk.Slot(), prev.Slot())
			}
			if blk.ParentRoot() != prev.Root() {
				return fmt.Errorf("%w: slot %d", errBlocksUnlinked, blk.Slot())
			}
		}
		prev = blk
	}
	return nil
}

// downloadFailed moves b to Error and remembers the peer.
func (b *Batch) downloadFailed() error {
	if err := b.expect(BatchDownloading); err != nil {
		return err
	}
	b.failedPeers[b.Peer] = struct{}{}
	b.Status = BatchError
	return nil
}

// cancelDownload returns b to AwaitingDownload without counting the attempt.
func (b *Batch) cancelDownload() error {
	if err := b.expect(BatchDownloading); err != nil {
		return err
	}
	b.DownloadAttempts--
	b.Status = BatchAwaitingDownload
	return nil
}

func (b *Batch) startProcessing(tip types.Root, hasTip bool) error {
	if err := b.expect(BatchAwaitingProcessing); err != nil {
		return err
	}
	b.startRoot, b.hasStartRoot = tip, hasTip
	b.Status = BatchProcessing
	return nil
}

// rejectDownloaded fails a downloaded batch that turned out not to extend the
// chain. It counts as a failed download of its peer.
func (b *Batch) rejectDownloaded() error {
	if err := b.expect(BatchAwaitingProcessing); err != nil {
		return err
	}
	b.failedPeers[b.Peer] = struct{}{}
	b.Blocks = nil
	b.Status = BatchError
	return nil
}

func (b *Batch) processingSuccess() error {
	if err := b.expect(BatchProcessing); err != nil {
		return err
	}
	b.Status = BatchAwaitingValidation
	return nil
}

func (b *Batch) processingFailed() error {
	if err := b.expect(BatchProcessing); err != nil {
		return err
	}
	b.failedPeers[b.Peer] = struct{}{}
	b.ProcessingAttempts++
	b.Blocks = nil
	b.Status = BatchError
	return nil
}

// validationFailed sends a processed batch back to be downloaded again after
// a later batch showed that it did not lead to the chain being synced.
func (b *Batch) validationFailed() error {
	if err := b.expect(BatchAwaitingValidation); err != nil {
		return err
	}
	b.failedPeers[b.Peer] = struct{}{}
	b.ProcessingAttempts++
	b.Blocks = nil
	b.Status = BatchError
	return nil
}

// validated marks b done and returns the peers that served something other
// than the validated download.
func (b *Batch) validated() ([]p2p.PeerID, error) {
	if err := b.expect(BatchAwaitingValidation); err != nil {
		return nil, err
	}
	b.Blocks = nil
	b.Status = BatchDone

	if len(b.attempts) == 0 {
		return nil, nil
	}
	var wrong []p2p.PeerID
	final := b.attempts[len(b.attempts)-1]
	seen := map[p2p.PeerID]bool{final.peer: true}
	for _, a := range b.attempts[:len(b.attempts)-1] {
		if seen[a.peer] || (a.hasRoot == final.hasRoot && a.root == final.root) {
			continue
		}
		seen[a.peer] = true
		wrong = append(wrong, a.peer)
	}
	return wrong, nil
}

// retry moves an errored batch back to AwaitingDownload.
func (b *Batch) retry() error {
	if err := b.expect(BatchError); err != nil {
		return err
	}
	b.Status = BatchAwaitingDownload
	return nil
}
