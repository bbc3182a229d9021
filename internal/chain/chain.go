// Package chain is a minimal block import pipeline backed by the block store.
//
// It links blocks to their parents and tracks the head and a finalized
// checkpoint, but runs no state transition and verifies no signatures. The
// finalized checkpoint trails the head by FinalityLag epochs.
package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/dannbbb1/lodestar/internal/store"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// FinalityLag is the number of epochs the finalized checkpoint trails the
// head epoch.
const FinalityLag = 2

// Chain imports blocks into a BlockStore.
type Chain struct {
	logger      log.Logger
	store       *store.BlockStore
	digest      types.ForkDigest
	genesisRoot types.Root

	mtx       sync.RWMutex
	headSlot  types.Slot
	headRoot  types.Root
	finalized types.Checkpoint
}

// New loads the head and finalized checkpoint from bs. An empty store starts
// at genesis.
func New(logger log.Logger, bs *store.BlockStore, digest types.ForkDigest, genesisRoot types.Root) (*Chain, error) {
	c := &Chain{
		logger:      logger,
		store:       bs,
		digest:      digest,
		genesisRoot: genesisRoot,
		headRoot:    genesisRoot,
		finalized:   types.Checkpoint{Root: genesisRoot},
	}

	slot, root, ok, err := bs.Head()
	if err != nil {
		return nil, fmt.Errorf("load head: %w", err)
	}
	if ok {
		c.headSlot, c.headRoot = slot, root
	}
	cp, err := bs.LoadFinalized()
	if err != nil {
		return nil, fmt.Errorf("load finalized checkpoint: %w", err)
	}
	if !cp.Root.IsZero() {
		c.finalized = cp
	}
	return c, nil
}

// HasBlock reports whether root is imported.
func (c *Chain) HasBlock(root types.Root) bool {
	if root == c.genesisRoot {
		return true
	}
	ok, err := c.store.HasBlock(root)
	if err != nil {
		c.logger.Error("failed to look up block", "root", root, "err", err)
		return false
	}
	return ok
}

// ValidateAndImport links input to its parent and stores it.
func (c *Chain) ValidateAndImport(ctx context.Context, input *types.BlockInput) (types.ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ImportResult{}, err
	}
	block := input.Block
	root := block.Root()
	if c.HasBlock(root) {
		return types.ImportResult{Outcome: types.ImportAccepted}, nil
	}
	if !input.IsComplete() {
		return rejected("%d blobs missing", len(input.MissingBlobs())), nil
	}

	parentSlot, ok, err := c.slotOf(block.ParentRoot())
	if err != nil {
		return types.ImportResult{}, err
	}
	if !ok {
		return types.ImportResult{Outcome: types.ImportParentUnknown}, nil
	}
	if block.Slot() <= parentSlot {
		return rejected("slot %d not after parent slot %d", block.Slot(), parentSlot), nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if block.Slot() <= c.finalized.Epoch.StartSlot() && c.finalized.Epoch > 0 {
		return rejected("slot %d before finalized epoch %d", block.Slot(), c.finalized.Epoch), nil
	}
	if err := c.store.SaveBlock(input); err != nil {
		return types.ImportResult{}, fmt.Errorf("save block: %w", err)
	}
	if block.Slot() > c.headSlot {
		c.headSlot, c.headRoot = block.Slot(), root
		if err := c.updateFinalized(); err != nil {
			return types.ImportResult{}, err
		}
	}
	c.logger.Debug("imported block", "slot", block.Slot(), "root", root)
	return types.ImportResult{Outcome: types.ImportAccepted}, nil
}

func rejected(format string, args ...interface{}) types.ImportResult {
	return types.ImportResult{Outcome: types.ImportRejected, Reason: fmt.Sprintf(format, args...)}
}

func (c *Chain) slotOf(root types.Root) (types.Slot, bool, error) {
	if root == c.genesisRoot {
		return 0, true, nil
	}
	block, err := c.store.LoadBlock(root)
	if err != nil || block == nil {
		return 0, false, err
	}
	return block.Slot(), true, nil
}

// updateFinalized moves the finalized checkpoint to the last block at or
// before the start of head epoch minus FinalityLag. Callers hold mtx.
func (c *Chain) updateFinalized() error {
	headEpoch := types.EpochAtSlot(c.headSlot)
	if headEpoch < FinalityLag {
		return nil
	}
	epoch := headEpoch - FinalityLag
	if epoch <= c.finalized.Epoch {
		return nil
	}

	cp := types.Checkpoint{Epoch: epoch, Root: c.genesisRoot}
	for slot := epoch.StartSlot(); slot > 0; slot-- {
		block, err := c.store.LoadBlockBySlot(slot)
		if err != nil {
			return fmt.Errorf("load block at slot %d: %w", slot, err)
		}
		if block != nil {
			cp.Root = block.Root()
			break
		}
	}
	if err := c.store.SaveFinalized(cp); err != nil {
		return fmt.Errorf("save finalized checkpoint: %w", err)
	}
	c.finalized = cp
	c.logger.Info("finalized checkpoint", "epoch", cp.Epoch, "root", cp.Root)
	return nil
}

// LocalStatus returns the status this node advertises.
func (c *Chain) LocalStatus() (*types.Status, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return &types.Status{
		ForkDigest:     c.digest,
		FinalizedRoot:  c.finalized.Root,
		FinalizedEpoch: c.finalized.Epoch,
		HeadRoot:       c.headRoot,
		HeadSlot:       c.headSlot,
	}, nil
}

// Head returns the head slot and root.
func (c *Chain) Head() (types.Slot, types.Root) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.headSlot, c.headRoot
}
