package store

import (
	"errors"
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/dannbbb1/lodestar/types"
)

/*
BlockStore is a simple low level store for beacon blocks and blob sidecars.

There are four types of information stored:
  - Block:      SSZ encoded signed blocks keyed by root
  - Slot index: the canonical block root for each slot
  - Blob:       SSZ encoded blob sidecars keyed by (root, index)
  - Finalized:  the latest finalized checkpoint

Only one block per slot is indexed. Saving a block at an already indexed slot
replaces the index entry, which is how the store follows a reorg.

// NOTE: BlockStore methods return an error if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db}
}

// Base returns the lowest indexed slot, or false for empty block stores.
func (bs *BlockStore) Base() (types.Slot, bool, error) {
	iter, err := bs.db.Iterator(slotKey(0), slotKey(maxSlot))
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	if iter.Valid() {
		slot, err := decodeSlotKey(iter.Key())
		return slot, err == nil, err
	}
	return 0, false, iter.Error()
}

// Head returns the highest indexed slot and its root, or false for empty
// block stores.
func (bs *BlockStore) Head() (types.Slot, types.Root, bool, error) {
	iter, err := bs.db.ReverseIterator(slotKey(0), slotKey(maxSlot))
	if err != nil {
		return 0, types.ZeroRoot, false, err
	}
	defer iter.Close()

	if iter.Valid() {
		slot, err := decodeSlotKey(iter.Key())
		if err != nil {
			return 0, types.ZeroRoot, false, err
		}
		var root types.Root
		copy(root[:], iter.Value())
		return slot, root, true, nil
	}
	return 0, types.ZeroRoot, false, iter.Error()
}

// HasBlock reports whether a block with the given root is stored.
func (bs *BlockStore) HasBlock(root types.Root) (bool, error) {
	return bs.db.Has(blockKey(root))
}

// LoadBlock returns the block with the given root.
// If no block is found for that root, it returns nil.
func (bs *BlockStore) LoadBlock(root types.Root) (*types.SignedBeaconBlock, error) {
	bz, err := bs.db.Get(blockKey(root))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}

	block := new(types.SignedBeaconBlock)
	if err := block.UnmarshalSSZ(bz); err != nil {
		return nil, fmt.Errorf("unmarshal block %s: %w", root, err)
	}
	return block, nil
}

// LoadBlockBySlot returns the canonical block at slot, or nil if the slot is
// empty.
func (bs *BlockStore) LoadBlockBySlot(slot types.Slot) (*types.SignedBeaconBlock, error) {
	bz, err := bs.db.Get(slotKey(slot))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	var root types.Root
	copy(root[:], bz)
	return bs.LoadBlock(root)
}

// IterateBlocks calls fn for every canonical block in [start, start+count*step)
// whose slot is a multiple of step away from start, in ascending slot order.
// Iteration stops early when fn returns false or an error.
func (bs *BlockStore) IterateBlocks(
	start types.Slot,
	count, step uint64,
	fn func(*types.SignedBeaconBlock) (bool, error),
) error {
	if count == 0 {
		return nil
	}
	if step == 0 {
		step = 1
	}
	end := start + types.Slot(count*step)

	iter, err := bs.db.Iterator(slotKey(start), slotKey(end))
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		slot, err := decodeSlotKey(iter.Key())
		if err != nil {
			return err
		}
		if uint64(slot-start)%step != 0 {
			continue
		}

		var root types.Root
		copy(root[:], iter.Value())
		block, err := bs.LoadBlock(root)
		if err != nil {
			return err
		}
		if block == nil {
			return fmt.Errorf("slot %d indexes missing block %s", slot, root)
		}
		more, err := fn(block)
		if err != nil || !more {
			return err
		}
	}
	return iter.Error()
}

// LoadBlobs returns the stored blob sidecars of a block in index order.
func (bs *BlockStore) LoadBlobs(root types.Root) ([]*types.BlobSidecar, error) {
	iter, err := bs.db.Iterator(blobKey(root, 0), blobKey(root, types.MaxBlobsPerBlock))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var sidecars []*types.BlobSidecar
	for ; iter.Valid(); iter.Next() {
		sc := new(types.BlobSidecar)
		if err := sc.UnmarshalSSZ(iter.Value()); err != nil {
			return nil, fmt.Errorf("unmarshal blob sidecar %s: %w", root, err)
		}
		sidecars = append(sidecars, sc)
	}
	return sidecars, iter.Error()
}

// LoadBlob returns a single blob sidecar, or nil if it is not stored.
func (bs *BlockStore) LoadBlob(id types.BlobIdentifier) (*types.BlobSidecar, error) {
	bz, err := bs.db.Get(blobKey(id.BlockRoot, id.Index))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	sc := new(types.BlobSidecar)
	if err := sc.UnmarshalSSZ(bz); err != nil {
		return nil, fmt.Errorf("unmarshal blob sidecar %s/%d: %w", id.BlockRoot, id.Index, err)
	}
	return sc, nil
}

// SaveBlock persists a block and its blobs and indexes it at its slot.
func (bs *BlockStore) SaveBlock(input *types.BlockInput) error {
	if input == nil || input.Block == nil || input.Block.Message == nil {
		return errors.New("BlockStore can only save a non-nil block")
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	bz, err := input.Block.MarshalSSZ()
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	root := input.Block.Root()
	if err := batch.Set(blockKey(root), bz); err != nil {
		return err
	}
	if err := batch.Set(slotKey(input.Block.Slot()), root[:]); err != nil {
		return err
	}
	for _, sc := range input.Blobs {
		bz, err := sc.MarshalSSZ()
		if err != nil {
			return fmt.Errorf("marshal blob sidecar: %w", err)
		}
		if err := batch.Set(blobKey(sc.BlockRoot, sc.Index), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// SaveFinalized records the latest finalized checkpoint.
func (bs *BlockStore) SaveFinalized(cp types.Checkpoint) error {
	bz, err := cp.MarshalSSZ()
	if err != nil {
		return err
	}
	return bs.db.SetSync(finalizedKey(), bz)
}

// LoadFinalized returns the latest finalized checkpoint, or the zero
// checkpoint if none was saved.
func (bs *BlockStore) LoadFinalized() (types.Checkpoint, error) {
	var cp types.Checkpoint
	bz, err := bs.db.Get(finalizedKey())
	if err != nil || len(bz) == 0 {
		return cp, err
	}
	err = cp.UnmarshalSSZ(bz)
	return cp, err
}

// Close closes the underlying db.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixBlock     = int64(0)
	prefixSlotIndex = int64(1)
	prefixBlob      = int64(2)
	prefixFinalized = int64(3)
)

// slots are encoded as int64 by orderedcode.
const maxSlot = types.Slot(1<<63 - 1)

func blockKey(root types.Root) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(root[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func slotKey(slot types.Slot) []byte {
	key, err := orderedcode.Append(nil, prefixSlotIndex, int64(slot))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeSlotKey(key []byte) (types.Slot, error) {
	var (
		prefix int64
		slot   int64
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &slot)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixSlotIndex {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixSlotIndex, prefix)
	}
	return types.Slot(slot), nil
}

func blobKey(root types.Root, index uint64) []byte {
	key, err := orderedcode.Append(nil, prefixBlob, string(root[:]), int64(index))
	if err != nil {
		panic(err)
	}
	return key
}

func finalizedKey() []byte {
	key, err := orderedcode.Append(nil, prefixFinalized)
	if err != nil {
		panic(err)
	}
	return key
}
