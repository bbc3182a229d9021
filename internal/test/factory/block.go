package factory

import (
	"encoding/binary"

	"github.com/dannbbb1/lodestar/types"
)

// MakeBlock returns a block at slot whose parent is parent. The proposer index
// and body are derived from salt so that sibling blocks at the same slot have
// distinct roots.
func MakeBlock(slot types.Slot, parent types.Root, salt uint64) *types.SignedBeaconBlock {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body, uint64(slot))
	binary.LittleEndian.PutUint64(body[8:], salt)
	return &types.SignedBeaconBlock{
		Message: &types.BeaconBlock{
			Slot:          slot,
			ProposerIndex: salt,
			ParentRoot:    parent,
			Body:          body,
		},
	}
}

// MakeChain returns n linked blocks at consecutive slots starting at
// startSlot, the first of which points at parent.
func MakeChain(parent types.Root, startSlot types.Slot, n int) []*types.SignedBeaconBlock {
	return MakeChainWithSalt(parent, startSlot, n, 0)
}

// MakeChainWithSalt is MakeChain with a salt to produce a competing fork.
func MakeChainWithSalt(parent types.Root, startSlot types.Slot, n int, salt uint64) []*types.SignedBeaconBlock {
	blocks := make([]*types.SignedBeaconBlock, n)
	for i := 0; i < n; i++ {
		blocks[i] = MakeBlock(startSlot+types.Slot(i), parent, salt)
		parent = blocks[i].Root()
	}
	return blocks
}

// MakeBlockWithBlobs returns a block committing to numBlobs blobs and the
// matching sidecars.
func MakeBlockWithBlobs(slot types.Slot, parent types.Root, numBlobs int) (*types.SignedBeaconBlock, []*types.BlobSidecar) {
	block := MakeBlock(slot, parent, 0)
	block.Message.BlobKzgCommitments = make([]types.KzgCommitment, numBlobs)
	for i := range block.Message.BlobKzgCommitments {
		block.Message.BlobKzgCommitments[i][0] = byte(i + 1)
		block.Message.BlobKzgCommitments[i][1] = byte(slot)
	}

	root := block.Root()
	sidecars := make([]*types.BlobSidecar, numBlobs)
	for i := range sidecars {
		sidecars[i] = &types.BlobSidecar{
			Index:         uint64(i),
			BlockRoot:     root,
			Slot:          slot,
			KzgCommitment: block.Message.BlobKzgCommitments[i],
			Blob:          []byte{byte(i), byte(slot), 0xb1, 0x0b},
		}
	}
	return block, sidecars
}

// GenesisRoot is the parent root used by test chains.
var GenesisRoot = types.Root{0x01}
