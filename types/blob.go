package types

import (
	ssz "github.com/ferranbt/fastssz"
)

const (
	// MaxBlobSize bounds the byte length of a single blob.
	MaxBlobSize = 131072

	blobSidecarFixedSize = 8 + 32 + 8 + KzgCommitmentLength + 4
	blobIdentifierSize   = 32 + 8
)

// BlobSidecar carries one blob of a block.
type BlobSidecar struct {
	Index         uint64
	BlockRoot     Root
	Slot          Slot
	KzgCommitment KzgCommitment
	Blob          []byte
}

// BlobIdentifier names a blob sidecar by block root and index.
type BlobIdentifier struct {
	BlockRoot Root
	Index     uint64
}

// SizeSSZ returns the ssz encoded size in bytes.
func (s *BlobSidecar) SizeSSZ() int { return blobSidecarFixedSize + len(s.Blob) }

// MarshalSSZ ssz marshals the BlobSidecar.
func (s *BlobSidecar) MarshalSSZ() ([]byte, error) {
	return s.MarshalSSZTo(make([]byte, 0, s.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the BlobSidecar to dst.
func (s *BlobSidecar) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(s.Blob) > MaxBlobSize {
		return nil, ssz.ErrBytesLength
	}
	dst = ssz.MarshalUint64(dst, s.Index)
	dst = append(dst, s.BlockRoot[:]...)
	dst = ssz.MarshalUint64(dst, uint64(s.Slot))
	dst = append(dst, s.KzgCommitment[:]...)
	dst = ssz.WriteOffset(dst, blobSidecarFixedSize)
	dst = append(dst, s.Blob...)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the BlobSidecar.
func (s *BlobSidecar) UnmarshalSSZ(buf []byte) error {
	if len(buf) < blobSidecarFixedSize {
		return ssz.ErrSize
	}
	s.Index = ssz.UnmarshallUint64(buf[0:8])
	copy(s.BlockRoot[:], buf[8:40])
	s.Slot = Slot(ssz.UnmarshallUint64(buf[40:48]))
	copy(s.KzgCommitment[:], buf[48:96])
	if o := ssz.ReadOffset(buf[96:100]); o != blobSidecarFixedSize {
		return ssz.ErrOffset
	}
	blob := buf[blobSidecarFixedSize:]
	if len(blob) > MaxBlobSize {
		return ssz.ErrBytesLength
	}
	s.Blob = append([]byte(nil), blob...)
	return nil
}

// ID returns the identifier of s.
func (s *BlobSidecar) ID() BlobIdentifier {
	return BlobIdentifier{BlockRoot: s.BlockRoot, Index: s.Index}
}

// BlockInput is a block together with the blobs it commits to.
type BlockInput struct {
	Block *SignedBeaconBlock
	Blobs []*BlobSidecar
}

// NewBlockInput wraps a block without blobs.
func NewBlockInput(block *SignedBeaconBlock) *BlockInput {
	return &BlockInput{Block: block}
}

// MissingBlobs returns the identifiers of the committed blobs that are not
// yet attached.
func (in *BlockInput) MissingBlobs() []BlobIdentifier {
	root := in.Block.Root()
	have := make(map[uint64]bool, len(in.Blobs))
	for _, b := range in.Blobs {
		have[b.Index] = true
	}
	var missing []BlobIdentifier
	for i := range in.Block.Message.BlobKzgCommitments {
		if !have[uint64(i)] {
			missing = append(missing, BlobIdentifier{BlockRoot: root, Index: uint64(i)})
		}
	}
	return missing
}

// IsComplete reports whether every committed blob is attached.
func (in *BlockInput) IsComplete() bool { return len(in.MissingBlobs()) == 0 }

// AddBlobs attaches sidecars that belong to the block and match its
// commitments. Sidecars for other blocks or with a wrong commitment are
// returned as rejected.
func (in *BlockInput) AddBlobs(sidecars []*BlobSidecar) (rejected []*BlobSidecar) {
	root := in.Block.Root()
	commitments := in.Block.Message.BlobKzgCommitments
	have := make(map[uint64]bool, len(in.Blobs))
	for _, b := range in.Blobs {
		have[b.Index] = true
	}
	for _, sc := range sidecars {
		if sc.BlockRoot != root || sc.Index >= uint64(len(commitments)) ||
			commitments[sc.Index] != sc.KzgCommitment {
			rejected = append(rejected, sc)
			continue
		}
		if have[sc.Index] {
			continue
		}
		have[sc.Index] = true
		in.Blobs = append(in.Blobs, sc)
	}
	return rejected
}
