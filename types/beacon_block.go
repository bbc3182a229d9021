package types

import (
	"fmt"

	ssz "github.com/ferranbt/fastssz"
	"github.com/minio/sha256-simd"
)

const (
	// MaxBlockBodySize bounds the opaque body of a block.
	MaxBlockBodySize = 1 << 20
	// MaxBlobsPerBlock bounds the number of blob commitments in a block.
	MaxBlobsPerBlock = 6
	// KzgCommitmentLength is the byte length of a blob KZG commitment.
	KzgCommitmentLength = 48
	// SignatureLength is the byte length of a block signature.
	SignatureLength = 96

	beaconBlockFixedSize       = 8 + 8 + 32 + 32 + 4 + 4
	signedBeaconBlockFixedSize = 4 + SignatureLength
)

// KzgCommitment commits to a blob carried next to a block.
type KzgCommitment [KzgCommitmentLength]byte

// BeaconBlock is the part of a block that the sync engine inspects. The body
// is carried opaquely: its semantics belong to the state transition.
type BeaconBlock struct {
	Slot               Slot
	ProposerIndex      uint64
	ParentRoot         Root
	StateRoot          Root
	Body               []byte
	BlobKzgCommitments []KzgCommitment
}

// SignedBeaconBlock is a block with its proposer signature.
type SignedBeaconBlock struct {
	Message   *BeaconBlock
	Signature [SignatureLength]byte
}

var (
	_ ssz.Marshaler   = (*SignedBeaconBlock)(nil)
	_ ssz.Unmarshaler = (*SignedBeaconBlock)(nil)
)

// SizeSSZ returns the ssz encoded size in bytes.
func (b *BeaconBlock) SizeSSZ() int {
	return beaconBlockFixedSize + len(b.Body) + len(b.BlobKzgCommitments)*KzgCommitmentLength
}

// MarshalSSZ ssz marshals the BeaconBlock.
func (b *BeaconBlock) MarshalSSZ() ([]byte, error) {
	return b.MarshalSSZTo(make([]byte, 0, b.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the BeaconBlock to dst.
func (b *BeaconBlock) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(b.Body) > MaxBlockBodySize {
		return nil, ssz.ErrBytesLength
	}
	if len(b.BlobKzgCommitments) > MaxBlobsPerBlock {
		return nil, ssz.ErrListTooBig
	}

	offset := beaconBlockFixedSize
	dst = ssz.MarshalUint64(dst, uint64(b.Slot))
	dst = ssz.MarshalUint64(dst, b.ProposerIndex)
	dst = append(dst, b.ParentRoot[:]...)
	dst = append(dst, b.StateRoot[:]...)
	dst = ssz.WriteOffset(dst, offset)
	offset += len(b.Body)
	dst = ssz.WriteOffset(dst, offset)

	dst = append(dst, b.Body...)
	for i := range b.BlobKzgCommitments {
		dst = append(dst, b.BlobKzgCommitments[i][:]...)
	}
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the BeaconBlock.
func (b *BeaconBlock) UnmarshalSSZ(buf []byte) error {
	size := uint64(len(buf))
	if size < beaconBlockFixedSize {
		return ssz.ErrSize
	}

	b.Slot = Slot(ssz.UnmarshallUint64(buf[0:8]))
	b.ProposerIndex = ssz.UnmarshallUint64(buf[8:16])
	copy(b.ParentRoot[:], buf[16:48])
	copy(b.StateRoot[:], buf[48:80])

	o0 := ssz.ReadOffset(buf[80:84])
	o1 := ssz.ReadOffset(buf[84:88])
	if o0 != beaconBlockFixedSize || o1 < o0 || o1 > size {
		return ssz.ErrOffset
	}

	body := buf[o0:o1]
	if len(body) > MaxBlockBodySize {
		return ssz.ErrBytesLength
	}
	b.Body = append([]byte(nil), body...)

	commitments := buf[o1:]
	if len(commitments)%KzgCommitmentLength != 0 {
		return ssz.ErrSize
	}
	num := len(commitments) / KzgCommitmentLength
	if num > MaxBlobsPerBlock {
		return ssz.ErrListTooBig
	}
	b.BlobKzgCommitments = nil
	if num > 0 {
		b.BlobKzgCommitments = make([]KzgCommitment, num)
	}
	for i := 0; i < num; i++ {
		copy(b.BlobKzgCommitments[i][:], commitments[i*KzgCommitmentLength:])
	}
	return nil
}

// Root computes the block root: the hash of the header fields and the hash of
// the body and commitments.
func (b *BeaconBlock) Root() Root {
	h := sha256.New()
	h.Write(b.Body)
	for i := range b.BlobKzgCommitments {
		h.Write(b.BlobKzgCommitments[i][:])
	}
	var bodyRoot Root
	copy(bodyRoot[:], h.Sum(nil))

	header := make([]byte, 0, 8+8+32+32+32)
	header = ssz.MarshalUint64(header, uint64(b.Slot))
	header = ssz.MarshalUint64(header, b.ProposerIndex)
	header = append(header, b.ParentRoot[:]...)
	header = append(header, b.StateRoot[:]...)
	header = append(header, bodyRoot[:]...)
	return sha256.Sum256(header)
}

// SizeSSZ returns the ssz encoded size in bytes.
func (b *SignedBeaconBlock) SizeSSZ() int {
	if b.Message == nil {
		return signedBeaconBlockFixedSize + beaconBlockFixedSize
	}
	return signedBeaconBlockFixedSize + b.Message.SizeSSZ()
}

// MarshalSSZ ssz marshals the SignedBeaconBlock.
func (b *SignedBeaconBlock) MarshalSSZ() ([]byte, error) {
	return b.MarshalSSZTo(make([]byte, 0, b.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the SignedBeaconBlock to dst.
func (b *SignedBeaconBlock) MarshalSSZTo(dst []byte) ([]byte, error) {
	msg := b.Message
	if msg == nil {
		msg = new(BeaconBlock)
	}
	dst = ssz.WriteOffset(dst, signedBeaconBlockFixedSize)
	dst = append(dst, b.Signature[:]...)
	return msg.MarshalSSZTo(dst)
}

// UnmarshalSSZ ssz unmarshals the SignedBeaconBlock.
func (b *SignedBeaconBlock) UnmarshalSSZ(buf []byte) error {
	if len(buf) < signedBeaconBlockFixedSize {
		return ssz.ErrSize
	}
	if o := ssz.ReadOffset(buf[0:4]); o != signedBeaconBlockFixedSize {
		return ssz.ErrOffset
	}
	copy(b.Signature[:], buf[4:signedBeaconBlockFixedSize])

	b.Message = new(BeaconBlock)
	if err := b.Message.UnmarshalSSZ(buf[signedBeaconBlockFixedSize:]); err != nil {
		return fmt.Errorf("beacon block: %w", err)
	}
	return nil
}

// Root returns the root of the inner block.
func (b *SignedBeaconBlock) Root() Root { return b.Message.Root() }

// Slot returns the slot of the inner block.
func (b *SignedBeaconBlock) Slot() Slot { return b.Message.Slot }

// ParentRoot returns the parent root of the inner block.
func (b *SignedBeaconBlock) ParentRoot() Root { return b.Message.ParentRoot }
