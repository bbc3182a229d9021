package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	ssz "github.com/ferranbt/fastssz"
)

const (
	// SlotsPerEpoch is the number of slots in an epoch.
	SlotsPerEpoch = 32

	// RootLength is the byte length of a block root.
	RootLength = 32
)

// Slot is a beacon chain slot number.
type Slot uint64

// Epoch is a beacon chain epoch number.
type Epoch uint64

// EpochAtSlot returns the epoch containing slot.
func EpochAtSlot(slot Slot) Epoch { return Epoch(slot / SlotsPerEpoch) }

// StartSlot returns the first slot of epoch.
func (e Epoch) StartSlot() Slot { return Slot(e) * SlotsPerEpoch }

// Root identifies a block. It is the hash of the block header.
type Root [RootLength]byte

// ZeroRoot is the root of no block.
var ZeroRoot Root

// RootHex is the 0x-prefixed, lower-case hex form of a Root. It is used as a
// map key wherever roots are tracked by string.
type RootHex string

// Hex returns the 0x-prefixed hex form of r.
func (r Root) Hex() RootHex { return RootHex("0x" + hex.EncodeToString(r[:])) }

// String implements fmt.Stringer.
func (r Root) String() string { return string(r.Hex()) }

// IsZero reports whether r is the zero root.
func (r Root) IsZero() bool { return r == ZeroRoot }

// ParseRootHex parses a 0x-prefixed or bare hex string into a Root.
func ParseRootHex(s string) (Root, error) {
	var r Root
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return r, fmt.Errorf("invalid root hex %q: %w", s, err)
	}
	if len(bz) != RootLength {
		return r, fmt.Errorf("invalid root length %d", len(bz))
	}
	copy(r[:], bz)
	return r, nil
}

// Root parses h back into a Root.
func (h RootHex) Root() (Root, error) { return ParseRootHex(string(h)) }

// ForkDigest segments protocol namespaces by chain variant.
type ForkDigest [4]byte

// String implements fmt.Stringer.
func (d ForkDigest) String() string { return hex.EncodeToString(d[:]) }

// ParseForkDigest parses a hex-encoded fork digest.
func ParseForkDigest(s string) (ForkDigest, error) {
	var d ForkDigest
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, err
	}
	if len(bz) != len(d) {
		return d, fmt.Errorf("invalid fork digest length %d", len(bz))
	}
	copy(d[:], bz)
	return d, nil
}

// Checkpoint is an (epoch, root) pair.
type Checkpoint struct {
	Epoch Epoch
	Root  Root
}

const checkpointSize = 40

// SizeSSZ returns the ssz encoded size in bytes.
func (c *Checkpoint) SizeSSZ() int { return checkpointSize }

// MarshalSSZ ssz marshals the Checkpoint.
func (c *Checkpoint) MarshalSSZ() ([]byte, error) {
	return c.MarshalSSZTo(make([]byte, 0, checkpointSize))
}

// MarshalSSZTo ssz marshals the Checkpoint to dst.
func (c *Checkpoint) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, uint64(c.Epoch))
	dst = append(dst, c.Root[:]...)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the Checkpoint.
func (c *Checkpoint) UnmarshalSSZ(buf []byte) error {
	if len(buf) != checkpointSize {
		return ssz.ErrSize
	}
	c.Epoch = Epoch(ssz.UnmarshallUint64(buf[0:8]))
	copy(c.Root[:], buf[8:40])
	return nil
}
