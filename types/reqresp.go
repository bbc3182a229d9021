package types

import (
	ssz "github.com/ferranbt/fastssz"
)

const (
	// MaxRequestBlocks bounds blocks_by_range count and blocks_by_root list length.
	MaxRequestBlocks = 1024
	// MaxRequestBlobSidecars bounds blob sidecar requests.
	MaxRequestBlobSidecars = 768
	// MaxRequestLightClientUpdates bounds light client update range requests.
	MaxRequestLightClientUpdates = 128

	statusSize                    = 4 + 32 + 8 + 32 + 8
	metadataSize                  = 8 + 8
	blocksByRangeRequestSize      = 8 + 8 + 8
	blobSidecarsByRangeReqSize    = 8 + 8
	lightClientUpdatesByRangeSize = 8 + 8
)

// SSZUint64 is a bare uint64 body, used by ping, goodbye and metadata-less
// requests.
type SSZUint64 uint64

// SizeSSZ returns the ssz encoded size in bytes.
func (u *SSZUint64) SizeSSZ() int { return 8 }

// MarshalSSZ ssz marshals the value.
func (u *SSZUint64) MarshalSSZ() ([]byte, error) { return u.MarshalSSZTo(make([]byte, 0, 8)) }

// MarshalSSZTo ssz marshals the value to dst.
func (u *SSZUint64) MarshalSSZTo(dst []byte) ([]byte, error) {
	return ssz.MarshalUint64(dst, uint64(*u)), nil
}

// UnmarshalSSZ ssz unmarshals the value.
func (u *SSZUint64) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 8 {
		return ssz.ErrSize
	}
	*u = SSZUint64(ssz.UnmarshallUint64(buf))
	return nil
}

// Goodbye reason codes.
const (
	GoodbyeClientShutdown    SSZUint64 = 1
	GoodbyeIrrelevant        SSZUint64 = 2
	GoodbyeFaultError        SSZUint64 = 3
	GoodbyeTooManyPeers      SSZUint64 = 129
	GoodbyeScoreTooLow       SSZUint64 = 250
	GoodbyeBanned            SSZUint64 = 251
	GoodbyeInboundDisconnect SSZUint64 = 252
)

// Status is the handshake exchanged on connect and periodically thereafter.
type Status struct {
	ForkDigest     ForkDigest
	FinalizedRoot  Root
	FinalizedEpoch Epoch
	HeadRoot       Root
	HeadSlot       Slot
}

// FinalizedCheckpoint returns the finalized checkpoint advertised in s.
func (s *Status) FinalizedCheckpoint() Checkpoint {
	return Checkpoint{Epoch: s.FinalizedEpoch, Root: s.FinalizedRoot}
}

// SizeSSZ returns the ssz encoded size in bytes.
func (s *Status) SizeSSZ() int { return statusSize }

// MarshalSSZ ssz marshals the Status.
func (s *Status) MarshalSSZ() ([]byte, error) { return s.MarshalSSZTo(make([]byte, 0, statusSize)) }

// MarshalSSZTo ssz marshals the Status to dst.
func (s *Status) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = append(dst, s.ForkDigest[:]...)
	dst = append(dst, s.FinalizedRoot[:]...)
	dst = ssz.MarshalUint64(dst, uint64(s.FinalizedEpoch))
	dst = append(dst, s.HeadRoot[:]...)
	dst = ssz.MarshalUint64(dst, uint64(s.HeadSlot))
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the Status.
func (s *Status) UnmarshalSSZ(buf []byte) error {
	if len(buf) != statusSize {
		return ssz.ErrSize
	}
	copy(s.ForkDigest[:], buf[0:4])
	copy(s.FinalizedRoot[:], buf[4:36])
	s.FinalizedEpoch = Epoch(ssz.UnmarshallUint64(buf[36:44]))
	copy(s.HeadRoot[:], buf[44:76])
	s.HeadSlot = Slot(ssz.UnmarshallUint64(buf[76:84]))
	return nil
}

// MetaData advertises the local sequence number and subnets.
type MetaData struct {
	SeqNumber uint64
	Attnets   [8]byte
}

// SizeSSZ returns the ssz encoded size in bytes.
func (m *MetaData) SizeSSZ() int { return metadataSize }

// MarshalSSZ ssz marshals the MetaData.
func (m *MetaData) MarshalSSZ() ([]byte, error) {
	return m.MarshalSSZTo(make([]byte, 0, metadataSize))
}

// MarshalSSZTo ssz marshals the MetaData to dst.
func (m *MetaData) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, m.SeqNumber)
	dst = append(dst, m.Attnets[:]...)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the MetaData.
func (m *MetaData) UnmarshalSSZ(buf []byte) error {
	if len(buf) != metadataSize {
		return ssz.ErrSize
	}
	m.SeqNumber = ssz.UnmarshallUint64(buf[0:8])
	copy(m.Attnets[:], buf[8:16])
	return nil
}

// BeaconBlocksByRangeRequest asks for canonical blocks in
// [StartSlot, StartSlot+Count*Step).
type BeaconBlocksByRangeRequest struct {
	StartSlot Slot
	Count     uint64
	Step      uint64
}

// SizeSSZ returns the ssz encoded size in bytes.
func (r *BeaconBlocksByRangeRequest) SizeSSZ() int { return blocksByRangeRequestSize }

// MarshalSSZ ssz marshals the request.
func (r *BeaconBlocksByRangeRequest) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, blocksByRangeRequestSize))
}

// MarshalSSZTo ssz marshals the request to dst.
func (r *BeaconBlocksByRangeRequest) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, uint64(r.StartSlot))
	dst = ssz.MarshalUint64(dst, r.Count)
	dst = ssz.MarshalUint64(dst, r.Step)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the request.
func (r *BeaconBlocksByRangeRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf) != blocksByRangeRequestSize {
		return ssz.ErrSize
	}
	r.StartSlot = Slot(ssz.UnmarshallUint64(buf[0:8]))
	r.Count = ssz.UnmarshallUint64(buf[8:16])
	r.Step = ssz.UnmarshallUint64(buf[16:24])
	return nil
}

// BeaconBlocksByRootRequest is an SSZ list of block roots.
type BeaconBlocksByRootRequest []Root

// SizeSSZ returns the ssz encoded size in bytes.
func (r *BeaconBlocksByRootRequest) SizeSSZ() int { return len(*r) * RootLength }

// MarshalSSZ ssz marshals the request.
func (r *BeaconBlocksByRootRequest) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, r.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the request to dst.
func (r *BeaconBlocksByRootRequest) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(*r) > MaxRequestBlocks {
		return nil, ssz.ErrListTooBig
	}
	for i := range *r {
		dst = append(dst, (*r)[i][:]...)
	}
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the request.
func (r *BeaconBlocksByRootRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf)%RootLength != 0 {
		return ssz.ErrSize
	}
	num := len(buf) / RootLength
	if num > MaxRequestBlocks {
		return ssz.ErrListTooBig
	}
	roots := make([]Root, num)
	for i := range roots {
		copy(roots[i][:], buf[i*RootLength:])
	}
	*r = roots
	return nil
}

// BlobSidecarsByRangeRequest asks for blob sidecars in [StartSlot, StartSlot+Count).
type BlobSidecarsByRangeRequest struct {
	StartSlot Slot
	Count     uint64
}

// SizeSSZ returns the ssz encoded size in bytes.
func (r *BlobSidecarsByRangeRequest) SizeSSZ() int { return blobSidecarsByRangeReqSize }

// MarshalSSZ ssz marshals the request.
func (r *BlobSidecarsByRangeRequest) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, blobSidecarsByRangeReqSize))
}

// MarshalSSZTo ssz marshals the request to dst.
func (r *BlobSidecarsByRangeRequest) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, uint64(r.StartSlot))
	dst = ssz.MarshalUint64(dst, r.Count)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the request.
func (r *BlobSidecarsByRangeRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf) != blobSidecarsByRangeReqSize {
		return ssz.ErrSize
	}
	r.StartSlot = Slot(ssz.UnmarshallUint64(buf[0:8]))
	r.Count = ssz.UnmarshallUint64(buf[8:16])
	return nil
}

// BlobSidecarsByRootRequest is an SSZ list of blob identifiers.
type BlobSidecarsByRootRequest []BlobIdentifier

// SizeSSZ returns the ssz encoded size in bytes.
func (r *BlobSidecarsByRootRequest) SizeSSZ() int { return len(*r) * blobIdentifierSize }

// MarshalSSZ ssz marshals the request.
func (r *BlobSidecarsByRootRequest) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, r.SizeSSZ()))
}

// MarshalSSZTo ssz marshals the request to dst.
func (r *BlobSidecarsByRootRequest) MarshalSSZTo(dst []byte) ([]byte, error) {
	if len(*r) > MaxRequestBlobSidecars {
		return nil, ssz.ErrListTooBig
	}
	for _, id := range *r {
		dst = append(dst, id.BlockRoot[:]...)
		dst = ssz.MarshalUint64(dst, id.Index)
	}
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the request.
func (r *BlobSidecarsByRootRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf)%blobIdentifierSize != 0 {
		return ssz.ErrSize
	}
	num := len(buf) / blobIdentifierSize
	if num > MaxRequestBlobSidecars {
		return ssz.ErrListTooBig
	}
	ids := make([]BlobIdentifier, num)
	for i := range ids {
		chunk := buf[i*blobIdentifierSize:]
		copy(ids[i].BlockRoot[:], chunk[0:32])
		ids[i].Index = ssz.UnmarshallUint64(chunk[32:40])
	}
	*r = ids
	return nil
}

// LightClientUpdatesByRange asks for light client updates for a range of
// sync committee periods.
type LightClientUpdatesByRange struct {
	StartPeriod uint64
	Count       uint64
}

// SizeSSZ returns the ssz encoded size in bytes.
func (r *LightClientUpdatesByRange) SizeSSZ() int { return lightClientUpdatesByRangeSize }

// MarshalSSZ ssz marshals the request.
func (r *LightClientUpdatesByRange) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, lightClientUpdatesByRangeSize))
}

// MarshalSSZTo ssz marshals the request to dst.
func (r *LightClientUpdatesByRange) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, r.StartPeriod)
	dst = ssz.MarshalUint64(dst, r.Count)
	return dst, nil
}

// UnmarshalSSZ ssz unmarshals the request.
func (r *LightClientUpdatesByRange) UnmarshalSSZ(buf []byte) error {
	if len(buf) != lightClientUpdatesByRangeSize {
		return ssz.ErrSize
	}
	r.StartPeriod = ssz.UnmarshallUint64(buf[0:8])
	r.Count = ssz.UnmarshallUint64(buf[8:16])
	return nil
}

// Encoded size bounds of request and response bodies.
const (
	StatusSize                    = statusSize
	MetaDataSize                  = metadataSize
	PingSize                      = 8
	BlocksByRangeRequestSize      = blocksByRangeRequestSize
	BlocksByRootRequestMaxSize    = MaxRequestBlocks * RootLength
	BlobsByRangeRequestSize       = blobSidecarsByRangeReqSize
	BlobsByRootRequestMaxSize     = MaxRequestBlobSidecars * blobIdentifierSize
	LightClientUpdatesByRangeSize = lightClientUpdatesByRangeSize

	MaxSignedBeaconBlockSize = signedBeaconBlockFixedSize + beaconBlockFixedSize +
		MaxBlockBodySize + MaxBlobsPerBlock*KzgCommitmentLength
	MaxBlobSidecarSize = blobSidecarFixedSize + MaxBlobSize
)
