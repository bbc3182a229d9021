package types_test

import (
	"testing"

	ssz "github.com/ferranbt/fastssz"
	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/internal/test/factory"
	"github.com/dannbbb1/lodestar/types"
)

func TestSignedBeaconBlockSSZ(t *testing.T) {
	block, _ := factory.MakeBlockWithBlobs(33, factory.GenesisRoot, 2)
	block.Signature[0] = 0xaa

	bz, err := block.MarshalSSZ()
	require.NoError(t, err)
	require.Len(t, bz, block.SizeSSZ())

	decoded := new(types.SignedBeaconBlock)
	require.NoError(t, decoded.UnmarshalSSZ(bz))
	require.Equal(t, block, decoded)
	require.Equal(t, block.Root(), decoded.Root())
}

func TestSignedBeaconBlockSSZRejectsMalformed(t *testing.T) {
	block := factory.MakeBlock(5, factory.GenesisRoot, 1)
	bz, err := block.MarshalSSZ()
	require.NoError(t, err)

	testCases := map[string][]byte{
		"empty":              {},
		"truncated fixed":    bz[:50],
		"bad outer offset":   append([]byte{0x01, 0, 0, 0}, bz[4:]...),
		"partial commitment": append(append([]byte(nil), bz...), 0x01, 0x02),
	}
	for name, buf := range testCases {
		buf := buf
		t.Run(name, func(t *testing.T) {
			require.Error(t, new(types.SignedBeaconBlock).UnmarshalSSZ(buf))
		})
	}
}

func TestBlockRootDependsOnParent(t *testing.T) {
	a := factory.MakeBlock(7, types.Root{1}, 0)
	b := factory.MakeBlock(7, types.Root{2}, 0)
	require.NotEqual(t, a.Root(), b.Root())
	require.Equal(t, a.Root(), factory.MakeBlock(7, types.Root{1}, 0).Root())
}

func TestBlocksByRootRequestLimit(t *testing.T) {
	req := make(types.BeaconBlocksByRootRequest, types.MaxRequestBlocks+1)
	_, err := req.MarshalSSZ()
	require.ErrorIs(t, err, ssz.ErrListTooBig)

	buf := make([]byte, (types.MaxRequestBlocks+1)*types.RootLength)
	require.ErrorIs(t, new(types.BeaconBlocksByRootRequest).UnmarshalSSZ(buf), ssz.ErrListTooBig)
	require.ErrorIs(t, new(types.BeaconBlocksByRootRequest).UnmarshalSSZ(buf[:31]), ssz.ErrSize)
}

func TestStatusSSZ(t *testing.T) {
	status := &types.Status{
		ForkDigest:     types.ForkDigest{1, 2, 3, 4},
		FinalizedRoot:  types.Root{9},
		FinalizedEpoch: 3,
		HeadRoot:       types.Root{8},
		HeadSlot:       130,
	}
	bz, err := status.MarshalSSZ()
	require.NoError(t, err)

	decoded := new(types.Status)
	require.NoError(t, decoded.UnmarshalSSZ(bz))
	require.Equal(t, status, decoded)
	require.Equal(t, types.Checkpoint{Epoch: 3, Root: types.Root{9}}, decoded.FinalizedCheckpoint())
}

func TestBlockInputBlobs(t *testing.T) {
	block, sidecars := factory.MakeBlockWithBlobs(40, factory.GenesisRoot, 3)
	input := types.NewBlockInput(block)
	require.Len(t, input.MissingBlobs(), 3)

	foreign := *sidecars[0]
	foreign.BlockRoot = types.Root{0xff}
	rejected := input.AddBlobs([]*types.BlobSidecar{sidecars[0], &foreign, sidecars[0]})
	require.Len(t, rejected, 1)
	require.Len(t, input.MissingBlobs(), 2)

	input.AddBlobs(sidecars[1:])
	require.True(t, input.IsComplete())
}

func TestRootHexRoundTrip(t *testing.T) {
	root := types.Root{0xde, 0xad}
	parsed, err := root.Hex().Root()
	require.NoError(t, err)
	require.Equal(t, root, parsed)

	_, err = types.ParseRootHex("0x1234")
	require.Error(t, err)
}
