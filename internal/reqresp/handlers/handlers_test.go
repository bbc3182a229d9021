package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/internal/reqresp/handlers"
	"github.com/dannbbb1/lodestar/internal/store"
	"github.com/dannbbb1/lodestar/internal/test/factory"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

const testApp = "eth2/beacon_chain"

var testDigest = types.ForkDigest{1, 2, 3, 4}

type staticStatus struct{ status *types.Status }

func (s staticStatus) LocalStatus() (*types.Status, error) { return s.status, nil }

type statusRecorder struct {
	mtx      sync.Mutex
	statuses map[p2p.PeerID]*types.Status
}

func (r *statusRecorder) SetStatus(peer p2p.PeerID, status *types.Status) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[p2p.PeerID]*types.Status)
	}
	r.statuses[peer] = status
}

type fakeLightClient struct{}

func (fakeLightClient) Bootstrap(_ context.Context, root types.Root) ([]byte, error) {
	if root.IsZero() {
		return nil, nil
	}
	return root[:], nil
}

func (fakeLightClient) UpdatesByRange(_ context.Context, start, count uint64) ([][]byte, error) {
	var out [][]byte
	for i := uint64(0); i < count; i++ {
		out = append(out, []byte{byte(start + i)})
	}
	return out, nil
}

func (fakeLightClient) FinalityUpdate(context.Context) ([]byte, error) {
	return []byte("finality"), nil
}

func (fakeLightClient) OptimisticUpdate(context.Context) ([]byte, error) {
	return nil, errors.New("not tracking head")
}

type fixture struct {
	dispatcher *reqresp.Dispatcher
	store      *store.BlockStore
	peers      *statusRecorder
	local      *types.Status
	chain      []*types.SignedBeaconBlock
	blobs      []*types.BlobSidecar
}

func setup(t *testing.T, opts ...handlers.Option) *fixture {
	t.Helper()
	logger := log.NewNopLogger()

	bs := store.NewBlockStore(dbm.NewMemDB())
	chain := factory.MakeChain(factory.GenesisRoot, 1, 10)
	// skip slot 11, then a block with blobs at slot 12
	withBlobs, blobs := factory.MakeBlockWithBlobs(12, chain[len(chain)-1].Root(), 2)
	chain = append(chain, withBlobs)
	for _, b := range chain[:len(chain)-1] {
		require.NoError(t, bs.SaveBlock(types.NewBlockInput(b)))
	}
	require.NoError(t, bs.SaveBlock(&types.BlockInput{Block: withBlobs, Blobs: blobs}))

	f := &fixture{
		dispatcher: reqresp.NewDispatcher(logger),
		store:      bs,
		peers:      &statusRecorder{},
		local:      &types.Status{ForkDigest: testDigest, HeadSlot: 12, HeadRoot: withBlobs.Root()},
		chain:      chain,
		blobs:      blobs,
	}
	h := handlers.New(logger, testDigest, bs, staticStatus{f.local}, f.peers, opts...)
	require.NoError(t, h.Register(f.dispatcher))
	return f
}

func (f *fixture) request(t *testing.T, method reqresp.Method, body []byte) ([]reqresp.ResponseChunk, *reqresp.ResponseError) {
	t.Helper()
	version := method.Versions()[0]
	proto := reqresp.NewProtocolID(testApp, method, version)

	var chunks []reqresp.ResponseChunk
	timeout := time.After(5 * time.Second)
	ch := f.dispatcher.Dispatch(context.Background(), "peer", proto, body)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks, nil
			}
			if chunk.Err != nil {
				return chunks, chunk.Err
			}
			assert.Equal(t, testDigest, chunk.Context)
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timed out")
		}
	}
}

func marshal(t *testing.T, v interface{ MarshalSSZ() ([]byte, error) }) []byte {
	t.Helper()
	bz, err := v.MarshalSSZ()
	require.NoError(t, err)
	return bz
}

func decodeBlocks(t *testing.T, chunks []reqresp.ResponseChunk) []*types.SignedBeaconBlock {
	t.Helper()
	blocks := make([]*types.SignedBeaconBlock, len(chunks))
	for i, c := range chunks {
		blocks[i] = new(types.SignedBeaconBlock)
		require.NoError(t, blocks[i].UnmarshalSSZ(c.Data))
	}
	return blocks
}

func TestRegisterCoversEveryMethod(t *testing.T) {
	f := setup(t)
	assert.Len(t, f.dispatcher.Protocols(testApp), len(reqresp.AllMethods()))
}

func TestStatusRecordsPeer(t *testing.T) {
	f := setup(t)

	remote := &types.Status{ForkDigest: testDigest, HeadSlot: 40}
	chunks, respErr := f.request(t, reqresp.MethodStatus, marshal(t, remote))
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)

	got := new(types.Status)
	require.NoError(t, got.UnmarshalSSZ(chunks[0].Data))
	assert.Equal(t, f.local, got)
	assert.Equal(t, remote, f.peers.statuses["peer"])

	_, respErr = f.request(t, reqresp.MethodStatus, []byte{1, 2, 3})
	require.NotNil(t, respErr)
	assert.Equal(t, reqresp.InvalidRequest, respErr.Code)
}

func TestPingAndMetadata(t *testing.T) {
	f := setup(t, handlers.WithMetaData(types.MetaData{SeqNumber: 3}))

	seq := types.SSZUint64(1)
	chunks, respErr := f.request(t, reqresp.MethodPing, marshal(t, &seq))
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)
	var got types.SSZUint64
	require.NoError(t, got.UnmarshalSSZ(chunks[0].Data))
	assert.EqualValues(t, 3, got)

	chunks, respErr = f.request(t, reqresp.MethodMetadata, nil)
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)
	md := new(types.MetaData)
	require.NoError(t, md.UnmarshalSSZ(chunks[0].Data))
	assert.EqualValues(t, 3, md.SeqNumber)

	reason := types.GoodbyeClientShutdown
	chunks, respErr = f.request(t, reqresp.MethodGoodbye, marshal(t, &reason))
	require.Nil(t, respErr)
	assert.Len(t, chunks, 1)
}

func TestBlocksByRange(t *testing.T) {
	f := setup(t)

	testcases := map[string]struct {
		req   types.BeaconBlocksByRangeRequest
		slots []types.Slot
	}{
		"full range":         {types.BeaconBlocksByRangeRequest{StartSlot: 1, Count: 12, Step: 1}, []types.Slot{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 12}},
		"skipped slot":       {types.BeaconBlocksByRangeRequest{StartSlot: 10, Count: 3, Step: 1}, []types.Slot{10, 12}},
		"step":               {types.BeaconBlocksByRangeRequest{StartSlot: 2, Count: 3, Step: 3}, []types.Slot{2, 5, 8}},
		"past head":          {types.BeaconBlocksByRangeRequest{StartSlot: 100, Count: 5, Step: 1}, nil},
		"spans many windows": {types.BeaconBlocksByRangeRequest{StartSlot: 0, Count: 500, Step: 1}, []types.Slot{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 12}},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			chunks, respErr := f.request(t, reqresp.MethodBeaconBlocksByRange, marshal(t, &tc.req))
			require.Nil(t, respErr)
			blocks := decodeBlocks(t, chunks)
			var slots []types.Slot
			for _, b := range blocks {
				slots = append(slots, b.Slot())
			}
			assert.Equal(t, tc.slots, slots)
		})
	}
}

func TestBlocksByRangeInvalid(t *testing.T) {
	f := setup(t)

	for name, req := range map[string]types.BeaconBlocksByRangeRequest{
		"zero count": {StartSlot: 1, Count: 0, Step: 1},
		"zero step":  {StartSlot: 1, Count: 5, Step: 0},
	} {
		req := req
		t.Run(name, func(t *testing.T) {
			_, respErr := f.request(t, reqresp.MethodBeaconBlocksByRange, marshal(t, &req))
			require.NotNil(t, respErr)
			assert.Equal(t, reqresp.InvalidRequest, respErr.Code)
		})
	}
}

func TestBlocksByRootSkipsUnknown(t *testing.T) {
	f := setup(t)

	req := types.BeaconBlocksByRootRequest{f.chain[2].Root(), {0xaa}, f.chain[0].Root()}
	chunks, respErr := f.request(t, reqresp.MethodBeaconBlocksByRoot, marshal(t, &req))
	require.Nil(t, respErr)
	blocks := decodeBlocks(t, chunks)
	require.Len(t, blocks, 2)
	assert.Equal(t, f.chain[2].Root(), blocks[0].Root())
	assert.Equal(t, f.chain[0].Root(), blocks[1].Root())
}

func TestBlobSidecars(t *testing.T) {
	f := setup(t)

	rangeReq := types.BlobSidecarsByRangeRequest{StartSlot: 1, Count: 20}
	chunks, respErr := f.request(t, reqresp.MethodBlobSidecarsByRange, marshal(t, &rangeReq))
	require.Nil(t, respErr)
	require.Len(t, chunks, len(f.blobs))
	for i, c := range chunks {
		sc := new(types.BlobSidecar)
		require.NoError(t, sc.UnmarshalSSZ(c.Data))
		assert.Equal(t, f.blobs[i].ID(), sc.ID())
	}

	rootReq := types.BlobSidecarsByRootRequest{
		f.blobs[1].ID(),
		{BlockRoot: f.chain[0].Root(), Index: 0},
	}
	chunks, respErr = f.request(t, reqresp.MethodBlobSidecarsByRoot, marshal(t, &rootReq))
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)
	sc := new(types.BlobSidecar)
	require.NoError(t, sc.UnmarshalSSZ(chunks[0].Data))
	assert.Equal(t, f.blobs[1].ID(), sc.ID())
}

func TestLightClientUnavailable(t *testing.T) {
	f := setup(t)

	for _, method := range []reqresp.Method{
		reqresp.MethodLightClientFinalityUpdate,
		reqresp.MethodLightClientOptimisticUpdate,
	} {
		_, respErr := f.request(t, method, nil)
		require.NotNil(t, respErr, method.String())
		assert.Equal(t, reqresp.ResourceUnavailable, respErr.Code)
	}
}

func TestLightClientServer(t *testing.T) {
	f := setup(t, handlers.WithLightClientServer(fakeLightClient{}))

	root := types.Root{9}
	chunks, respErr := f.request(t, reqresp.MethodLightClientBootstrap, root[:])
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)
	assert.Equal(t, root[:], chunks[0].Data)

	// unknown bootstrap root
	_, respErr = f.request(t, reqresp.MethodLightClientBootstrap, make([]byte, types.RootLength))
	require.NotNil(t, respErr)
	assert.Equal(t, reqresp.ResourceUnavailable, respErr.Code)

	rangeReq := types.LightClientUpdatesByRange{StartPeriod: 4, Count: 3}
	chunks, respErr = f.request(t, reqresp.MethodLightClientUpdatesByRange, marshal(t, &rangeReq))
	require.Nil(t, respErr)
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte{6}, chunks[2].Data)

	chunks, respErr = f.request(t, reqresp.MethodLightClientFinalityUpdate, nil)
	require.Nil(t, respErr)
	require.Len(t, chunks, 1)

	// internal failures are not leaked
	_, respErr = f.request(t, reqresp.MethodLightClientOptimisticUpdate, nil)
	require.NotNil(t, respErr)
	assert.Equal(t, reqresp.ServerError, respErr.Code)
	assert.NotContains(t, respErr.Message, "head")
}
