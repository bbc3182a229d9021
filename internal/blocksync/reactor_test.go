package blocksync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/blocksync"
	"github.com/dannbbb1/lodestar/internal/blocksync/mocks"
	"github.com/dannbbb1/lodestar/internal/chain"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/p2p/p2ptest"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/internal/reqresp/handlers"
	"github.com/dannbbb1/lodestar/internal/store"
	"github.com/dannbbb1/lodestar/internal/test/factory"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

const testApp = "eth2/beacon_chain"

var testDigest = types.ForkDigest{0xde, 0xad, 0xbe, 0xef}

// remoteChain is a chain served by one or more fake peers.
type remoteChain struct {
	blocks []*types.SignedBeaconBlock
	blobs  map[types.Root][]*types.BlobSidecar
	status *types.Status
}

func newRemoteChain(t *testing.T, blocks []*types.SignedBeaconBlock, blobs []*types.BlobSidecar) *remoteChain {
	t.Helper()
	c, _ := newLocalChain(t)
	rc := &remoteChain{blocks: blocks, blobs: make(map[types.Root][]*types.BlobSidecar)}
	for _, sc := range blobs {
		rc.blobs[sc.BlockRoot] = append(rc.blobs[sc.BlockRoot], sc)
	}
	for _, b := range blocks {
		in := &types.BlockInput{Block: b, Blobs: rc.blobs[b.Root()]}
		res, err := c.ValidateAndImport(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, types.ImportAccepted, res.Outcome, res.Reason)
	}
	status, err := c.LocalStatus()
	require.NoError(t, err)
	rc.status = status
	return rc
}

type fakeNetwork struct {
	mtx     sync.Mutex
	remotes map[p2p.PeerID]*remoteChain
	reports map[p2p.PeerID][]p2p.PeerAction
	// requests block until their context is done when set
	hang     map[p2p.PeerID]bool
	hanging  chan struct{}
	hangDone chan error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		remotes:  make(map[p2p.PeerID]*remoteChain),
		reports:  make(map[p2p.PeerID][]p2p.PeerAction),
		hang:     make(map[p2p.PeerID]bool),
		hanging:  make(chan struct{}, 16),
		hangDone: make(chan error, 16),
	}
}

func (n *fakeNetwork) serve(peer p2p.PeerID, rc *remoteChain) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.remotes[peer] = rc
}

func (n *fakeNetwork) remote(ctx context.Context, peer p2p.PeerID) (*remoteChain, error) {
	n.mtx.Lock()
	rc, ok := n.remotes[peer]
	hang := n.hang[peer]
	n.mtx.Unlock()
	if hang {
		n.hanging <- struct{}{}
		<-ctx.Done()
		n.hangDone <- ctx.Err()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, reqresp.ErrPeerDisconnected
	}
	return rc, nil
}

func (n *fakeNetwork) Status(ctx context.Context, peer p2p.PeerID, _ *types.Status) (*types.Status, error) {
	rc, err := n.remote(ctx, peer)
	if err != nil {
		return nil, err
	}
	return rc.status, nil
}

func (n *fakeNetwork) BeaconBlocksByRange(
	ctx context.Context,
	peer p2p.PeerID,
	req *types.BeaconBlocksByRangeRequest,
) ([]*types.SignedBeaconBlock, error) {
	rc, err := n.remote(ctx, peer)
	if err != nil {
		return nil, err
	}
	var out []*types.SignedBeaconBlock
	for _, b := range rc.blocks {
		if b.Slot() >= req.StartSlot && b.Slot() < req.StartSlot+types.Slot(req.Count) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (n *fakeNetwork) BeaconBlocksByRoot(ctx context.Context, peer p2p.PeerID, roots []types.Root) ([]*types.SignedBeaconBlock, error) {
	rc, err := n.remote(ctx, peer)
	if err != nil {
		return nil, err
	}
	var out []*types.SignedBeaconBlock
	for _, root := range roots {
		for _, b := range rc.blocks {
			if b.Root() == root {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (n *fakeNetwork) BlobSidecarsByRange(
	ctx context.Context,
	peer p2p.PeerID,
	req *types.BlobSidecarsByRangeRequest,
) ([]*types.BlobSidecar, error) {
	rc, err := n.remote(ctx, peer)
	if err != nil {
		return nil, err
	}
	var out []*types.BlobSidecar
	for _, b := range rc.blocks {
		if b.Slot() >= req.StartSlot && b.Slot() < req.StartSlot+types.Slot(req.Count) {
			out = append(out, rc.blobs[b.Root()]...)
		}
	}
	return out, nil
}

func (n *fakeNetwork) BlobSidecarsByRoot(ctx context.Context, peer p2p.PeerID, ids []types.BlobIdentifier) ([]*types.BlobSidecar, error) {
	rc, err := n.remote(ctx, peer)
	if err != nil {
		return nil, err
	}
	var out []*types.BlobSidecar
	for _, id := range ids {
		for _, sc := range rc.blobs[id.BlockRoot] {
			if sc.Index == id.Index {
				out = append(out, sc)
			}
		}
	}
	return out, nil
}

func (n *fakeNetwork) ReportPeer(_ context.Context, peer p2p.PeerID, action p2p.PeerAction) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.reports[peer] = append(n.reports[peer], action)
}

func (n *fakeNetwork) reportsFor(peer p2p.PeerID) []p2p.PeerAction {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]p2p.PeerAction(nil), n.reports[peer]...)
}

func newLocalChain(t *testing.T) (*chain.Chain, *store.BlockStore) {
	t.Helper()
	bs := store.NewBlockStore(dbm.NewMemDB())
	c, err := chain.New(log.NewNopLogger(), bs, testDigest, factory.GenesisRoot)
	require.NoError(t, err)
	return c, bs
}

func connect(t *testing.T, peers *p2p.PeerSet, ids ...p2p.PeerID) {
	t.Helper()
	for _, id := range ids {
		peers.Connected(context.Background(), id)
	}
}

func startReactor(t *testing.T, r *blocksync.Reactor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		r.Stop()
		cancel()
	})
}

func newReactor(
	t *testing.T,
	c blocksync.Chain,
	network blocksync.Network,
	peers *p2p.PeerSet,
	opts ...blocksync.Option,
) *blocksync.Reactor {
	t.Helper()
	return blocksync.NewReactor(
		log.NewNopLogger(),
		config.TestSyncConfig(),
		config.TestUnknownBlockConfig(),
		c,
		network,
		peers,
		opts...,
	)
}

// remoteBlocks returns n linked blocks from slot 1 where the block at
// blobSlot commits to two blobs.
func remoteBlocks(n int, blobSlot types.Slot) ([]*types.SignedBeaconBlock, []*types.BlobSidecar) {
	blocks := factory.MakeChain(factory.GenesisRoot, 1, int(blobSlot)-1)
	withBlobs, sidecars := factory.MakeBlockWithBlobs(blobSlot, blocks[len(blocks)-1].Root(), 2)
	blocks = append(blocks, withBlobs)
	blocks = append(blocks, factory.MakeChain(withBlobs.Root(), blobSlot+1, n-int(blobSlot))...)
	return blocks, sidecars
}

func TestReactorSyncsFromPeers(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	blocks, sidecars := remoteBlocks(100, 10)
	rc := newRemoteChain(t, blocks, sidecars)
	require.Equal(t, types.Epoch(1), rc.status.FinalizedEpoch)

	network := newFakeNetwork()
	network.serve("p1", rc)
	network.serve("p2", rc)

	local, bs := newLocalChain(t)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "p1", "p2")

	r := newReactor(t, local, network, peers)
	startReactor(t, r)

	require.Eventually(t, func() bool {
		slot, _ := local.Head()
		return slot == 100
	}, 10*time.Second, 10*time.Millisecond)

	stored, err := bs.LoadBlobs(blocks[9].Root())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	require.Eventually(t, func() bool {
		return r.State() == blocksync.Synced
	}, 5*time.Second, 10*time.Millisecond)
	status := r.GetSyncStatus()
	assert.Equal(t, types.Slot(100), status.HeadSlot)
	assert.Zero(t, status.SyncDistance)
	assert.False(t, status.IsSyncing)
	assert.Empty(t, r.GetDebugState())
	assert.Empty(t, network.reportsFor("p1"))
	assert.Empty(t, network.reportsFor("p2"))
}

func TestReactorResolvesUnknownParent(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	blocks, sidecars := remoteBlocks(8, 7)
	local, _ := newLocalChain(t)
	for _, b := range blocks[:5] {
		res, err := local.ValidateAndImport(context.Background(), types.NewBlockInput(b))
		require.NoError(t, err)
		require.Equal(t, types.ImportAccepted, res.Outcome)
	}
	localStatus, err := local.LocalStatus()
	require.NoError(t, err)

	rc := newRemoteChain(t, blocks, sidecars)
	// advertise the local head so that range sync stays idle
	rc.status = localStatus

	network := newFakeNetwork()
	network.serve("p1", rc)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "p1")

	r := newReactor(t, local, network, peers)
	startReactor(t, r)

	r.ReportGossipBlock(blocks[7], "p1")

	require.Eventually(t, func() bool {
		return local.HasBlock(blocks[7].Root())
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, local.HasBlock(blocks[6].Root()))
	assert.True(t, local.HasBlock(blocks[5].Root()))
	require.Eventually(t, func() bool {
		return len(r.PendingBlocks()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReactorFetchesMissingBlobs(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	parent := factory.MakeBlock(1, factory.GenesisRoot, 0)
	block, sidecars := factory.MakeBlockWithBlobs(2, parent.Root(), 3)

	local, bs := newLocalChain(t)
	res, err := local.ValidateAndImport(context.Background(), types.NewBlockInput(parent))
	require.NoError(t, err)
	require.Equal(t, types.ImportAccepted, res.Outcome)

	rc := newRemoteChain(t, []*types.SignedBeaconBlock{parent, block}, sidecars)
	rc.status, err = local.LocalStatus()
	require.NoError(t, err)

	network := newFakeNetwork()
	network.serve("p1", rc)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "p1")

	r := newReactor(t, local, network, peers)
	startReactor(t, r)

	r.ReportUnknownBlobs(&types.BlockInput{Block: block, Blobs: sidecars[:1]}, "p1")

	require.Eventually(t, func() bool {
		return local.HasBlock(block.Root())
	}, 5*time.Second, 10*time.Millisecond)
	stored, err := bs.LoadBlobs(block.Root())
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestReactorRejectsWrongForkDigest(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	local, _ := newLocalChain(t)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "p1")

	reported := make(chan struct{})
	var once sync.Once
	network := mocks.NewNetwork(t)
	network.On("Status", mock.Anything, p2p.PeerID("p1"), mock.Anything).
		Return(&types.Status{ForkDigest: types.ForkDigest{0x01}, HeadSlot: 500}, nil)
	network.On("ReportPeer", mock.Anything, p2p.PeerID("p1"), p2p.PeerActionFatal).
		Run(func(mock.Arguments) { once.Do(func() { close(reported) }) })

	r := newReactor(t, local, network, peers)
	startReactor(t, r)

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("peer on another fork was not reported")
	}
	assert.Empty(t, r.GetDebugState())
	_, ok := peers.GetPeerStatus("p1")
	assert.False(t, ok)
}

func TestReactorPenalizesRejectedGossip(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	block := factory.MakeBlock(1, factory.GenesisRoot, 0)
	local := &types.Status{ForkDigest: testDigest, HeadRoot: factory.GenesisRoot, FinalizedRoot: factory.GenesisRoot}

	c := mocks.NewChain(t)
	c.On("LocalStatus").Return(local, nil)
	c.On("HasBlock", block.Root()).Return(false)
	c.On("HasBlock", factory.GenesisRoot).Return(true)
	c.On("ValidateAndImport", mock.Anything, mock.Anything).
		Return(types.ImportResult{Outcome: types.ImportRejected, Reason: "bad signature"}, nil).Once()

	reported := make(chan p2p.PeerAction, 1)
	network := mocks.NewNetwork(t)
	network.On("ReportPeer", mock.Anything, p2p.PeerID("p1"), mock.Anything).
		Run(func(args mock.Arguments) { reported <- args.Get(2).(p2p.PeerAction) })

	r := newReactor(t, c, network, p2p.NewPeerSet(p2p.PeerSetOptions{}))
	startReactor(t, r)

	r.ReportGossipBlock(block, "p1")

	select {
	case action := <-reported:
		assert.Equal(t, p2p.PeerActionLowTolerance, action)
	case <-time.After(5 * time.Second):
		t.Fatal("sender of a rejected block was not reported")
	}
}

func TestReactorDisconnectCancelsRequests(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	rc := newRemoteChain(t, factory.MakeChain(factory.GenesisRoot, 1, 10), nil)
	network := newFakeNetwork()
	network.serve("p1", rc)
	network.hang["p1"] = true

	local, _ := newLocalChain(t)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "p1")

	subCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := newReactor(t, local, network, peers, blocksync.WithPeerUpdates(peers.Subscribe(subCtx)))
	startReactor(t, r)

	select {
	case <-network.hanging:
	case <-time.After(5 * time.Second):
		t.Fatal("no request was sent")
	}
	peers.Disconnected(context.Background(), "p1")

	select {
	case err := <-network.hangDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("request to a disconnected peer was not cancelled")
	}
	assert.Never(t, func() bool {
		return len(network.reportsFor("p1")) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestReactorSyncState(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	local, _ := newLocalChain(t)
	status, err := local.LocalStatus()
	require.NoError(t, err)

	network := newFakeNetwork()
	network.serve("p1", &remoteChain{status: status})
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})

	now := time.Now()
	clock := types.SlotClock{GenesisTime: now.Add(-time.Hour), SecondsPerSlot: 12, Now: func() time.Time { return now }}

	t.Run("no peers", func(t *testing.T) {
		r := newReactor(t, local, network, peers)
		startReactor(t, r)
		assert.Never(t, func() bool { return r.State() != blocksync.Stalled }, 300*time.Millisecond, 20*time.Millisecond)
	})

	connect(t, peers, "p1")

	t.Run("peer at our head", func(t *testing.T) {
		r := newReactor(t, local, network, peers)
		startReactor(t, r)
		require.Eventually(t, func() bool { return r.State() == blocksync.Synced }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("behind the clock", func(t *testing.T) {
		r := newReactor(t, local, network, peers, blocksync.WithClock(clock))
		startReactor(t, r)
		require.Eventually(t, func() bool {
			return r.GetSyncStatus().SyncDistance == 300
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, blocksync.Stalled, r.State())
	})
}

func TestReactorDropsEventsWhenFull(t *testing.T) {
	local, _ := newLocalChain(t)
	dropped := generic.NewCounter("dropped")
	metrics := blocksync.NopMetrics()
	metrics.DroppedEvents = dropped

	// not started, so nothing drains the queue
	r := newReactor(t, local, newFakeNetwork(), p2p.NewPeerSet(p2p.PeerSetOptions{}), blocksync.WithMetrics(metrics))
	for i := 0; i < 1030; i++ {
		r.ReportUnknownBlock(types.Root{0xaa, byte(i), byte(i >> 8)}, "p1")
	}
	assert.Equal(t, float64(6), dropped.Value())
}

// TestReactorSyncsOverReqResp runs the reactor against a peer serving its
// chain through the request/response handlers.
func TestReactorSyncsOverReqResp(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	logger := log.NewNopLogger()
	cfg := config.TestReqRespConfig()

	remote, remoteStore := newLocalChain(t)
	blocks, sidecars := remoteBlocks(40, 20)
	byRoot := map[types.Root][]*types.BlobSidecar{}
	for _, sc := range sidecars {
		byRoot[sc.BlockRoot] = append(byRoot[sc.BlockRoot], sc)
	}
	for _, b := range blocks {
		res, err := remote.ValidateAndImport(context.Background(), &types.BlockInput{Block: b, Blobs: byRoot[b.Root()]})
		require.NoError(t, err)
		require.Equal(t, types.ImportAccepted, res.Outcome, res.Reason)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := p2ptest.NewNetwork()
	serverHost := network.Host("remote")
	clientHost := network.Host("local")

	remotePeers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	d := reqresp.NewDispatcher(logger)
	require.NoError(t, handlers.New(logger, testDigest, remoteStore, remote, remotePeers).Register(d))
	srv := reqresp.NewServer(logger, serverHost, d, testApp, cfg, reqresp.NopMetrics())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})

	local, _ := newLocalChain(t)
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{})
	connect(t, peers, "remote")
	client := reqresp.NewClient(logger, clientHost, testApp, testDigest, cfg, reqresp.NopMetrics())

	r := newReactor(t, local, blocksync.NewNetwork(client, peers), peers)
	startReactor(t, r)

	require.Eventually(t, func() bool {
		_, root := local.Head()
		return root == blocks[len(blocks)-1].Root()
	}, 10*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, peers.Score("remote"), p2p.PeerScore(0))
}
