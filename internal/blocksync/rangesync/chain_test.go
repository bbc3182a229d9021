package rangesync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/test/factory"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

var errTimeout = errors.New("timeout")

func inputs(blocks []*types.SignedBeaconBlock) []*types.BlockInput {
	out := make([]*types.BlockInput, len(blocks))
	for i, b := range blocks {
		out[i] = types.NewBlockInput(b)
	}
	return out
}

// blocksFor returns the blocks of chain that fall in the request window.
// chain[i] is at slot i+1.
func blocksFor(chain []*types.SignedBeaconBlock, req BatchRequest) []*types.BlockInput {
	var out []*types.SignedBeaconBlock
	for _, b := range chain {
		if b.Slot() >= req.StartSlot && b.Slot() < req.StartSlot+types.Slot(req.Count) {
			out = append(out, b)
		}
	}
	return inputs(out)
}

func newTestChain(t *testing.T, target types.Slot, root types.Root, peers ...p2p.PeerID) *SyncChain {
	t.Helper()
	c := NewSyncChain(1, FinalizedChain, 1, target, root, config.TestSyncConfig(), log.NewNopLogger())
	for _, id := range peers {
		c.AddPeer(id)
	}
	return c
}

func statuses(c *SyncChain) []BatchStatus {
	var out []BatchStatus
	for _, b := range c.sortedBatches() {
		out = append(out, b.Status)
	}
	return out
}

func TestChainDownloadsInParallelAndProcessesInOrder(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 10)
	c := newTestChain(t, 10, chain[9].Root(), "p1", "p2")

	reqs := c.NextRequests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []types.Slot{1, 5, 9}, []types.Slot{reqs[0].StartSlot, reqs[1].StartSlot, reqs[2].StartSlot})
	assert.Equal(t, []uint64{4, 4, 2}, []uint64{reqs[0].Count, reqs[1].Count, reqs[2].Count})
	assert.Equal(t, []p2p.PeerID{"p1", "p2", "p1"}, []p2p.PeerID{reqs[0].Peer, reqs[1].Peer, reqs[2].Peer})
	assert.Empty(t, c.NextRequests(), "all batches assigned")

	// out of order completion
	c.OnBatchDownloaded(reqs[2], blocksFor(chain, reqs[2]))
	c.OnBatchDownloaded(reqs[1], blocksFor(chain, reqs[1]))
	assert.Nil(t, c.NextProcessable(), "first batch still downloading")

	c.OnBatchDownloaded(reqs[0], blocksFor(chain, reqs[0]))
	task := c.NextProcessable()
	require.NotNil(t, task)
	assert.Equal(t, types.Slot(1), task.StartSlot)
	assert.Len(t, task.Blocks, 4)
	assert.Nil(t, c.NextProcessable(), "one batch at a time")

	var processed []types.Slot
	for task != nil {
		processed = append(processed, task.StartSlot)
		c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
		task = c.NextProcessable()
	}
	assert.Equal(t, []types.Slot{1, 5, 9}, processed)
	assert.Equal(t, ChainDone, c.Status())
	assert.Equal(t, 3, c.DebugState().ValidatedBatches)
}

func TestChainBufferWindow(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 40)
	c := newTestChain(t, 40, chain[39].Root(), "p1")
	cfg := config.TestSyncConfig()

	reqs := c.NextRequests()
	require.Len(t, reqs, cfg.BatchBufferSize)
	for _, req := range reqs {
		c.OnBatchDownloaded(req, blocksFor(chain, req))
	}
	assert.Empty(t, c.NextRequests(), "window full until a batch is processed")

	task := c.NextProcessable()
	require.NotNil(t, task)
	assert.Empty(t, c.NextRequests(), "processing batches stay in the window")
	c.OnBatchProcessed(task.StartSlot, ProcessSuccess)

	next := c.NextRequests()
	require.Len(t, next, 1)
	assert.Equal(t, types.Slot(13), next[0].StartSlot)
}

func TestChainDiscontinuousBatchIsRedownloaded(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 8)
	fork := factory.MakeChainWithSalt(types.Root{0xee}, 5, 4, 7)
	c := newTestChain(t, 8, chain[7].Root(), "p1", "p2")

	reqs := c.NextRequests()
	require.Len(t, reqs, 2)
	require.Equal(t, p2p.PeerID("p2"), reqs[1].Peer)

	c.OnBatchDownloaded(reqs[0], blocksFor(chain, reqs[0]))
	c.OnBatchDownloaded(reqs[1], inputs(fork))

	task := c.NextProcessable()
	require.NotNil(t, task)
	c.OnBatchProcessed(task.StartSlot, ProcessSuccess)

	// either batch may be wrong, both are downloaded again
	assert.Nil(t, c.NextProcessable())
	assert.Equal(t, []BatchStatus{BatchAwaitingDownload, BatchAwaitingDownload}, statuses(c))
	first, _ := c.Batch(1)
	assert.True(t, first.HasFailed("p1"))
	assert.Equal(t, 1, first.ProcessingAttempts)
	second, _ := c.Batch(5)
	assert.True(t, second.HasFailed("p2"))
	assert.Empty(t, c.takeFaults(), "blame waits for validation")
	assert.Equal(t, ChainSyncing, c.Status())

	retry := c.NextRequests()
	require.Len(t, retry, 2)
	assert.Equal(t, []p2p.PeerID{"p2", "p1"}, []p2p.PeerID{retry[0].Peer, retry[1].Peer}, "different peers")
	for _, req := range retry {
		c.OnBatchDownloaded(req, blocksFor(chain, req))
	}
	for task := c.NextProcessable(); task != nil; task = c.NextProcessable() {
		c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
	}
	assert.Equal(t, ChainDone, c.Status())
	assert.Equal(t, []PeerFault{{Peer: "p2", Err: ErrDiscontinuous}}, c.takeFaults())
}

func TestChainEmptyBatchIsNotValidatedByDiscontinuity(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 12)
	c := newTestChain(t, 12, chain[11].Root(), "honest", "liar")

	reqs := c.NextRequests()
	require.Len(t, reqs, 3)
	require.Equal(t, []p2p.PeerID{"honest", "liar", "honest"},
		[]p2p.PeerID{reqs[0].Peer, reqs[1].Peer, reqs[2].Peer})

	c.OnBatchDownloaded(reqs[0], blocksFor(chain, reqs[0]))
	c.OnBatchDownloaded(reqs[1], nil)
	c.OnBatchDownloaded(reqs[2], blocksFor(chain, reqs[2]))

	for task := c.NextProcessable(); task != nil; task = c.NextProcessable() {
		c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
	}
	assert.Equal(t, ChainSyncing, c.Status())
	assert.Equal(t, []BatchStatus{BatchAwaitingDownload, BatchAwaitingDownload, BatchAwaitingDownload}, statuses(c))
	empty, _ := c.Batch(5)
	assert.True(t, empty.HasFailed("liar"))
	assert.Empty(t, c.takeFaults())

	retry := c.NextRequests()
	require.Len(t, retry, 3)
	assert.Equal(t, []p2p.PeerID{"liar", "honest", "liar"},
		[]p2p.PeerID{retry[0].Peer, retry[1].Peer, retry[2].Peer})
	for _, req := range retry {
		c.OnBatchDownloaded(req, blocksFor(chain, req))
	}
	for task := c.NextProcessable(); task != nil; task = c.NextProcessable() {
		c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
	}
	assert.Equal(t, ChainDone, c.Status())
	assert.Equal(t, 3, c.DebugState().ValidatedBatches)
	assert.Equal(t, []PeerFault{{Peer: "liar", Err: ErrDiscontinuous}}, c.takeFaults())
}

func TestChainParentUnknownRedownloadsUnvalidated(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 8)
	c := newTestChain(t, 8, chain[7].Root(), "p1", "p2")

	reqs := c.NextRequests()
	require.Len(t, reqs, 2)
	c.OnBatchDownloaded(reqs[0], nil)
	c.OnBatchDownloaded(reqs[1], blocksFor(chain, reqs[1]))

	task := c.NextProcessable()
	require.NotNil(t, task)
	c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
	task = c.NextProcessable()
	require.NotNil(t, task)
	require.Equal(t, types.Slot(5), task.StartSlot)
	c.OnBatchProcessed(task.StartSlot, ProcessFailed)

	assert.Equal(t, []BatchStatus{BatchAwaitingDownload, BatchAwaitingDownload}, statuses(c))
	assert.Equal(t, types.Slot(1), c.DebugState().ProcessedSlot)
	first, _ := c.Batch(1)
	assert.True(t, first.HasFailed("p1"))
	assert.Empty(t, c.takeFaults())
}

func TestChainInvalidDownloadRecordsFault(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 8)
	testCases := map[string][]*types.BlockInput{
		"out of range": inputs(chain[4:5]),
		"descending":   inputs([]*types.SignedBeaconBlock{chain[1], chain[0]}),
		"unlinked":     inputs([]*types.SignedBeaconBlock{chain[0], chain[2]}),
	}
	for name, blocks := range testCases {
		blocks := blocks
		t.Run(name, func(t *testing.T) {
			c := newTestChain(t, 4, chain[3].Root(), "p1", "p2")
			reqs := c.NextRequests()
			require.Len(t, reqs, 1)

			c.OnBatchDownloaded(reqs[0], blocks)
			faults := c.takeFaults()
			require.Len(t, faults, 1)
			assert.Equal(t, reqs[0].Peer, faults[0].Peer)

			b, _ := c.Batch(1)
			assert.Equal(t, BatchAwaitingDownload, b.Status)
			assert.Equal(t, 1, b.DownloadAttempts)
		})
	}
}

func TestChainPeerDisconnectReschedulesBatch(t *testing.T) {
	c := newTestChain(t, 8, types.Root{0xff}, "p1", "p2")
	reqs := c.NextRequests()
	require.Len(t, reqs, 2)

	assert.False(t, c.RemovePeer("p1"))
	b, _ := c.Batch(1)
	assert.Equal(t, BatchAwaitingDownload, b.Status)
	assert.Zero(t, b.DownloadAttempts)
	assert.Equal(t, types.Slot(8), c.TargetSlot)

	retry := c.NextRequests()
	require.Len(t, retry, 1)
	assert.Equal(t, p2p.PeerID("p2"), retry[0].Peer)
	assert.Equal(t, types.Slot(1), retry[0].StartSlot)

	// the response of the cancelled request is ignored
	c.OnBatchDownloaded(reqs[0], nil)
	b, _ = c.Batch(1)
	assert.Equal(t, BatchDownloading, b.Status)
	assert.Equal(t, p2p.PeerID("p2"), b.Peer)
}

func TestChainAbandonedWhenPeersLeave(t *testing.T) {
	c := newTestChain(t, 8, types.Root{0xff}, "p1", "p2")
	c.NextRequests()
	assert.False(t, c.RemovePeer("p1"))
	assert.True(t, c.RemovePeer("p2"))
	assert.Equal(t, ChainAbandoned, c.Status())
	assert.Empty(t, c.NextRequests())
}

func TestChainFailsAfterDownloadAttempts(t *testing.T) {
	cfg := config.TestSyncConfig()
	c := newTestChain(t, 4, types.Root{0xff}, "p1")

	for i := 0; i < cfg.MaxBatchDownloadAttempts; i++ {
		reqs := c.NextRequests()
		require.Len(t, reqs, 1, "attempt %d", i+1)
		assert.Equal(t, p2p.PeerID("p1"), reqs[0].Peer, "failed peers are reused when none is left")
		c.OnBatchDownloadFailed(reqs[0], errTimeout)
	}
	assert.Equal(t, ChainError, c.Status())
	assert.Equal(t, []BatchStatus{BatchError}, statuses(c))
}

func TestChainProcessingFailures(t *testing.T) {
	cfg := config.TestSyncConfig()
	chain := factory.MakeChain(factory.GenesisRoot, 1, 4)
	c := newTestChain(t, 4, chain[3].Root(), "p1", "p2")

	for i := 0; i < cfg.MaxBatchProcessingAttempts; i++ {
		reqs := c.NextRequests()
		require.Len(t, reqs, 1)
		c.OnBatchDownloaded(reqs[0], blocksFor(chain, reqs[0]))
		task := c.NextProcessable()
		require.NotNil(t, task)

		outcome := ProcessFailed
		if i == 0 {
			outcome = ProcessRejected
		}
		c.OnBatchProcessed(task.StartSlot, outcome)
	}
	faults := c.takeFaults()
	require.Len(t, faults, 1)
	assert.Equal(t, p2p.PeerID("p1"), faults[0].Peer)
	assert.ErrorIs(t, faults[0].Err, ErrBatchRejected)
	assert.Equal(t, ChainError, c.Status())
}

func TestChainTargetExtension(t *testing.T) {
	chain := factory.MakeChain(factory.GenesisRoot, 1, 8)
	c := newTestChain(t, 4, chain[3].Root(), "p1")

	reqs := c.NextRequests()
	require.Len(t, reqs, 1)
	assert.False(t, c.UpdateTarget(3, types.Root{}))
	assert.True(t, c.UpdateTarget(8, chain[7].Root()))

	more := c.NextRequests()
	require.Len(t, more, 1)
	assert.Equal(t, types.Slot(5), more[0].StartSlot)

	c.OnBatchDownloaded(reqs[0], blocksFor(chain, reqs[0]))
	c.OnBatchDownloaded(more[0], blocksFor(chain, more[0]))
	for task := c.NextProcessable(); task != nil; task = c.NextProcessable() {
		c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
	}
	assert.Equal(t, ChainDone, c.Status())
}

func TestChainNotDoneWithoutTargetRoot(t *testing.T) {
	cfg := config.TestSyncConfig()
	chain := factory.MakeChain(factory.GenesisRoot, 1, 8)
	c := newTestChain(t, 8, chain[7].Root(), "p1")

	for i := 0; i < cfg.MaxBatchProcessingAttempts; i++ {
		reqs := c.NextRequests()
		require.Len(t, reqs, 2, "round %d", i+1)
		for _, req := range reqs {
			c.OnBatchDownloaded(req, nil)
		}
		for task := c.NextProcessable(); task != nil; task = c.NextProcessable() {
			c.OnBatchProcessed(task.StartSlot, ProcessSuccess)
		}
		if i == 0 {
			assert.Equal(t, ChainSyncing, c.Status())
			b, _ := c.Batch(1)
			assert.Equal(t, BatchAwaitingDownload, b.Status)
			assert.Equal(t, 1, b.ProcessingAttempts)
			assert.Zero(t, c.DebugState().ValidatedBatches)
		}
	}
	assert.Equal(t, ChainError, c.Status())
}

func TestBatchTransitions(t *testing.T) {
	b := newBatch(1, 4)
	require.ErrorIs(t, b.startProcessing(types.Root{}, false), errWrongBatchStatus)
	require.NoError(t, b.startDownloading("p1", 1))
	require.ErrorIs(t, b.startDownloading("p1", 2), errWrongBatchStatus)
	require.NoError(t, b.downloadSuccess(nil))
	require.NoError(t, b.startProcessing(types.Root{}, false))
	require.NoError(t, b.processingSuccess())
	require.ErrorIs(t, b.retry(), errWrongBatchStatus)
	require.NoError(t, b.validationFailed())
	require.NoError(t, b.retry())

	chain := factory.MakeChain(factory.GenesisRoot, 1, 4)
	require.NoError(t, b.startDownloading("p2", 2))
	require.NoError(t, b.downloadSuccess(inputs(chain)))
	require.NoError(t, b.startProcessing(types.Root{}, false))
	require.NoError(t, b.processingSuccess())
	wrong, err := b.validated()
	require.NoError(t, err)
	assert.Equal(t, []p2p.PeerID{"p1"}, wrong)
	assert.Equal(t, BatchDone, b.Status)
	assert.Equal(t, "Done", b.Status.String())
	assert.Equal(t, types.Slot(5), b.EndSlot())
	assert.Equal(t, &types.BeaconBlocksByRangeRequest{StartSlot: 1, Count: 4, Step: 1}, b.Request())
}
