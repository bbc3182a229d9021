/*
Package blocksync implements the Reactor, the service that keeps the local
chain in sync with its peers.

Peers advertise their chain with a Status message. When a peer is ahead, the
Reactor hands it to range sync (package rangesync), which downloads the
missing slot range in batches using BeaconBlocksByRange and feeds the batches,
in slot order, to the block processing pipeline. Blocks learned from gossip
whose parent is unknown, and blocks whose blobs are missing, go to the
unknown block resolver (package unknown), which fetches them by root.

Both state machines are owned by a single goroutine, the event loop. Other
subsystems never touch them directly; they call the Report* methods, which
enqueue an event and return immediately. Network requests and block imports
run on their own goroutines and post their results back to the loop.

The Reactor derives a SyncState from the chains it runs and from how far the
local head trails the best peer:

	Stalled           no useful peer, or behind with nothing to sync from
	SyncingFinalized  a finalized range chain is active
	SyncingHead       only head range chains are active
	Synced            the head is within SlotImportTolerance of the best peer
*/
package blocksync
