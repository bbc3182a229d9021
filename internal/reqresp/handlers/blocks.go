package handlers

import (
	"context"
	"fmt"

	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/types"
)

func (h *Handlers) onBeaconBlocksByRange(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	r := new(types.BeaconBlocksByRangeRequest)
	if err := decode(req.Body, r); err != nil {
		return err
	}
	if r.Count == 0 {
		return reqresp.NewInvalidRequest("count must be positive")
	}
	if r.Step == 0 {
		return reqresp.NewInvalidRequest("step must be positive")
	}
	count := r.Count
	if count > types.MaxRequestBlocks {
		count = types.MaxRequestBlocks
	}

	return h.forEachBlockInRange(ctx, r.StartSlot, count, r.Step, func(block *types.SignedBeaconBlock) error {
		return reqresp.WriteSSZ(w, h.digest, block)
	})
}

// forEachBlockInRange loads the range window by window and calls fn for
// every block outside of the store iteration.
func (h *Handlers) forEachBlockInRange(
	ctx context.Context,
	start types.Slot,
	count, step uint64,
	fn func(*types.SignedBeaconBlock) error,
) error {
	for done := uint64(0); done < count; {
		n := count - done
		if n > rangeWindow {
			n = rangeWindow
		}
		windowStart := start + types.Slot(done*step)

		var window []*types.SignedBeaconBlock
		err := h.blocks.IterateBlocks(windowStart, n, step, func(b *types.SignedBeaconBlock) (bool, error) {
			window = append(window, b)
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("load blocks from slot %d: %w", windowStart, err)
		}
		for _, b := range window {
			if err := fn(b); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (h *Handlers) onBeaconBlocksByRoot(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	var roots types.BeaconBlocksByRootRequest
	if err := decode(req.Body, &roots); err != nil {
		return err
	}
	for _, root := range roots {
		block, err := h.blocks.LoadBlock(root)
		if err != nil {
			return fmt.Errorf("load block %s: %w", root, err)
		}
		// unknown roots are skipped
		if block == nil {
			continue
		}
		if err := reqresp.WriteSSZ(w, h.digest, block); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) onBlobSidecarsByRange(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	r := new(types.BlobSidecarsByRangeRequest)
	if err := decode(req.Body, r); err != nil {
		return err
	}
	if r.Count == 0 {
		return reqresp.NewInvalidRequest("count must be positive")
	}
	count := r.Count
	if limit := uint64(types.MaxRequestBlobSidecars / types.MaxBlobsPerBlock); count > limit {
		count = limit
	}

	return h.forEachBlockInRange(ctx, r.StartSlot, count, 1, func(block *types.SignedBeaconBlock) error {
		if len(block.Message.BlobKzgCommitments) == 0 {
			return nil
		}
		sidecars, err := h.blocks.LoadBlobs(block.Root())
		if err != nil {
			return fmt.Errorf("load blobs of %s: %w", block.Root(), err)
		}
		for _, sc := range sidecars {
			if err := reqresp.WriteSSZ(w, h.digest, sc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handlers) onBlobSidecarsByRoot(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	var ids types.BlobSidecarsByRootRequest
	if err := decode(req.Body, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		sc, err := h.blocks.LoadBlob(id)
		if err != nil {
			return fmt.Errorf("load blob %s/%d: %w", id.BlockRoot, id.Index, err)
		}
		if sc == nil {
			continue
		}
		if err := reqresp.WriteSSZ(w, h.digest, sc); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
