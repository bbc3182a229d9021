package handlers

import (
	"context"

	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/types"
)

var errNoLightClient = reqresp.NewResourceUnavailable("light client server not available")

func (h *Handlers) writeLightClientObject(w reqresp.ChunkWriter, bz []byte, err error) error {
	if err != nil {
		return err
	}
	if bz == nil {
		return reqresp.NewResourceUnavailable("light client object not available")
	}
	return w.WriteChunk(h.digest, bz)
}

func (h *Handlers) onLightClientBootstrap(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	if h.lightClient == nil {
		return errNoLightClient
	}
	if len(req.Body) != types.RootLength {
		return reqresp.NewInvalidRequest("malformed block root")
	}
	var root types.Root
	copy(root[:], req.Body)
	bz, err := h.lightClient.Bootstrap(ctx, root)
	return h.writeLightClientObject(w, bz, err)
}

func (h *Handlers) onLightClientUpdatesByRange(ctx context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	if h.lightClient == nil {
		return errNoLightClient
	}
	r := new(types.LightClientUpdatesByRange)
	if err := decode(req.Body, r); err != nil {
		return err
	}
	if r.Count == 0 {
		return reqresp.NewInvalidRequest("count must be positive")
	}
	count := r.Count
	if count > types.MaxRequestLightClientUpdates {
		count = types.MaxRequestLightClientUpdates
	}

	updates, err := h.lightClient.UpdatesByRange(ctx, r.StartPeriod, count)
	if err != nil {
		return err
	}
	for _, bz := range updates {
		if err := w.WriteChunk(h.digest, bz); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) onLightClientFinalityUpdate(ctx context.Context, _ reqresp.Request, w reqresp.ChunkWriter) error {
	if h.lightClient == nil {
		return errNoLightClient
	}
	bz, err := h.lightClient.FinalityUpdate(ctx)
	return h.writeLightClientObject(w, bz, err)
}

func (h *Handlers) onLightClientOptimisticUpdate(ctx context.Context, _ reqresp.Request, w reqresp.ChunkWriter) error {
	if h.lightClient == nil {
		return errNoLightClient
	}
	bz, err := h.lightClient.OptimisticUpdate(ctx)
	return h.writeLightClientObject(w, bz, err)
}
