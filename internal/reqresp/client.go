package reqresp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp/encoding"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// Client sends requests to peers.
type Client struct {
	logger  log.Logger
	opener  p2p.StreamOpener
	app     string
	digest  types.ForkDigest
	cfg     *config.ReqRespConfig
	metrics *Metrics
	limiter *peerLimiter
}

// NewClient returns a client opening streams through opener. Chunks of
// versioned methods must carry digest as their context bytes.
func NewClient(
	logger log.Logger,
	opener p2p.StreamOpener,
	app string,
	digest types.ForkDigest,
	cfg *config.ReqRespConfig,
	metrics *Metrics,
) *Client {
	return &Client{
		logger:  logger,
		opener:  opener,
		app:     app,
		digest:  digest,
		cfg:     cfg,
		metrics: metrics,
		limiter: newPeerLimiter(cfg.PeerRequestRate),
	}
}

// SendRequest sends body to peer and calls fn with every success chunk as it
// arrives. The whole exchange is bounded by the request timeout; the first
// chunk must arrive within the TTFB timeout and every further chunk within
// the response timeout. Returning an error from fn aborts the exchange.
func (c *Client) SendRequest(
	ctx context.Context,
	peer p2p.PeerID,
	method Method,
	body []byte,
	fn func(encoding.Chunk) error,
) (err error) {
	version := method.Versions()[len(method.Versions())-1]
	proto := NewProtocolID(c.app, method, version)
	name := method.String()
	logger := c.logger.With("peer", peer, "protocol", proto, "request_id", uuid.NewString())

	c.metrics.Requests.With("method", name, "direction", directionOutbound).Add(1)
	start := time.Now()
	defer func() {
		c.metrics.RequestDuration.With("method", name, "direction", directionOutbound).
			Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.RequestErrors.With("method", name, "direction", directionOutbound).Add(1)
			logger.Debug("request failed", "err", err)
			err = &RequestError{Peer: peer.String(), Protocol: proto, Err: err}
		}
	}()

	c.limiter.Take(peer)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	stream, err := c.opener.OpenStream(ctx, peer, proto.String())
	if err != nil {
		if ctx.Err() != nil {
			return classify(ctx, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}

	// reset the stream when the request is cancelled or times out
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Reset()
		case <-done:
		}
	}()

	if err := c.exchange(ctx, stream, method, body, fn, logger); err != nil {
		_ = stream.Reset()
		return classify(ctx, err)
	}
	return stream.Close()
}

func (c *Client) exchange(
	ctx context.Context,
	stream p2p.Stream,
	method Method,
	body []byte,
	fn func(encoding.Chunk) error,
	logger log.Logger,
) error {
	schema := method.Schema()
	deadline, _ := ctx.Deadline()

	if err := stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := encoding.EncodeRequest(stream, schema, body); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return err
	}

	if err := stream.SetReadDeadline(earliest(deadline, time.Now().Add(c.cfg.TTFBTimeout))); err != nil {
		return err
	}
	rec := &readRecorder{r: stream}
	dec := encoding.NewResponseDecoder(rec, schema)
	var n int
	for dec.Next() {
		n++
		c.metrics.Chunks.With("method", method.String(), "direction", directionOutbound).Add(1)
		chunk := dec.Chunk()
		if schema.ContextBytes && chunk.Context != c.digest {
			return fmt.Errorf("%w: fork digest %x, expected %x", ErrValidationRejected, chunk.Context, c.digest)
		}
		if err := fn(chunk); err != nil {
			return err
		}
		if err := stream.SetReadDeadline(earliest(deadline, time.Now().Add(c.cfg.RespTimeout))); err != nil {
			return err
		}
	}
	if err := dec.Err(); err != nil {
		// a failed read is the cause of whatever the decoder reports
		if rec.err != nil {
			return rec.err
		}
		return err
	}
	logger.Debug("request completed", "chunks", n)
	return nil
}

// readRecorder remembers the last transport error seen by the decoder.
type readRecorder struct {
	r   io.Reader
	err error
}

func (rr *readRecorder) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		rr.err = err
	}
	return n, err
}

// classify maps transport failures onto the package errors. Response and
// validation errors pass through unchanged.
func classify(ctx context.Context, err error) error {
	var respErr *ResponseError
	switch {
	case errors.As(err, &respErr):
		return err
	case errors.Is(err, ErrValidationRejected):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrPeerTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}

	var decodeErr *encoding.DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	// anything else is a broken stream
	return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

//-----------------------------------------------------------------------------
// typed requests

func decodeSSZ(chunk encoding.Chunk, v interface{ UnmarshalSSZ([]byte) error }) error {
	if err := v.UnmarshalSSZ(chunk.Data); err != nil {
		return &encoding.DecodeError{Op: "ssz", Err: err}
	}
	return nil
}

// single runs a request expecting exactly one chunk.
func (c *Client) single(ctx context.Context, peer p2p.PeerID, method Method, body []byte, v interface{ UnmarshalSSZ([]byte) error }) error {
	var got int
	err := c.SendRequest(ctx, peer, method, body, func(chunk encoding.Chunk) error {
		got++
		if got > 1 {
			return fmt.Errorf("%w: more than one chunk", ErrValidationRejected)
		}
		return decodeSSZ(chunk, v)
	})
	if err != nil {
		return err
	}
	if got == 0 {
		return &RequestError{Peer: peer.String(), Protocol: NewProtocolID(c.app, method, method.Versions()[0]),
			Err: fmt.Errorf("%w: empty response", ErrValidationRejected)}
	}
	return nil
}

// Status exchanges status messages with peer.
func (c *Client) Status(ctx context.Context, peer p2p.PeerID, local *types.Status) (*types.Status, error) {
	body, err := local.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	remote := new(types.Status)
	if err := c.single(ctx, peer, MethodStatus, body, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// Ping sends our metadata sequence number and returns the peer's.
func (c *Client) Ping(ctx context.Context, peer p2p.PeerID, seq uint64) (uint64, error) {
	req := types.SSZUint64(seq)
	body, _ := req.MarshalSSZ()
	var resp types.SSZUint64
	if err := c.single(ctx, peer, MethodPing, body, &resp); err != nil {
		return 0, err
	}
	return uint64(resp), nil
}

// Metadata requests the peer's metadata.
func (c *Client) Metadata(ctx context.Context, peer p2p.PeerID) (*types.MetaData, error) {
	md := new(types.MetaData)
	if err := c.single(ctx, peer, MethodMetadata, nil, md); err != nil {
		return nil, err
	}
	return md, nil
}

// Goodbye tells the peer why we disconnect. The response, if any, is
// ignored.
func (c *Client) Goodbye(ctx context.Context, peer p2p.PeerID, reason types.SSZUint64) error {
	body, _ := reason.MarshalSSZ()
	return c.SendRequest(ctx, peer, MethodGoodbye, body, func(encoding.Chunk) error { return nil })
}

// BeaconBlocksByRange fetches blocks in [StartSlot, StartSlot+Count*Step).
// The response must be in strictly increasing slot order, inside the range
// and aligned to Step.
func (c *Client) BeaconBlocksByRange(ctx context.Context, peer p2p.PeerID, req *types.BeaconBlocksByRangeRequest) ([]*types.SignedBeaconBlock, error) {
	if req.Count == 0 || req.Count > types.MaxRequestBlocks {
		return nil, fmt.Errorf("invalid request count %d", req.Count)
	}
	body, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	step := req.Step
	if step == 0 {
		step = 1
	}
	end := req.StartSlot + types.Slot(req.Count*step)

	var blocks []*types.SignedBeaconBlock
	err = c.SendRequest(ctx, peer, MethodBeaconBlocksByRange, body, func(chunk encoding.Chunk) error {
		if uint64(len(blocks)) >= req.Count {
			return fmt.Errorf("%w: more blocks than requested", ErrValidationRejected)
		}
		block := new(types.SignedBeaconBlock)
		if err := decodeSSZ(chunk, block); err != nil {
			return err
		}
		slot := block.Slot()
		if slot < req.StartSlot || slot >= end || uint64(slot-req.StartSlot)%step != 0 {
			return fmt.Errorf("%w: block slot %d outside requested range", ErrValidationRejected, slot)
		}
		if n := len(blocks); n > 0 && blocks[n-1].Slot() >= slot {
			return fmt.Errorf("%w: blocks not in ascending slot order", ErrValidationRejected)
		}
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// BeaconBlocksByRoot fetches the blocks with the given roots. Blocks the peer
// does not have are simply missing from the result.
func (c *Client) BeaconBlocksByRoot(ctx context.Context, peer p2p.PeerID, roots []types.Root) ([]*types.SignedBeaconBlock, error) {
	req := types.BeaconBlocksByRootRequest(roots)
	body, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	wanted := make(map[types.Root]bool, len(roots))
	for _, r := range roots {
		wanted[r] = true
	}

	var blocks []*types.SignedBeaconBlock
	err = c.SendRequest(ctx, peer, MethodBeaconBlocksByRoot, body, func(chunk encoding.Chunk) error {
		block := new(types.SignedBeaconBlock)
		if err := decodeSSZ(chunk, block); err != nil {
			return err
		}
		root := block.Root()
		if !wanted[root] {
			return fmt.Errorf("%w: unrequested block %s", ErrValidationRejected, root)
		}
		delete(wanted, root)
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// BlobSidecarsByRoot fetches the identified blob sidecars.
func (c *Client) BlobSidecarsByRoot(ctx context.Context, peer p2p.PeerID, ids []types.BlobIdentifier) ([]*types.BlobSidecar, error) {
	req := types.BlobSidecarsByRootRequest(ids)
	body, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	wanted := make(map[types.BlobIdentifier]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var sidecars []*types.BlobSidecar
	err = c.SendRequest(ctx, peer, MethodBlobSidecarsByRoot, body, func(chunk encoding.Chunk) error {
		sc := new(types.BlobSidecar)
		if err := decodeSSZ(chunk, sc); err != nil {
			return err
		}
		if !wanted[sc.ID()] {
			return fmt.Errorf("%w: unrequested blob sidecar %s/%d", ErrValidationRejected, sc.BlockRoot, sc.Index)
		}
		delete(wanted, sc.ID())
		sidecars = append(sidecars, sc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sidecars, nil
}

// BlobSidecarsByRange fetches the blob sidecars of blocks in
// [StartSlot, StartSlot+Count).
func (c *Client) BlobSidecarsByRange(ctx context.Context, peer p2p.PeerID, req *types.BlobSidecarsByRangeRequest) ([]*types.BlobSidecar, error) {
	body, err := req.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	end := req.StartSlot + types.Slot(req.Count)
	limit := req.Count * types.MaxBlobsPerBlock

	var sidecars []*types.BlobSidecar
	err = c.SendRequest(ctx, peer, MethodBlobSidecarsByRange, body, func(chunk encoding.Chunk) error {
		if uint64(len(sidecars)) >= limit {
			return fmt.Errorf("%w: more blob sidecars than requested", ErrValidationRejected)
		}
		sc := new(types.BlobSidecar)
		if err := decodeSSZ(chunk, sc); err != nil {
			return err
		}
		if sc.Slot < req.StartSlot || sc.Slot >= end {
			return fmt.Errorf("%w: blob sidecar slot %d outside requested range", ErrValidationRejected, sc.Slot)
		}
		if n := len(sidecars); n > 0 && sidecars[n-1].Slot > sc.Slot {
			return fmt.Errorf("%w: blob sidecars not in ascending slot order", ErrValidationRejected)
		}
		sidecars = append(sidecars, sc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sidecars, nil
}
