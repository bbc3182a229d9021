package reqresp

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	ssz "github.com/ferranbt/fastssz"

	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

// genericServerError is the only message sent to peers for handler failures.
const genericServerError = "internal error"

// defaultChunkBuffer is the number of chunks a handler may produce ahead of
// the stream writer.
const defaultChunkBuffer = 16

// Request is a decoded inbound request.
type Request struct {
	Peer     p2p.PeerID
	Protocol ProtocolID
	Body     []byte
}

// ResponseChunk is one item of a response. A chunk with Err set is the last
// one of a failed response.
type ResponseChunk struct {
	Context types.ForkDigest
	Data    []byte
	Err     *ResponseError
}

// ChunkWriter hands success chunks to the consumer of a response.
type ChunkWriter interface {
	// WriteChunk blocks until the consumer accepts the chunk. It fails once
	// the request is cancelled, after which the handler should return.
	WriteChunk(digest types.ForkDigest, data []byte) error
}

// WriteSSZ marshals v and writes it as a chunk.
func WriteSSZ(w ChunkWriter, digest types.ForkDigest, v ssz.Marshaler) error {
	bz, err := v.MarshalSSZ()
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return w.WriteChunk(digest, bz)
}

// Handler serves one request. Handlers producing many chunks must write them
// as they are loaded so that a slow reader applies backpressure. Returning
// a *ResponseError with code InvalidRequest or ResourceUnavailable sends it
// to the peer; any other error is reported as a generic ServerError.
type Handler func(ctx context.Context, req Request, w ChunkWriter) error

type handlerKey struct {
	method  Method
	version int
}

// Dispatcher maps (method, version) pairs to handlers. Registration happens
// once at startup; dispatch is safe for concurrent use.
type Dispatcher struct {
	logger      log.Logger
	chunkBuffer int

	mtx      sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger log.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		chunkBuffer: defaultChunkBuffer,
		handlers:    make(map[handlerKey]Handler),
	}
}

// Register installs the handler of a (method, version) pair. Unknown
// methods, unknown versions and duplicates are rejected.
func (d *Dispatcher) Register(method Method, version int, h Handler) error {
	if !method.Valid() {
		return fmt.Errorf("%w: %v", ErrProtocolUnsupported, method)
	}
	if !method.SupportsVersion(version) {
		return fmt.Errorf("%w: %v version %d", ErrProtocolUnsupported, method, version)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %v", method)
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	key := handlerKey{method, version}
	if _, ok := d.handlers[key]; ok {
		return fmt.Errorf("%w: %v/%d", ErrDuplicateHandler, method, version)
	}
	d.handlers[key] = h
	return nil
}

// Protocols returns the protocol ids of all registered handlers.
func (d *Dispatcher) Protocols(app string) []ProtocolID {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	protos := make([]ProtocolID, 0, len(d.handlers))
	for key := range d.handlers {
		protos = append(protos, NewProtocolID(app, key.method, key.version))
	}
	sort.Slice(protos, func(i, j int) bool {
		if protos[i].Method != protos[j].Method {
			return protos[i].Method < protos[j].Method
		}
		return protos[i].Version < protos[j].Version
	})
	return protos
}

func (d *Dispatcher) handler(proto ProtocolID) (Handler, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	h, ok := d.handlers[handlerKey{proto.Method, proto.Version}]
	return h, ok
}

// Dispatch runs the handler of proto and returns its chunks. The channel is
// closed after the last chunk. Cancelling ctx stops the handler; the caller
// does not need to drain the channel after that.
func (d *Dispatcher) Dispatch(ctx context.Context, peer p2p.PeerID, proto ProtocolID, body []byte) <-chan ResponseChunk {
	h, ok := d.handler(proto)
	if !ok {
		out := make(chan ResponseChunk, 1)
		out <- ResponseChunk{Err: &ResponseError{Code: ServerError, Message: ErrProtocolUnsupported.Error()}}
		close(out)
		return out
	}

	out := make(chan ResponseChunk, d.chunkBuffer)
	w := &chanWriter{ctx: ctx, out: out}
	req := Request{Peer: peer, Protocol: proto, Body: body}
	logger := d.logger.With("peer", peer, "protocol", proto)

	go func() {
		defer close(out)
		if err := d.run(ctx, h, req, w, logger); err != nil {
			w.writeErr(err)
		}
	}()
	return out
}

// run calls the handler and converts its failure, including a panic, to
// the error sent to the peer.
func (d *Dispatcher) run(ctx context.Context, h Handler, req Request, w ChunkWriter, logger log.Logger) (rerr *ResponseError) {
	defer func() {
		if e := recover(); e != nil {
			logger.Error(
				"recovering from request handler panic",
				"err", e,
				"stack", string(debug.Stack()),
			)
			rerr = &ResponseError{Code: ServerError, Message: genericServerError}
		}
	}()

	err := h(ctx, req, w)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var respErr *ResponseError
	if errors.As(err, &respErr) && (respErr.Code == InvalidRequest || respErr.Code == ResourceUnavailable) {
		logger.Debug("request refused", "code", respErr.Code, "reason", respErr.Message)
		return respErr
	}
	logger.Error("request handler failed", "err", err)
	return &ResponseError{Code: ServerError, Message: genericServerError}
}

type chanWriter struct {
	ctx context.Context
	out chan<- ResponseChunk
}

func (w *chanWriter) WriteChunk(digest types.ForkDigest, data []byte) error {
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case w.out <- ResponseChunk{Context: digest, Data: data}:
		return nil
	}
}

func (w *chanWriter) writeErr(err *ResponseError) {
	select {
	case <-w.ctx.Done():
	case w.out <- ResponseChunk{Err: err}:
	}
}
