package reqresp

import (
	"context"
	"errors"
	"time"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp/encoding"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/libs/service"
)

var _ service.Service = (*Server)(nil)

// Server serves inbound request streams through a Dispatcher.
type Server struct {
	service.BaseService
	logger log.Logger

	host       p2p.StreamHost
	dispatcher *Dispatcher
	app        string
	cfg        *config.ReqRespConfig
	metrics    *Metrics

	limiter  *peerLimiter
	inflight chan struct{}
	protos   []ProtocolID

	// ctx is the service context, set in OnStart.
	ctx context.Context
}

// NewServer returns a server for every protocol registered on dispatcher.
// Handlers must be registered before the server is started.
func NewServer(
	logger log.Logger,
	host p2p.StreamHost,
	dispatcher *Dispatcher,
	app string,
	cfg *config.ReqRespConfig,
	metrics *Metrics,
) *Server {
	s := &Server{
		logger:     logger,
		host:       host,
		dispatcher: dispatcher,
		app:        app,
		cfg:        cfg,
		metrics:    metrics,
		limiter:    newPeerLimiter(cfg.PeerRequestRate),
		inflight:   make(chan struct{}, cfg.MaxConcurrentInbound),
	}
	s.BaseService = *service.NewBaseService(logger, "ReqRespServer", s)
	return s
}

// OnStart installs a stream handler per registered protocol.
func (s *Server) OnStart(ctx context.Context) error {
	s.ctx = ctx
	s.protos = s.dispatcher.Protocols(s.app)
	for _, proto := range s.protos {
		s.host.SetStreamHandler(proto.String(), s.handleStream)
	}
	s.logger.Info("serving request/response protocols", "count", len(s.protos))
	return nil
}

// OnStop removes the stream handlers.
func (s *Server) OnStop() {
	for _, proto := range s.protos {
		s.host.RemoveStreamHandler(proto.String())
	}
}

func (s *Server) handleStream(peer p2p.PeerID, protocol string, stream p2p.Stream) {
	logger := s.logger.With("peer", peer, "protocol", protocol)

	proto, err := ParseProtocolID(protocol)
	if err != nil {
		logger.Debug("rejecting stream", "err", err)
		_ = stream.Reset()
		return
	}

	method := proto.Method.String()
	s.metrics.Requests.With("method", method, "direction", directionInbound).Add(1)
	start := time.Now()
	defer func() {
		s.metrics.RequestDuration.With("method", method, "direction", directionInbound).
			Observe(time.Since(start).Seconds())
	}()

	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	default:
		s.metrics.RateLimited.Add(1)
		s.refuse(stream, &ResponseError{Code: ResourceUnavailable, Message: "too many concurrent requests"}, logger)
		return
	}
	s.limiter.Take(peer)

	if err := s.serve(peer, proto, stream, logger); err != nil {
		s.metrics.RequestErrors.With("method", method, "direction", directionInbound).Add(1)
		logger.Debug("failed to serve request", "err", err)
		_ = stream.Reset()
		return
	}
	_ = stream.Close()
}

func (s *Server) serve(peer p2p.PeerID, proto ProtocolID, stream p2p.Stream, logger log.Logger) error {
	schema := proto.Method.Schema()

	if err := stream.SetReadDeadline(time.Now().Add(s.cfg.TTFBTimeout)); err != nil {
		return err
	}
	body, err := encoding.DecodeRequest(stream, schema)
	if err != nil {
		var decodeErr *encoding.DecodeError
		if errors.As(err, &decodeErr) {
			s.refuse(stream, &ResponseError{Code: InvalidRequest, Message: err.Error()}, logger)
			return nil
		}
		return err
	}
	if err := stream.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	method := proto.Method.String()
	for chunk := range s.dispatcher.Dispatch(ctx, peer, proto, body) {
		if err := stream.SetWriteDeadline(time.Now().Add(s.cfg.RespTimeout)); err != nil {
			return err
		}
		if chunk.Err != nil {
			return encoding.EncodeErrorChunk(stream, chunk.Err.Code, chunk.Err.Message)
		}
		if err := encoding.EncodeResponseChunk(stream, schema, chunk.Context, chunk.Data); err != nil {
			return err
		}
		s.metrics.Chunks.With("method", method, "direction", directionInbound).Add(1)
	}
	return stream.CloseWrite()
}

// refuse writes a single error chunk and closes the stream.
func (s *Server) refuse(stream p2p.Stream, respErr *ResponseError, logger log.Logger) {
	_ = stream.SetWriteDeadline(time.Now().Add(s.cfg.RespTimeout))
	if err := encoding.EncodeErrorChunk(stream, respErr.Code, respErr.Message); err != nil {
		logger.Debug("failed to write error chunk", "err", err)
		_ = stream.Reset()
		return
	}
	_ = stream.CloseWrite()
	_ = stream.Close()
}
