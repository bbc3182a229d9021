package p2ptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dannbbb1/lodestar/internal/p2p"
)

// ErrStreamReset is returned by reads and writes on a reset stream.
var ErrStreamReset = errors.New("stream reset")

// Network is an in-memory network of hosts exchanging streams through pipes.
type Network struct {
	mtx   sync.Mutex
	hosts map[p2p.PeerID]*Host
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{hosts: make(map[p2p.PeerID]*Host)}
}

// Host returns the host for id, creating it on first use.
func (n *Network) Host(id p2p.PeerID) *Host {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	h, ok := n.hosts[id]
	if !ok {
		h = &Host{id: id, network: n, handlers: make(map[string]p2p.StreamHandler)}
		n.hosts[id] = h
	}
	return h
}

// Remove takes a host off the network. Streams to it can no longer be opened.
func (n *Network) Remove(id p2p.PeerID) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.hosts, id)
}

func (n *Network) lookup(id p2p.PeerID) (*Host, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	h, ok := n.hosts[id]
	return h, ok
}

// Host is an in-memory p2p.StreamHost.
type Host struct {
	id      p2p.PeerID
	network *Network

	mtx      sync.Mutex
	handlers map[string]p2p.StreamHandler
}

var _ p2p.StreamHost = (*Host)(nil)

// ID returns the host's peer id.
func (h *Host) ID() p2p.PeerID { return h.id }

// SetStreamHandler implements p2p.StreamHost.
func (h *Host) SetStreamHandler(protocol string, handler p2p.StreamHandler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.handlers[protocol] = handler
}

// RemoveStreamHandler implements p2p.StreamHost.
func (h *Host) RemoveStreamHandler(protocol string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.handlers, protocol)
}

func (h *Host) handler(protocols []string) (string, p2p.StreamHandler, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, proto := range protocols {
		if handler, ok := h.handlers[proto]; ok {
			return proto, handler, true
		}
	}
	return "", nil, false
}

// OpenStream implements p2p.StreamOpener. The remote handler runs in its own
// goroutine.
func (h *Host) OpenStream(ctx context.Context, peer p2p.PeerID, protocols ...string) (p2p.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := h.network.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("peer %s not connected", peer)
	}
	proto, handler, ok := remote.handler(protocols)
	if !ok {
		return nil, p2p.ErrNoStreamHandler
	}

	local, theirs := NewStreamPair()
	go handler(h.id, proto, theirs)
	return local, nil
}

// Stream is one end of an in-memory stream pair.
type Stream struct {
	r *io.PipeReader
	w *io.PipeWriter

	mtx      sync.Mutex
	timer    *time.Timer
	abortErr error
}

var _ p2p.Stream = (*Stream)(nil)

// NewStreamPair returns two connected stream ends.
func NewStreamPair() (*Stream, *Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &Stream{r: ar, w: aw}, &Stream{r: br, w: bw}
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	return n, s.localErr(err)
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	return n, s.localErr(err)
}

// localErr replaces the generic closed-pipe error with the reason this end
// was aborted.
func (s *Stream) localErr(err error) error {
	if err == nil {
		return nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.abortErr != nil {
		return s.abortErr
	}
	return err
}

// CloseWrite signals EOF to the remote reader.
func (s *Stream) CloseWrite() error { return s.w.Close() }

// Close closes both directions.
func (s *Stream) Close() error {
	s.stopTimer()
	_ = s.w.Close()
	return s.r.Close()
}

// Reset aborts both directions with ErrStreamReset.
func (s *Stream) Reset() error {
	s.stopTimer()
	s.abort(ErrStreamReset)
	return nil
}

func (s *Stream) abort(err error) {
	s.mtx.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.mtx.Unlock()
	_ = s.w.CloseWithError(err)
	_ = s.r.CloseWithError(err)
}

// SetDeadline aborts the stream with os.ErrDeadlineExceeded at t.
func (s *Stream) SetDeadline(t time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if t.IsZero() {
		return nil
	}
	s.timer = time.AfterFunc(time.Until(t), func() { s.abort(os.ErrDeadlineExceeded) })
	return nil
}

// SetReadDeadline behaves like SetDeadline.
func (s *Stream) SetReadDeadline(t time.Time) error { return s.SetDeadline(t) }

// SetWriteDeadline behaves like SetDeadline.
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.SetDeadline(t) }

func (s *Stream) stopTimer() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
