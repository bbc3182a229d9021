package p2p

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoStreamHandler is returned when the remote does not speak any of the
// requested protocols.
var ErrNoStreamHandler = errors.New("protocols not supported")

// Stream is a bidirectional byte stream to a peer for a single protocol.
// libp2p's network.Stream satisfies it.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the stream for writing. Reads still work.
	CloseWrite() error
	Close() error
	// Reset aborts both directions.
	Reset() error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// StreamHandler serves an inbound stream opened by peer for protocol.
// The handler owns the stream and must close or reset it.
type StreamHandler func(peer PeerID, protocol string, s Stream)

// StreamOpener opens outbound streams.
type StreamOpener interface {
	// OpenStream opens a stream to peer speaking the first of protocols the
	// remote supports.
	OpenStream(ctx context.Context, peer PeerID, protocols ...string) (Stream, error)
}

// StreamHost opens outbound streams and accepts inbound ones.
type StreamHost interface {
	StreamOpener
	SetStreamHandler(protocol string, handler StreamHandler)
	RemoveStreamHandler(protocol string)
}
