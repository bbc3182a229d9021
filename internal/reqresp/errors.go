package reqresp

import (
	"errors"
	"fmt"

	"github.com/dannbbb1/lodestar/internal/reqresp/encoding"
)

var (
	// ErrProtocolUnsupported is returned for an unregistered or unknown
	// (method, version) pair.
	ErrProtocolUnsupported = errors.New("protocol unsupported")

	// ErrPeerTimeout is returned when a request exceeds its deadline.
	ErrPeerTimeout = errors.New("peer timeout")

	// ErrPeerDisconnected is returned when the stream can not be opened or
	// ends mid-response.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrValidationRejected is returned when a response is well formed but
	// does not answer the request (wrong root, out of range, unordered).
	ErrValidationRejected = errors.New("response rejected")

	// ErrCapacityExceeded is returned when a request is refused because a
	// local bound is reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrDuplicateHandler is returned when a (method, version) pair is
	// registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
)

// ResponseError is a non-success response, sent or received.
type ResponseError = encoding.ResponseError

// ResultCode is the result byte of a response chunk.
type ResultCode = encoding.ResultCode

const (
	Success             = encoding.Success
	InvalidRequest      = encoding.InvalidRequest
	ServerError         = encoding.ServerError
	ResourceUnavailable = encoding.ResourceUnavailable
)

// NewInvalidRequest returns an InvalidRequest error a handler can return.
func NewInvalidRequest(format string, args ...interface{}) *ResponseError {
	return &ResponseError{Code: InvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewResourceUnavailable returns a ResourceUnavailable error a handler can
// return.
func NewResourceUnavailable(format string, args ...interface{}) *ResponseError {
	return &ResponseError{Code: ResourceUnavailable, Message: fmt.Sprintf(format, args...)}
}

// RequestError describes a failed outbound request.
type RequestError struct {
	Peer     string
	Protocol ProtocolID
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s to %s: %v", e.Protocol, e.Peer, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
