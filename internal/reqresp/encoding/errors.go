package encoding

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSize is returned when a frame declares a length above the
	// protocol bound, or its compressed form is larger than any valid
	// encoding of that length. It is fatal to the stream.
	ErrInvalidSize = errors.New("invalid size")

	// ErrSizeMismatch is returned when the snappy stream does not decode to
	// exactly the declared number of bytes.
	ErrSizeMismatch = errors.New("decompressed size mismatch")

	// ErrUnexpectedBody is returned when a protocol without a request body
	// is given one.
	ErrUnexpectedBody = errors.New("protocol takes no request body")
)

// DecodeError wraps any failure to decode a frame.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ResponseError is a non-success chunk received from a peer.
type ResponseError struct {
	Code    ResultCode
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("response error %s: %s", e.Code, e.Message)
}
