package encoding

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/golang/snappy"
	"github.com/multiformats/go-varint"

	"github.com/dannbbb1/lodestar/types"
)

// ResultCode is the first byte of every response chunk.
type ResultCode byte

const (
	Success             ResultCode = 0
	InvalidRequest      ResultCode = 1
	ServerError         ResultCode = 2
	ResourceUnavailable ResultCode = 3
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case ServerError:
		return "SERVER_ERROR"
	case ResourceUnavailable:
		return "RESOURCE_UNAVAILABLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// MaxErrorMessageSize bounds the error message of a non-success chunk.
const MaxErrorMessageSize = 256

const (
	// snappy framing: a 10 byte stream identifier, then chunks with a 4 byte
	// header and a 4 byte checksum, each holding at most 64KiB of input.
	snappyStreamHeaderSize = 10
	snappyChunkOverhead    = 8
	snappyMaxChunkInput    = 1 << 16
)

// Schema holds the framing parameters of a protocol.
type Schema struct {
	// MaxRequestSize bounds the uncompressed request body. Zero means the
	// protocol has no request body at all.
	MaxRequestSize uint64
	// MaxResponseSize bounds the uncompressed payload of one chunk.
	MaxResponseSize uint64
	// ContextBytes is set for protocols whose success chunks carry a fork
	// digest.
	ContextBytes bool
}

// HasRequestBody reports whether requests of the protocol carry a body.
func (s Schema) HasRequestBody() bool { return s.MaxRequestSize > 0 }

// Chunk is one decoded response chunk.
type Chunk struct {
	Code    ResultCode
	Context types.ForkDigest
	Data    []byte
	// Message is the error message of a non-success chunk.
	Message string
}

// EncodeRequest writes a request frame. Protocols without a request body
// write nothing.
func EncodeRequest(w io.Writer, schema Schema, body []byte) error {
	if !schema.HasRequestBody() {
		if len(body) > 0 {
			return ErrUnexpectedBody
		}
		return nil
	}
	if uint64(len(body)) > schema.MaxRequestSize {
		return fmt.Errorf("encode request: %w: %d > %d", ErrInvalidSize, len(body), schema.MaxRequestSize)
	}
	return writeFrame(w, body)
}

// DecodeRequest reads a single request frame.
func DecodeRequest(r io.Reader, schema Schema) ([]byte, error) {
	if !schema.HasRequestBody() {
		return nil, nil
	}
	body, err := readFrame(byteReader(r), schema.MaxRequestSize)
	if err != nil {
		return nil, &DecodeError{Op: "request", Err: err}
	}
	return body, nil
}

// EncodeResponseChunk writes a success chunk with payload data.
func EncodeResponseChunk(w io.Writer, schema Schema, context types.ForkDigest, data []byte) error {
	if uint64(len(data)) > schema.MaxResponseSize {
		return fmt.Errorf("encode response: %w: %d > %d", ErrInvalidSize, len(data), schema.MaxResponseSize)
	}
	header := []byte{byte(Success)}
	if schema.ContextBytes {
		header = append(header, context[:]...)
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	return writeFrame(w, data)
}

// EncodeErrorChunk writes a non-success chunk. The message is truncated to
// MaxErrorMessageSize bytes on a rune boundary.
func EncodeErrorChunk(w io.Writer, code ResultCode, message string) error {
	if code == Success {
		return errors.New("error chunk with success code")
	}
	if _, err := w.Write([]byte{byte(code)}); err != nil {
		return err
	}
	return writeFrame(w, []byte(truncateMessage(message)))
}

func truncateMessage(msg string) string {
	msg = strings.ToValidUTF8(msg, "?")
	if len(msg) <= MaxErrorMessageSize {
		return msg
	}
	cut := MaxErrorMessageSize
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// ResponseDecoder reads chunks one by one. It is finite and can not be
// restarted.
type ResponseDecoder struct {
	r      *bufio.Reader
	schema Schema

	chunk Chunk
	err   error
	done  bool
}

// NewResponseDecoder returns a decoder reading chunks from r.
func NewResponseDecoder(r io.Reader, schema Schema) *ResponseDecoder {
	return &ResponseDecoder{r: byteReader(r), schema: schema}
}

// Next advances to the next success chunk. It returns false at the end of
// the stream, on a non-success chunk and on any decode error; Err tells them
// apart.
func (d *ResponseDecoder) Next() bool {
	if d.done {
		return false
	}

	code, err := d.r.ReadByte()
	if err != nil {
		d.done = true
		if !errors.Is(err, io.EOF) {
			d.err = &DecodeError{Op: "result code", Err: err}
		}
		return false
	}

	if ResultCode(code) != Success {
		d.done = true
		msg, err := readFrame(d.r, MaxErrorMessageSize)
		if err != nil {
			d.err = &DecodeError{Op: "error message", Err: err}
			return false
		}
		d.err = &ResponseError{
			Code:    ResultCode(code),
			Message: strings.ToValidUTF8(string(msg), "?"),
		}
		return false
	}

	chunk := Chunk{Code: Success}
	if d.schema.ContextBytes {
		if _, err := io.ReadFull(d.r, chunk.Context[:]); err != nil {
			d.done = true
			d.err = &DecodeError{Op: "context bytes", Err: unexpectedEOF(err)}
			return false
		}
	}
	chunk.Data, err = readFrame(d.r, d.schema.MaxResponseSize)
	if err != nil {
		d.done = true
		d.err = &DecodeError{Op: "response chunk", Err: unexpectedEOF(err)}
		return false
	}
	d.chunk = chunk
	return true
}

// Chunk returns the chunk read by the last successful call to Next.
func (d *ResponseDecoder) Chunk() Chunk { return d.chunk }

// Err returns the error that ended the sequence, nil at a clean end.
func (d *ResponseDecoder) Err() error { return d.err }

// DecodeResponse reads all chunks. It is meant for tests and small
// responses; streaming callers use ResponseDecoder.
func DecodeResponse(r io.Reader, schema Schema) ([]Chunk, error) {
	d := NewResponseDecoder(r, schema)
	var chunks []Chunk
	for d.Next() {
		chunks = append(chunks, d.Chunk())
	}
	return chunks, d.Err()
}

//-----------------------------------------------------------------------------

func writeFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(varint.ToUvarint(uint64(len(payload)))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(payload); err != nil {
		return err
	}
	return sw.Close()
}

func readFrame(r *bufio.Reader, maxSize uint64) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidSize, size, maxSize)
	}
	if size == 0 {
		return []byte{}, nil
	}

	limited := &boundedReader{r: r, n: maxCompressedLen(size)}
	sr := snappy.NewReader(limited)
	buf := make([]byte, size)
	if _, err := io.ReadFull(sr, buf); err != nil {
		if limited.exceeded {
			return nil, fmt.Errorf("%w: compressed frame exceeds bound for %d bytes", ErrInvalidSize, size)
		}
		if limited.eof || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrSizeMismatch, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	// leftover decoded bytes mean the payload is longer than declared; the
	// next chunk of the stream is not read
	limited.closed = true
	if n, _ := sr.Read(make([]byte, 1)); n > 0 {
		return nil, fmt.Errorf("%w: payload longer than %d bytes", ErrSizeMismatch, size)
	}
	return buf, nil
}

// maxCompressedLen bounds the framed snappy encoding of size bytes.
func maxCompressedLen(size uint64) int64 {
	full, rest := size/snappyMaxChunkInput, size%snappyMaxChunkInput
	n := int64(snappyStreamHeaderSize)
	n += int64(full) * int64(snappy.MaxEncodedLen(snappyMaxChunkInput)+snappyChunkOverhead)
	if rest > 0 {
		n += int64(snappy.MaxEncodedLen(int(rest)) + snappyChunkOverhead)
	}
	return n
}

// boundedReader fails once more than n bytes are requested. Once closed it
// reports io.EOF without reading.
type boundedReader struct {
	r        io.Reader
	n        int64
	exceeded bool
	eof      bool
	closed   bool
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.closed {
		return 0, io.EOF
	}
	if b.n <= 0 {
		b.exceeded = true
		return 0, ErrInvalidSize
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func byteReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
