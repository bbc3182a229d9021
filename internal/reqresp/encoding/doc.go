/*
Package encoding implements the ssz_snappy framing of the request/response
protocol.

Every message is framed as

	<uvarint: uncompressed length><snappy framed stream of that many bytes>

A request is a single frame. A response is a sequence of chunks, each of
which is

	<result code byte>[<4 byte context>]<frame>

The context bytes are only present on successful chunks of protocols whose
payload type depends on the fork. A chunk with a non-success result code
carries a short UTF-8 error message as its frame and ends the response.

Decoding is incremental: bytes are pulled from the underlying reader only as
far as the current frame needs, and a frame whose declared or compressed size
exceeds the protocol bound is rejected before it is decompressed.
*/
package encoding
