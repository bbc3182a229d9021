package reqresp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/types"
)

var testDigest = types.ForkDigest{0xde, 0xad, 0xbe, 0xef}

func collect(t *testing.T, ch <-chan reqresp.ResponseChunk) []reqresp.ResponseChunk {
	t.Helper()
	var out []reqresp.ResponseChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("timed out waiting for response chunks")
		}
	}
}

func echoHandler(_ context.Context, req reqresp.Request, w reqresp.ChunkWriter) error {
	return w.WriteChunk(testDigest, req.Body)
}

func TestDispatcherRegister(t *testing.T) {
	d := reqresp.NewDispatcher(log.NewNopLogger())

	require.NoError(t, d.Register(reqresp.MethodPing, 1, echoHandler))

	err := d.Register(reqresp.MethodPing, 1, echoHandler)
	assert.ErrorIs(t, err, reqresp.ErrDuplicateHandler)

	err = d.Register(reqresp.Method(42), 1, echoHandler)
	assert.ErrorIs(t, err, reqresp.ErrProtocolUnsupported)

	err = d.Register(reqresp.MethodStatus, 7, echoHandler)
	assert.ErrorIs(t, err, reqresp.ErrProtocolUnsupported)

	assert.Error(t, d.Register(reqresp.MethodStatus, 1, nil))

	protos := d.Protocols(testApp)
	require.Len(t, protos, 1)
	assert.Equal(t, reqresp.MethodPing, protos[0].Method)
}

func TestDispatchSuccess(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	d := reqresp.NewDispatcher(log.NewNopLogger())
	require.NoError(t, d.Register(reqresp.MethodPing, 1, echoHandler))

	proto := reqresp.NewProtocolID(testApp, reqresp.MethodPing, 1)
	chunks := collect(t, d.Dispatch(context.Background(), "peer", proto, []byte{1, 2, 3}))
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].Err)
	assert.Equal(t, []byte{1, 2, 3}, chunks[0].Data)
	assert.Equal(t, testDigest, chunks[0].Context)
}

func TestDispatchUnregistered(t *testing.T) {
	d := reqresp.NewDispatcher(log.NewNopLogger())
	proto := reqresp.NewProtocolID(testApp, reqresp.MethodStatus, 1)

	chunks := collect(t, d.Dispatch(context.Background(), "peer", proto, nil))
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, reqresp.ServerError, chunks[0].Err.Code)
}

func TestDispatchHandlerErrors(t *testing.T) {
	testcases := map[string]struct {
		err     error
		code    reqresp.ResultCode
		message string
	}{
		"invalid request kept": {
			err:     reqresp.NewInvalidRequest("count must be positive"),
			code:    reqresp.InvalidRequest,
			message: "count must be positive",
		},
		"resource unavailable kept": {
			err:     reqresp.NewResourceUnavailable("pruned"),
			code:    reqresp.ResourceUnavailable,
			message: "pruned",
		},
		"server error replaced": {
			err:     &reqresp.ResponseError{Code: reqresp.ServerError, Message: "db path /secret"},
			code:    reqresp.ServerError,
			message: "internal error",
		},
		"plain error hidden": {
			err:     errors.New("leveldb: corrupted"),
			code:    reqresp.ServerError,
			message: "internal error",
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			d := reqresp.NewDispatcher(log.NewNopLogger())
			require.NoError(t, d.Register(reqresp.MethodPing, 1,
				func(_ context.Context, _ reqresp.Request, w reqresp.ChunkWriter) error {
					assert.NoError(t, w.WriteChunk(testDigest, []byte{1}))
					return tc.err
				}))

			proto := reqresp.NewProtocolID(testApp, reqresp.MethodPing, 1)
			chunks := collect(t, d.Dispatch(context.Background(), "peer", proto, nil))
			require.Len(t, chunks, 2)
			assert.Nil(t, chunks[0].Err)
			require.NotNil(t, chunks[1].Err)
			assert.Equal(t, tc.code, chunks[1].Err.Code)
			assert.Equal(t, tc.message, chunks[1].Err.Message)
		})
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := reqresp.NewDispatcher(log.NewNopLogger())
	require.NoError(t, d.Register(reqresp.MethodPing, 1,
		func(context.Context, reqresp.Request, reqresp.ChunkWriter) error {
			panic("boom")
		}))

	proto := reqresp.NewProtocolID(testApp, reqresp.MethodPing, 1)
	chunks := collect(t, d.Dispatch(context.Background(), "peer", proto, nil))
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, reqresp.ServerError, chunks[0].Err.Code)
	assert.Equal(t, "internal error", chunks[0].Err.Message)
}

func TestDispatchCancelStopsProducer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	stopped := make(chan struct{})
	d := reqresp.NewDispatcher(log.NewNopLogger())
	require.NoError(t, d.Register(reqresp.MethodBeaconBlocksByRange, 2,
		func(ctx context.Context, _ reqresp.Request, w reqresp.ChunkWriter) error {
			defer close(stopped)
			for {
				if err := w.WriteChunk(testDigest, []byte{0}); err != nil {
					return err
				}
			}
		}))

	ctx, cancel := context.WithCancel(context.Background())
	proto := reqresp.NewProtocolID(testApp, reqresp.MethodBeaconBlocksByRange, 2)
	ch := d.Dispatch(ctx, "peer", proto, nil)

	// read a few chunks, then walk away
	for i := 0; i < 3; i++ {
		<-ch
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("handler kept producing after cancellation")
	}
}
