package reqresp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/internal/reqresp"
)

const testApp = "eth2/beacon_chain"

func TestProtocolIDRoundTrip(t *testing.T) {
	for _, method := range reqresp.AllMethods() {
		for _, version := range method.Versions() {
			proto := reqresp.NewProtocolID(testApp, method, version)
			parsed, err := reqresp.ParseProtocolID(proto.String())
			require.NoError(t, err, proto.String())
			assert.Equal(t, proto, parsed)
		}
	}
}

func TestProtocolIDString(t *testing.T) {
	proto := reqresp.NewProtocolID(testApp, reqresp.MethodBeaconBlocksByRange, 2)
	assert.Equal(t, "/eth2/beacon_chain/req/beacon_blocks_by_range/2/ssz_snappy", proto.String())
}

func TestParseProtocolIDRejects(t *testing.T) {
	for _, s := range []string{
		"",
		"garbage",
		"/eth2/beacon_chain/req/unknown_method/1/ssz_snappy",
		"/eth2/beacon_chain/req/status/x/ssz_snappy",
		"/eth2/beacon_chain/req/status/0/ssz_snappy",
		"/eth2/beacon_chain/req/status/1/ssz",
		"/eth2/beacon_chain/resp/status/1/ssz_snappy",
	} {
		_, err := reqresp.ParseProtocolID(s)
		assert.ErrorIs(t, err, reqresp.ErrProtocolUnsupported, s)
	}
}

func TestMethodsAreClosed(t *testing.T) {
	all := reqresp.AllMethods()
	require.Len(t, all, 12)
	for _, m := range all {
		assert.True(t, m.Valid())
		assert.NotEmpty(t, m.Versions())
		parsed, ok := reqresp.ParseMethod(m.String())
		require.True(t, ok)
		assert.Equal(t, m, parsed)
	}
	assert.False(t, reqresp.Method(0).Valid())
	assert.False(t, reqresp.Method(99).Valid())
}
