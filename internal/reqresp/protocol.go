package reqresp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dannbbb1/lodestar/internal/reqresp/encoding"
	"github.com/dannbbb1/lodestar/types"
)

// Method is one of the closed set of request/response methods.
type Method int

const (
	MethodStatus Method = iota + 1
	MethodGoodbye
	MethodPing
	MethodMetadata
	MethodBeaconBlocksByRange
	MethodBeaconBlocksByRoot
	MethodBlobSidecarsByRange
	MethodBlobSidecarsByRoot
	MethodLightClientBootstrap
	MethodLightClientUpdatesByRange
	MethodLightClientFinalityUpdate
	MethodLightClientOptimisticUpdate
)

// MaxLightClientObjectSize bounds a light client response chunk.
const MaxLightClientObjectSize = 1 << 16

type methodSpec struct {
	name     string
	versions []int
	schema   encoding.Schema
}

var methods = map[Method]methodSpec{
	MethodStatus: {
		name:     "status",
		versions: []int{1},
		schema:   encoding.Schema{MaxRequestSize: types.StatusSize, MaxResponseSize: types.StatusSize},
	},
	MethodGoodbye: {
		name:     "goodbye",
		versions: []int{1},
		schema:   encoding.Schema{MaxRequestSize: types.PingSize, MaxResponseSize: types.PingSize},
	},
	MethodPing: {
		name:     "ping",
		versions: []int{1},
		schema:   encoding.Schema{MaxRequestSize: types.PingSize, MaxResponseSize: types.PingSize},
	},
	MethodMetadata: {
		name:     "metadata",
		versions: []int{2},
		schema:   encoding.Schema{MaxResponseSize: types.MetaDataSize},
	},
	MethodBeaconBlocksByRange: {
		name:     "beacon_blocks_by_range",
		versions: []int{2},
		schema: encoding.Schema{
			MaxRequestSize:  types.BlocksByRangeRequestSize,
			MaxResponseSize: types.MaxSignedBeaconBlockSize,
			ContextBytes:    true,
		},
	},
	MethodBeaconBlocksByRoot: {
		name:     "beacon_blocks_by_root",
		versions: []int{2},
		schema: encoding.Schema{
			MaxRequestSize:  types.BlocksByRootRequestMaxSize,
			MaxResponseSize: types.MaxSignedBeaconBlockSize,
			ContextBytes:    true,
		},
	},
	MethodBlobSidecarsByRange: {
		name:     "blob_sidecars_by_range",
		versions: []int{1},
		schema: encoding.Schema{
			MaxRequestSize:  types.BlobsByRangeRequestSize,
			MaxResponseSize: types.MaxBlobSidecarSize,
			ContextBytes:    true,
		},
	},
	MethodBlobSidecarsByRoot: {
		name:     "blob_sidecars_by_root",
		versions: []int{1},
		schema: encoding.Schema{
			MaxRequestSize:  types.BlobsByRootRequestMaxSize,
			MaxResponseSize: types.MaxBlobSidecarSize,
			ContextBytes:    true,
		},
	},
	MethodLightClientBootstrap: {
		name:     "light_client_bootstrap",
		versions: []int{1},
		schema: encoding.Schema{
			MaxRequestSize:  types.RootLength,
			MaxResponseSize: MaxLightClientObjectSize,
			ContextBytes:    true,
		},
	},
	MethodLightClientUpdatesByRange: {
		name:     "light_client_updates_by_range",
		versions: []int{1},
		schema: encoding.Schema{
			MaxRequestSize:  types.LightClientUpdatesByRangeSize,
			MaxResponseSize: MaxLightClientObjectSize,
			ContextBytes:    true,
		},
	},
	MethodLightClientFinalityUpdate: {
		name:     "light_client_finality_update",
		versions: []int{1},
		schema:   encoding.Schema{MaxResponseSize: MaxLightClientObjectSize, ContextBytes: true},
	},
	MethodLightClientOptimisticUpdate: {
		name:     "light_client_optimistic_update",
		versions: []int{1},
		schema:   encoding.Schema{MaxResponseSize: MaxLightClientObjectSize, ContextBytes: true},
	},
}

// AllMethods returns every method in declaration order.
func AllMethods() []Method {
	all := make([]Method, 0, len(methods))
	for m := MethodStatus; m <= MethodLightClientOptimisticUpdate; m++ {
		all = append(all, m)
	}
	return all
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	_, ok := methods[m]
	return ok
}

func (m Method) String() string {
	if info, ok := methods[m]; ok {
		return info.name
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Versions returns the supported versions of m.
func (m Method) Versions() []int {
	return methods[m].versions
}

// Schema returns the framing parameters of m.
func (m Method) Schema() encoding.Schema {
	return methods[m].schema
}

// SupportsVersion reports whether version is a known version of m.
func (m Method) SupportsVersion(version int) bool {
	for _, v := range methods[m].versions {
		if v == version {
			return true
		}
	}
	return false
}

// ParseMethod maps a wire method name to a Method.
func ParseMethod(name string) (Method, bool) {
	for m, info := range methods {
		if info.name == name {
			return m, true
		}
	}
	return 0, false
}

// EncodingSSZSnappy is the only supported encoding.
const EncodingSSZSnappy = "ssz_snappy"

// ProtocolID identifies a (method, version, encoding) triple of an
// application.
type ProtocolID struct {
	App      string
	Method   Method
	Version  int
	Encoding string
}

// NewProtocolID returns the ssz_snappy protocol id of method at version.
func NewProtocolID(app string, method Method, version int) ProtocolID {
	return ProtocolID{App: app, Method: method, Version: version, Encoding: EncodingSSZSnappy}
}

// String renders /<app>/req/<method>/<version>/<encoding>.
func (p ProtocolID) String() string {
	return fmt.Sprintf("/%s/req/%s/%d/%s", p.App, p.Method, p.Version, p.Encoding)
}

// ParseProtocolID parses a protocol string. The app name may contain
// slashes.
func ParseProtocolID(s string) (ProtocolID, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	// app (one or more segments), "req", method, version, encoding
	if len(parts) < 5 || parts[len(parts)-4] != "req" {
		return ProtocolID{}, fmt.Errorf("%w: malformed protocol id %q", ErrProtocolUnsupported, s)
	}
	n := len(parts)
	method, ok := ParseMethod(parts[n-3])
	if !ok {
		return ProtocolID{}, fmt.Errorf("%w: unknown method %q", ErrProtocolUnsupported, parts[n-3])
	}
	version, err := strconv.Atoi(parts[n-2])
	if err != nil || version <= 0 {
		return ProtocolID{}, fmt.Errorf("%w: bad version %q", ErrProtocolUnsupported, parts[n-2])
	}
	if parts[n-1] != EncodingSSZSnappy {
		return ProtocolID{}, fmt.Errorf("%w: unsupported encoding %q", ErrProtocolUnsupported, parts[n-1])
	}
	return ProtocolID{
		App:      strings.Join(parts[:n-4], "/"),
		Method:   method,
		Version:  version,
		Encoding: parts[n-1],
	}, nil
}
