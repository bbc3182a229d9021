package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// LogLevelDebug is the most verbose level
	LogLevelDebug = "debug"
	// LogLevelInfo is the default level
	LogLevelInfo = "info"
	// LogLevelError only reports errors
	LogLevelError = "error"
)

// Field changes must be mirrored in defaultConfigTemplate.
var (
	DefaultBeaconSyncDir = ".beaconsync"
	defaultConfigDir     = "config"
	defaultDataDir       = "data"

	defaultConfigFileName = "config.toml"
	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a beacon sync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	ReqResp         *ReqRespConfig         `mapstructure:"reqresp"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	UnknownBlock    *UnknownBlockConfig    `mapstructure:"unknown-block"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a beacon sync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		ReqResp:         DefaultReqRespConfig(),
		Sync:            DefaultSyncConfig(),
		UnknownBlock:    DefaultUnknownBlockConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		ReqResp:         TestReqRespConfig(),
		Sync:            TestSyncConfig(),
		UnknownBlock:    TestUnknownBlockConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [p2p] section")
	}
	if err := cfg.ReqResp.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [reqresp] section")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [sync] section")
	}
	if err := cfg.UnknownBlock.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [unknown-block] section")
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [instrumentation] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a beacon sync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | memdb | ...
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Application name used in request/response protocol ids
	AppName string `mapstructure:"app-name"`

	// Genesis time as a unix timestamp in seconds
	GenesisTime int64 `mapstructure:"genesis-time"`

	// Duration of a slot in seconds
	SecondsPerSlot uint64 `mapstructure:"seconds-per-slot"`

	// Hex encoded 4 byte fork digest sent as response context bytes
	ForkDigest string `mapstructure:"fork-digest"`

	// Hex encoded root of the genesis block
	GenesisRoot string `mapstructure:"genesis-root"`
}

// DefaultBaseConfig returns a default base configuration for a beacon sync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:        "anonymous",
		LogLevel:       LogLevelInfo,
		LogFormat:      LogFormatPlain,
		DBBackend:      "goleveldb",
		DBPath:         defaultDataDir,
		AppName:        "eth2/beacon_chain",
		GenesisTime:    1606824023,
		SecondsPerSlot: 12,
		ForkDigest:     "00000000",
		GenesisRoot:    "0x" + strings.Repeat("00", 32),
	}
}

// TestBaseConfig returns a base configuration for testing a beacon sync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "test"
	cfg.DBBackend = "memdb"
	cfg.LogLevel = LogLevelDebug
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ParsedForkDigest decodes the configured fork digest.
func (cfg BaseConfig) ParsedForkDigest() ([4]byte, error) {
	var digest [4]byte
	bz, err := hex.DecodeString(cfg.ForkDigest)
	if err != nil {
		return digest, err
	}
	if len(bz) != len(digest) {
		return digest, fmt.Errorf("expected %d bytes, got %d", len(digest), len(bz))
	}
	copy(digest[:], bz)
	return digest, nil
}

// ParsedGenesisRoot decodes the configured genesis root.
func (cfg BaseConfig) ParsedGenesisRoot() ([32]byte, error) {
	var root [32]byte
	bz, err := hex.DecodeString(strings.TrimPrefix(cfg.GenesisRoot, "0x"))
	if err != nil {
		return root, err
	}
	if len(bz) != len(root) {
		return root, fmt.Errorf("expected %d bytes, got %d", len(root), len(bz))
	}
	copy(root[:], bz)
	return root, nil
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log-format (must be 'plain' or 'json')")
	}
	switch cfg.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelError:
	default:
		return fmt.Errorf("unknown log-level %q", cfg.LogLevel)
	}
	if cfg.AppName == "" {
		return errors.New("app-name can't be empty")
	}
	if cfg.SecondsPerSlot == 0 {
		return errors.New("seconds-per-slot must be positive")
	}
	if _, err := cfg.ParsedForkDigest(); err != nil {
		return pkgerrors.Wrap(err, "invalid fork-digest")
	}
	if _, err := cfg.ParsedGenesisRoot(); err != nil {
		return pkgerrors.Wrap(err, "invalid genesis-root")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer layer
type P2PConfig struct {
	// Multiaddrs to listen for incoming connections
	ListenAddresses []string `mapstructure:"listen-addresses"`

	// Multiaddrs (with /p2p/<id>) of peers to keep connected to
	PersistentPeers []string `mapstructure:"persistent-peers"`

	// Maximum number of connected peers
	MaxPeers int `mapstructure:"max-peers"`

	// Peers whose score drops below this value are disconnected
	BanScore int `mapstructure:"ban-score"`

	// Subscribe to gossip blocks and chase unknown parents
	GossipEnabled bool `mapstructure:"gossip-enabled"`

	// Gossip topic for beacon blocks
	GossipTopic string `mapstructure:"gossip-topic"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddresses: []string{"/ip4/0.0.0.0/tcp/9000"},
		PersistentPeers: []string{},
		MaxPeers:        50,
		BanScore:        -100,
		GossipEnabled:   true,
		GossipTopic:     "beacon_block",
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.MaxPeers = 10
	cfg.GossipEnabled = false
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MaxPeers <= 0 {
		return errors.New("max-peers must be positive")
	}
	if cfg.BanScore > 0 {
		return errors.New("ban-score can't be positive")
	}
	if cfg.GossipEnabled && cfg.GossipTopic == "" {
		return errors.New("gossip-topic can't be empty when gossip is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ReqRespConfig

// ReqRespConfig defines the configuration for the request/response protocol
type ReqRespConfig struct {
	// Deadline for a whole outbound request
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Time to first byte of a response
	TTFBTimeout time.Duration `mapstructure:"ttfb-timeout"`

	// Maximum time between two response chunks
	RespTimeout time.Duration `mapstructure:"resp-timeout"`

	// Requests per second allowed per peer, inbound and outbound
	PeerRequestRate int `mapstructure:"peer-request-rate"`

	// Maximum number of concurrently served inbound streams
	MaxConcurrentInbound int `mapstructure:"max-concurrent-inbound"`
}

// DefaultReqRespConfig returns a default request/response configuration
func DefaultReqRespConfig() *ReqRespConfig {
	return &ReqRespConfig{
		RequestTimeout:       10 * time.Second,
		TTFBTimeout:          5 * time.Second,
		RespTimeout:          10 * time.Second,
		PeerRequestRate:      50,
		MaxConcurrentInbound: 64,
	}
}

// TestReqRespConfig returns a request/response configuration for testing
func TestReqRespConfig() *ReqRespConfig {
	cfg := DefaultReqRespConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.TTFBTimeout = time.Second
	cfg.RespTimeout = time.Second
	cfg.PeerRequestRate = 1000
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ReqRespConfig) ValidateBasic() error {
	if cfg.RequestTimeout <= 0 {
		return errors.New("request-timeout must be positive")
	}
	if cfg.TTFBTimeout <= 0 {
		return errors.New("ttfb-timeout must be positive")
	}
	if cfg.TTFBTimeout > cfg.RequestTimeout {
		return errors.New("ttfb-timeout can't exceed request-timeout")
	}
	if cfg.RespTimeout <= 0 {
		return errors.New("resp-timeout must be positive")
	}
	if cfg.PeerRequestRate <= 0 {
		return errors.New("peer-request-rate must be positive")
	}
	if cfg.MaxConcurrentInbound <= 0 {
		return errors.New("max-concurrent-inbound must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for range sync
type SyncConfig struct {
	// Slots covered by one batch
	BatchSlots uint64 `mapstructure:"batch-slots"`

	// Batches that may be in flight or awaiting processing per chain
	BatchBufferSize int `mapstructure:"batch-buffer-size"`

	// Download attempts per batch before the chain fails
	MaxBatchDownloadAttempts int `mapstructure:"max-batch-download-attempts"`

	// Processing attempts per batch before the chain fails
	MaxBatchProcessingAttempts int `mapstructure:"max-batch-processing-attempts"`

	// Maximum number of concurrent head chains
	MaxHeadChains int `mapstructure:"max-head-chains"`

	// A node whose head is within this many slots of the best peer is synced
	SlotImportTolerance uint64 `mapstructure:"slot-import-tolerance"`

	// How often connected peers are asked for their status
	StatusInterval time.Duration `mapstructure:"status-interval"`
}

// DefaultSyncConfig returns a default range sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		BatchSlots:                 64,
		BatchBufferSize:            10,
		MaxBatchDownloadAttempts:   5,
		MaxBatchProcessingAttempts: 3,
		MaxHeadChains:              2,
		SlotImportTolerance:        32,
		StatusInterval:             5 * time.Minute,
	}
}

// TestSyncConfig returns a range sync configuration for testing
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.BatchSlots = 4
	cfg.BatchBufferSize = 3
	cfg.SlotImportTolerance = 2
	cfg.StatusInterval = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.BatchSlots == 0 {
		return errors.New("batch-slots must be positive")
	}
	if cfg.BatchBufferSize <= 0 {
		return errors.New("batch-buffer-size must be positive")
	}
	if cfg.MaxBatchDownloadAttempts <= 0 {
		return errors.New("max-batch-download-attempts must be positive")
	}
	if cfg.MaxBatchProcessingAttempts <= 0 {
		return errors.New("max-batch-processing-attempts must be positive")
	}
	if cfg.MaxHeadChains < 0 {
		return errors.New("max-head-chains can't be negative")
	}
	if cfg.StatusInterval <= 0 {
		return errors.New("status-interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// UnknownBlockConfig

// UnknownBlockConfig defines the configuration of the unknown block resolver
type UnknownBlockConfig struct {
	// Maximum number of entries in the pending table
	MaxPendingBlocks int `mapstructure:"max-pending-blocks"`

	// Download attempts per root before it is abandoned
	MaxDownloadAttempts int `mapstructure:"max-download-attempts"`

	// Maximum number of by-root requests in flight
	MaxConcurrentRequests int `mapstructure:"max-concurrent-requests"`

	// Delay after the first failed attempt, doubled on each further failure
	RetryBackoff time.Duration `mapstructure:"retry-backoff"`

	// Number of rejected roots remembered and ignored
	KnownBadCacheSize int `mapstructure:"known-bad-cache-size"`
}

// DefaultUnknownBlockConfig returns a default resolver configuration
func DefaultUnknownBlockConfig() *UnknownBlockConfig {
	return &UnknownBlockConfig{
		MaxPendingBlocks:      200,
		MaxDownloadAttempts:   5,
		MaxConcurrentRequests: 4,
		RetryBackoff:          time.Second,
		KnownBadCacheSize:     1024,
	}
}

// TestUnknownBlockConfig returns a resolver configuration for testing
func TestUnknownBlockConfig() *UnknownBlockConfig {
	cfg := DefaultUnknownBlockConfig()
	cfg.MaxPendingBlocks = 16
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.KnownBadCacheSize = 16
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *UnknownBlockConfig) ValidateBasic() error {
	if cfg.MaxPendingBlocks <= 0 {
		return errors.New("max-pending-blocks must be positive")
	}
	if cfg.MaxDownloadAttempts <= 0 {
		return errors.New("max-download-attempts must be positive")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		return errors.New("max-concurrent-requests must be positive")
	}
	if cfg.RetryBackoff < 0 {
		return errors.New("retry-backoff can't be negative")
	}
	if cfg.KnownBadCacheSize <= 0 {
		return errors.New("known-bad-cache-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "beaconsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
