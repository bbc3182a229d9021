package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
		"QuoteList":   quoteList,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, defaultConfigDir), filepath.Join(rootDir, defaultDataDir)} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			panic(err.Error())
		}
	}
}

// ConfigFile returns the path of the config file under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/beaconsync/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer
	if err := cfg.Render(&buffer); err != nil {
		return err
	}
	return writeFile(path, buffer.Bytes(), 0644)
}

// Render executes the config template into buf.
func (cfg *Config) Render(buf *bytes.Buffer) error {
	return configTemplate.Execute(buf, cfg)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	if _, err := os.Stat(ConfigFile(rootDir)); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// Keys follow the mapstructure tags in config.go.
const defaultConfigTemplate = `# beaconsync node configuration.
#
# Relative paths resolve against the home directory ($HOME/.beaconsync unless
# overridden by $BSYNC_HOME or --home).

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging: debug | info | error
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

# Application name used in request/response protocol ids
app-name = "{{ .BaseConfig.AppName }}"

# Genesis time as a unix timestamp in seconds
genesis-time = {{ .BaseConfig.GenesisTime }}

# Duration of a slot in seconds
seconds-per-slot = {{ .BaseConfig.SecondsPerSlot }}

# Hex encoded fork digest
fork-digest = "{{ .BaseConfig.ForkDigest }}"

# Hex encoded root of the genesis block
genesis-root = "{{ .BaseConfig.GenesisRoot }}"

#######################################################################
###                 Peer to Peer Configuration Options              ###
#######################################################################
[p2p]

# Multiaddrs to listen for incoming connections
listen-addresses = {{ QuoteList .P2P.ListenAddresses }}

# Multiaddrs of peers to keep connected to
persistent-peers = {{ QuoteList .P2P.PersistentPeers }}

# Maximum number of connected peers
max-peers = {{ .P2P.MaxPeers }}

# Peers whose score drops below this value are disconnected
ban-score = {{ .P2P.BanScore }}

# Subscribe to gossip blocks and chase unknown parents
gossip-enabled = {{ .P2P.GossipEnabled }}
gossip-topic = "{{ .P2P.GossipTopic }}"

#######################################################################
###              Request/Response Configuration Options             ###
#######################################################################
[reqresp]

request-timeout = "{{ .ReqResp.RequestTimeout }}"
ttfb-timeout = "{{ .ReqResp.TTFBTimeout }}"
resp-timeout = "{{ .ReqResp.RespTimeout }}"

# Requests per second allowed per peer
peer-request-rate = {{ .ReqResp.PeerRequestRate }}

max-concurrent-inbound = {{ .ReqResp.MaxConcurrentInbound }}

#######################################################################
###                  Range Sync Configuration Options               ###
#######################################################################
[sync]

batch-slots = {{ .Sync.BatchSlots }}
batch-buffer-size = {{ .Sync.BatchBufferSize }}
max-batch-download-attempts = {{ .Sync.MaxBatchDownloadAttempts }}
max-batch-processing-attempts = {{ .Sync.MaxBatchProcessingAttempts }}
max-head-chains = {{ .Sync.MaxHeadChains }}

# A node whose head is within this many slots of the best peer is synced
slot-import-tolerance = {{ .Sync.SlotImportTolerance }}

status-interval = "{{ .Sync.StatusInterval }}"

#######################################################################
###              Unknown Block Resolver Configuration               ###
#######################################################################
[unknown-block]

max-pending-blocks = {{ .UnknownBlock.MaxPendingBlocks }}
max-download-attempts = {{ .UnknownBlock.MaxDownloadAttempts }}
max-concurrent-requests = {{ .UnknownBlock.MaxConcurrentRequests }}
retry-backoff = "{{ .UnknownBlock.RetryBackoff }}"
known-bad-cache-size = {{ .UnknownBlock.KnownBadCacheSize }}

#######################################################################
###       Instrumentation Configuration Options                     ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory with a default config file
// and returns a test config rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, testName+"_")
	if err != nil {
		return nil, err
	}
	EnsureRoot(rootDir)

	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}
	return TestConfig().SetRoot(rootDir), nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := os.WriteFile(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
