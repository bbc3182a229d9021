package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.UnknownBlock)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())

	cfg.DBPath = "db"
	assert.Equal("/foo/db", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Sync.BatchSlots = 0
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[sync]")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	digest, err := cfg.ParsedForkDigest()
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, digest)

	// tamper with log format
	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.ForkDigest = "abcd"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.GenesisRoot = "0x0102"
	assert.Error(t, cfg.ValidateBasic())

	cfg.GenesisRoot = "0x" + strings.Repeat("ab", 32)
	root, err := cfg.ParsedGenesisRoot()
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), root[31])
}

func TestReqRespConfigValidateBasic(t *testing.T) {
	cfg := TestReqRespConfig()
	assert.NoError(t, cfg.ValidateBasic())

	fieldsToTest := []string{
		"RequestTimeout",
		"TTFBTimeout",
		"RespTimeout",
		"PeerRequestRate",
	}

	for _, fieldName := range fieldsToTest {
		t.Run(fieldName, func(t *testing.T) {
			cfg := TestReqRespConfig()
			switch fieldName {
			case "RequestTimeout":
				cfg.RequestTimeout = -time.Second
			case "TTFBTimeout":
				cfg.TTFBTimeout = cfg.RequestTimeout + time.Second
			case "RespTimeout":
				cfg.RespTimeout = 0
			case "PeerRequestRate":
				cfg.PeerRequestRate = 0
			}
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestSyncConfigValidateBasic(t *testing.T) {
	cfg := TestSyncConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.MaxHeadChains = -1
	assert.Error(t, cfg.ValidateBasic())
}

func TestUnknownBlockConfigValidateBasic(t *testing.T) {
	cfg := TestUnknownBlockConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.MaxPendingBlocks = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestP2PConfigValidateBasic(t *testing.T) {
	cfg := TestP2PConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.GossipEnabled = true
	cfg.GossipTopic = ""
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())
}
