package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/libs/log"
)

func TestNewDefaultLoggerValidatesInput(t *testing.T) {
	for _, tc := range []struct {
		format, level string
		ok            bool
	}{
		{log.LogFormatPlain, log.LogLevelDebug, true},
		{log.LogFormatText, log.LogLevelError, true},
		{log.LogFormatJSON, log.LogLevelInfo, true},
		{"yaml", log.LogLevelInfo, false},
		{log.LogFormatJSON, "verbose", false},
	} {
		_, err := log.NewDefaultLogger(tc.format, tc.level)
		require.Equal(t, tc.ok, err == nil, "format=%s level=%s err=%v", tc.format, tc.level, err)
	}
}

func TestLoggerWithFields(t *testing.T) {
	buf := new(bytes.Buffer)
	logger, err := log.NewLogger(log.LogFormatJSON, log.LogLevelInfo, buf)
	require.NoError(t, err)

	logger.With("module", "blocksync").Info("batch downloaded", "slot", 64)
	logger.Debug("dropped below level")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "blocksync", line["module"])
	require.Equal(t, "batch downloaded", line["message"])
	require.EqualValues(t, 64, line["slot"])
}

func TestOverrideWithNewLogger(t *testing.T) {
	logger := log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	require.NoError(t, log.OverrideWithNewLogger(logger, log.LogFormatJSON, log.LogLevelDebug))
	require.Error(t, log.OverrideWithNewLogger(logger, log.LogFormatJSON, "nope"))
}
