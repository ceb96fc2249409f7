package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/tmp/ble-orchestrator.sock", cfg.Socket)
	assert.Equal(t, "hci0", cfg.ScanAdapter)
	assert.Equal(t, "hci1", cfg.ConnectAdapter)
	assert.Equal(t, 300*time.Second, cfg.ScanCacheTTL)
	assert.Equal(t, 2, cfg.BLERetryCount)
	assert.True(t, cfg.SkipOldRequests)
	assert.True(t, cfg.ExclusiveControlEnabled)
	assert.Equal(t, 3, cfg.ConsecutiveFailuresThreshold)
	assert.Equal(t, 3, cfg.ScanCommandParallelWorkers)
}

func TestFromEnv_Overrides(t *testing.T) {
	for k, v := range map[string]string{
		"SOCKET":                  "/tmp/custom.sock",
		"SCAN_ADAPTER":            "hci2",
		"SCAN_CACHE_TTL_SEC":      "60",
		"BLE_RETRY_COUNT":         "5",
		"SKIP_OLD_REQUESTS":       "false",
		"EXCLUSIVE_CONTROL_TIMEOUT_SEC": "45.5",
	} {
		t.Setenv(k, v)
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", cfg.Socket)
	assert.Equal(t, "hci2", cfg.ScanAdapter)
	assert.Equal(t, 60*time.Second, cfg.ScanCacheTTL)
	assert.Equal(t, 5, cfg.BLERetryCount)
	assert.False(t, cfg.SkipOldRequests)
	assert.Equal(t, 45500*time.Millisecond, cfg.ExclusiveControlTimeout)

	// Unset variables keep their defaults.
	assert.Equal(t, "hci1", cfg.ConnectAdapter)
}

func TestFromEnv_EmptySocketSelectsTCP(t *testing.T) {
	t.Setenv("SOCKET", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Socket)
}

func TestFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("BLE_RETRY_COUNT", "not-a-number")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_InvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "noisy")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = logrus.DebugLevel

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}
