// Package config loads the orchestrator's environment-variable
// configuration into a typed Config struct and constructs the shared
// logger from it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every tunable named in the specification's environment
// variable table. All fields have defaults; no variable is required.
type Config struct {
	Socket string
	Host   string
	Port   int

	ScanAdapter    string
	ConnectAdapter string

	ScanCacheTTL time.Duration

	BLEConnectTimeout time.Duration
	BLERetryCount     int
	BLERetryInterval  time.Duration

	RequestMaxAge   time.Duration
	SkipOldRequests bool

	ExclusiveControlEnabled bool
	ExclusiveControlTimeout time.Duration

	WatchdogCheckInterval        time.Duration
	ConsecutiveFailuresThreshold int
	ScanCommandParallelWorkers   int

	MaxSessions int

	LogLevel logrus.Level
}

// DefaultConfig returns the configuration with every default from §6.
func DefaultConfig() *Config {
	return &Config{
		Socket: "/tmp/ble-orchestrator.sock",
		Host:   "127.0.0.1",
		Port:   8378,

		ScanAdapter:    "hci0",
		ConnectAdapter: "hci1",

		ScanCacheTTL: 300 * time.Second,

		BLEConnectTimeout: 10 * time.Second,
		BLERetryCount:     2,
		BLERetryInterval:  1 * time.Second,

		RequestMaxAge:   30 * time.Second,
		SkipOldRequests: true,

		ExclusiveControlEnabled: true,
		ExclusiveControlTimeout: 90 * time.Second,

		WatchdogCheckInterval:        30 * time.Second,
		ConsecutiveFailuresThreshold: 3,
		ScanCommandParallelWorkers:   3,

		MaxSessions: 10,

		LogLevel: logrus.InfoLevel,
	}
}

// FromEnv layers environment variable overrides onto DefaultConfig(), the
// way a resident service reads its tuning knobs once at startup rather
// than deep inside a component.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// SOCKET uses LookupEnv rather than str(): an explicit empty value
	// (SOCKET=) must clear the default socket path to select the loopback
	// TCP transport instead, which a "non-empty overrides" helper can't
	// express since it can't tell "unset" from "set to empty".
	if v, ok := os.LookupEnv("SOCKET"); ok {
		cfg.Socket = v
	}
	str(&cfg.Host, "HOST")
	str(&cfg.ScanAdapter, "SCAN_ADAPTER")
	str(&cfg.ConnectAdapter, "CONNECT_ADAPTER")

	if err := intVar(&cfg.Port, "PORT"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.ScanCacheTTL, "SCAN_CACHE_TTL_SEC"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.BLEConnectTimeout, "BLE_CONNECT_TIMEOUT_SEC"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.BLERetryCount, "BLE_RETRY_COUNT"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.BLERetryInterval, "BLE_RETRY_INTERVAL_SEC"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.RequestMaxAge, "REQUEST_MAX_AGE_SEC"); err != nil {
		return nil, err
	}
	if err := boolVar(&cfg.SkipOldRequests, "SKIP_OLD_REQUESTS"); err != nil {
		return nil, err
	}
	if err := boolVar(&cfg.ExclusiveControlEnabled, "EXCLUSIVE_CONTROL_ENABLED"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.ExclusiveControlTimeout, "EXCLUSIVE_CONTROL_TIMEOUT_SEC"); err != nil {
		return nil, err
	}
	if err := durationSecVar(&cfg.WatchdogCheckInterval, "WATCHDOG_CHECK_INTERVAL_SEC"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.ConsecutiveFailuresThreshold, "CONSECUTIVE_FAILURES_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.ScanCommandParallelWorkers, "SCAN_COMMAND_PARALLEL_WORKERS"); err != nil {
		return nil, err
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
		cfg.LogLevel = parsed
	}

	return cfg, nil
}

func str(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func intVar(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func boolVar(dst *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = b
	return nil
}

func durationSecVar(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = time.Duration(f * float64(time.Second))
	return nil
}

// NewLogger builds the shared structured logger: a single logrus.Logger
// with a text formatter and full timestamps, constructed once and
// threaded into every component.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
