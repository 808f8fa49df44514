package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"convsync/cmd/internal/reconcile"
	"convsync/cmd/internal/transport"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	WSURL  string
	APIURL string

	LogLevel  string
	LogFormat string

	AuthTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	HTTPTimeout   time.Duration
	TypingTimeout time.Duration

	PendingTimeout    time.Duration
	ProcessedCapacity int

	// MetricsAddr enables the diagnostics server (/healthz, /readyz, /metrics). Empty disables it.
	MetricsAddr string
}

// LoadEnvFiles loads KEY=VALUE files into the environment. Missing files are
// skipped; variables already set win over file values.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		WSURL:  EnvString("CONVSYNC_WS_URL", "ws://127.0.0.1:8080/ws"),
		APIURL: EnvString("CONVSYNC_API_URL", "http://127.0.0.1:8080"),

		LogLevel:  EnvString("CONVSYNC_LOG_LEVEL", "info"),
		LogFormat: EnvString("CONVSYNC_LOG_FORMAT", "json"),

		AuthTimeout:       EnvDuration("CONVSYNC_AUTH_TIMEOUT", 20*time.Second),
		ReconnectAttempts: EnvInt("CONVSYNC_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    EnvDuration("CONVSYNC_RECONNECT_DELAY", 1*time.Second),
		ReconnectDelayMax: EnvDuration("CONVSYNC_RECONNECT_DELAY_MAX", 5*time.Second),

		HTTPTimeout:   EnvDuration("CONVSYNC_HTTP_TIMEOUT", 15*time.Second),
		TypingTimeout: EnvDuration("CONVSYNC_TYPING_TIMEOUT", 2*time.Second),

		PendingTimeout:    EnvDuration("CONVSYNC_PENDING_TIMEOUT", 30*time.Second),
		ProcessedCapacity: EnvInt("CONVSYNC_PROCESSED_CAPACITY", 4096),

		MetricsAddr: EnvString("CONVSYNC_METRICS_ADDR", ""),
	}
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("config: CONVSYNC_WS_URL must be ws:// or wss://, got %q", c.WSURL)
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("config: CONVSYNC_API_URL must be http:// or https://, got %q", c.APIURL)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown CONVSYNC_LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func (c Config) transport() transport.Config {
	return transport.Config{
		AuthTimeout:          c.AuthTimeout,
		MaxReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay,
		ReconnectDelayMax:    c.ReconnectDelayMax,
	}
}

func (c Config) reconciler() reconcile.Config {
	return reconcile.Config{
		ProcessedCapacity: c.ProcessedCapacity,
		PendingTimeout:    c.PendingTimeout,
	}
}
