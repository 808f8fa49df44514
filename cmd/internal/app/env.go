package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it is non-empty.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvDuration reads a duration env var with a default. "off" yields -1,
// which disables timeouts that support it (CONVSYNC_PENDING_TIMEOUT).
func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	if strings.EqualFold(v, "off") {
		return -1
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
