// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	RedisAddr  string

	// upload limits
	MaxUploadBytes  int64
	MaxEntryBytes   int64
	MaxArchiveBytes int64

	// worker
	PollInterval time.Duration
	MaxAttempts  int

	// hashing
	HashCacheSize int

	// spatial index
	CellRes int

	Events EventsCfg

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

func FromEnv() Config {
	res := getint("CELL_RES", 8)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),

		MaxUploadBytes:  getint64("MAX_UPLOAD_BYTES", 32<<20),
		MaxEntryBytes:   getint64("MAX_ENTRY_BYTES", 32<<20),
		MaxArchiveBytes: getint64("MAX_ARCHIVE_BYTES", 64<<20),

		PollInterval: getduration("POLL_INTERVAL", 2*time.Second),
		MaxAttempts:  getint("MAX_ATTEMPTS", 5),

		HashCacheSize: getint("HASH_CACHE_SIZE", 4096),

		CellRes: res,

		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: split(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("EVENTS_TOPIC", "import-events"),
		},

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
