package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string

	PollInterval       time.Duration
	LeafTimeout        time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
	TerminalGraceTicks int

	JWTSecret string

	LedgerMode     string // "embedded" or "local"
	LedgerNodeID   string
	LedgerRaftAddr string
	LedgerDataDir  string

	CallVendorURL    string
	CallVendorAPIKey string

	RefundExpression string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "sessiond")
		pass := getenv("POSTGRES_PASSWORD", "sessiond_pass")
		db := getenv("POSTGRES_DB", "sessiond")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	return &Config{
		DatabaseURL:        dsn,
		ServerAddr:         getenv("SERVER_ADDR", "0.0.0.0:8080"),
		PollInterval:       parseDuration(getenv("POLL_INTERVAL", "5s"), 5*time.Second),
		LeafTimeout:        parseDuration(getenv("LEAF_TIMEOUT", "10s"), 10*time.Second),
		RetryAttempts:      parseInt(getenv("RETRY_ATTEMPTS", "3"), 3),
		RetryBackoff:       parseDuration(getenv("RETRY_BACKOFF", "2s"), 2*time.Second),
		TerminalGraceTicks: parseInt(getenv("TERMINAL_GRACE_TICKS", "3"), 3),
		JWTSecret:          getenv("JWT_SECRET", "dev-secret-change-me"),
		LedgerMode:         getenv("LEDGER_MODE", "local"),
		LedgerNodeID:       getenv("LEDGER_NODE_ID", "node-1"),
		LedgerRaftAddr:     getenv("LEDGER_RAFT_ADDR", "127.0.0.1:7000"),
		LedgerDataDir:      getenv("LEDGER_DATA_DIR", "data/ledger"),
		CallVendorURL:      getenv("CALL_VENDOR_URL", ""),
		CallVendorAPIKey:   getenv("CALL_VENDOR_API_KEY", ""),
		RefundExpression:   getenv("REFUND_EXPRESSION", ""),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
