package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the bank daemon configuration.
type Config struct {
	ServerAddr string

	// StoreBackend selects the key-value store: "bolt" or "postgres".
	StoreBackend string
	BoltPath     string
	DatabaseURL  string

	KeyPath       string
	KeyPassphrase string

	// AdminTokenHash is the bcrypt hash guarding employee endpoints.
	AdminTokenHash string

	// AnchorURL points at the seal ledger; empty logs seals locally.
	AnchorURL string

	Employees []string

	Validate     bool
	AutoPrompt   bool
	AutoVerify   bool
	AutoApprove  bool
	Silent       bool
	NoForwarding bool

	BankVersion string
	LockTimeout time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	backend := getenv("STORE_BACKEND", "bolt")
	dsn := os.Getenv("DATABASE_URL")
	if backend == "postgres" && dsn == "" {
		user := getenv("POSTGRES_USER", "bank")
		pass := getenv("POSTGRES_PASSWORD", "bank_pass")
		db := getenv("POSTGRES_DB", "bank")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	passphrase := os.Getenv("KEY_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("KEY_PASSPHRASE is required")
	}

	return &Config{
		ServerAddr:     getenv("SERVER_ADDR", "0.0.0.0:8080"),
		StoreBackend:   backend,
		BoltPath:       getenv("BOLT_PATH", "bank.bolt"),
		DatabaseURL:    dsn,
		KeyPath:        getenv("KEY_PATH", "bank.key"),
		KeyPassphrase:  passphrase,
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		AnchorURL:      os.Getenv("ANCHOR_URL"),
		Employees:      parseList(os.Getenv("EMPLOYEES")),
		Validate:       parseBool(getenv("VALIDATE_FORMS", "true"), true),
		AutoPrompt:     parseBool(getenv("AUTO_PROMPT", "true"), true),
		AutoVerify:     parseBool(getenv("AUTO_VERIFY", "true"), true),
		AutoApprove:    parseBool(getenv("AUTO_APPROVE", "false"), false),
		Silent:         parseBool(getenv("SILENT", "false"), false),
		NoForwarding:   parseBool(getenv("DISABLE_FORWARDING", "false"), false),
		BankVersion:    getenv("BANK_VERSION", "dev"),
		LockTimeout:    parseDuration(getenv("LOCK_TIMEOUT", "10s"), 10*time.Second),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
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

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
