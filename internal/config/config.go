package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/auth"
	rserrors "github.com/alexjbarnes/replica-sync/internal/errors"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for replica-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile, when set, sends logs to a rotating file instead of stdout.
	LogFile string `env:"LOG_FILE"`

	// Push transport
	PushURL   string `env:"PUSH_URL"`
	PushToken string `env:"PUSH_TOKEN"`

	// Sync server
	RemoteURL   string `env:"REMOTE_URL"`
	RemoteToken string `env:"REMOTE_TOKEN"`

	// Replica encryption passphrase
	Passphrase string `env:"REPLICA_PASSPHRASE"`

	// Replica database file. Defaults to ~/.replica-sync/replica.db.
	StatePath string `env:"STATE_PATH"`

	// Optional folder tree whose top-level folders are recorded as
	// containers.
	WatchDir string `env:"WATCH_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Scheduling and subscription tuning
	SyncDebounce       time.Duration `env:"SYNC_DEBOUNCE" envDefault:"150ms"`
	RefreshInterval    time.Duration `env:"SUBSCRIPTION_REFRESH_INTERVAL" envDefault:"15s"`
	MaxContainers      int           `env:"SUBSCRIPTION_MAX_CONTAINERS" envDefault:"500"`
	TriggerOnBroadcast bool          `env:"TRIGGER_ON_BROADCAST" envDefault:"false"`
	RefreshAfterSync   bool          `env:"REFRESH_AFTER_SYNC" envDefault:"true"`

	// MCP status endpoint (MCP_API_KEYS required when enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "replica-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The watcher derives container ids from paths relative to WatchDir,
	// which only works reliably with absolute paths.
	for _, p := range []*string{&cfg.StatePath, &cfg.WatchDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PushURL == "" {
		return fmt.Errorf("PUSH_URL is required")
	}

	if !strings.HasPrefix(c.PushURL, "ws://") && !strings.HasPrefix(c.PushURL, "wss://") {
		return fmt.Errorf("PUSH_URL must use ws:// or wss://")
	}

	if c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_URL is required")
	}

	if c.Passphrase == "" {
		return fmt.Errorf("REPLICA_PASSPHRASE is required")
	}

	if c.SyncDebounce <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE must be positive")
	}

	if c.RefreshInterval <= 0 {
		return fmt.Errorf("SUBSCRIPTION_REFRESH_INTERVAL must be positive")
	}

	if c.MaxContainers <= 0 {
		return fmt.Errorf("SUBSCRIPTION_MAX_CONTAINERS must be positive")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns the default replica database location:
// ~/.replica-sync/replica.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".replica-sync", "replica.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string into a user -> key map.
// Format: "user1:rs_key1,user2:rs_key2"
func (c *Config) ParseMCPAPIKeys() (map[string]string, error) {
	keys := make(map[string]string)
	if c.MCPAPIKeys == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		n := len(keys) + 1

		userID, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", n)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("%w: must start with %q prefix in entry %d", rserrors.ErrInvalidAPIKey, auth.APIKeyPrefix, n)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("%w: too short in entry %d (minimum %d characters)", rserrors.ErrInvalidAPIKey, n, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("%w: non-hex characters after %q prefix in entry %d", rserrors.ErrInvalidAPIKey, auth.APIKeyPrefix, n)
		}

		if _, dup := keys[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		keys[userID] = key
	}

	return keys, nil
}
