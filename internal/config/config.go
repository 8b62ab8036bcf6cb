package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fieldbook/sync-core/internal/netmon"
)

// Config holds all environment-based configuration for fieldsyncd.
type Config struct {
	// Backend endpoint and credentials.
	RemoteURL string `env:"SYNC_REMOTE_URL"`
	Token     string `env:"SYNC_TOKEN"`

	// Change feed endpoint. When empty it is derived from RemoteURL
	// (http -> ws, https -> wss, path /v1/changes).
	FeedURL string `env:"SYNC_FEED_URL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"SYNC_DEVICE_NAME"`

	// Local storage. DataDir holds the database; SpoolDir is where the
	// host app drops media files. An empty SpoolDir disables the arrival
	// watcher (upload work is still found by poll and kick).
	DataDir  string `env:"SYNC_DATA_DIR"`
	SpoolDir string `env:"SYNC_SPOOL_DIR"`

	// Syncable collections. A YAML rules file takes precedence over the
	// flat comma-separated list; one of the two must declare at least one
	// collection.
	CollectionsFile string   `env:"SYNC_COLLECTIONS_FILE"`
	Collections     []string `env:"SYNC_COLLECTIONS" envSeparator:","`

	// Transfer policy and tuning.
	AllowMetered     bool          `env:"SYNC_ALLOW_METERED" envDefault:"false"`
	ProbeInterval    time.Duration `env:"SYNC_PROBE_INTERVAL" envDefault:"30s"`
	StabilityDelay   time.Duration `env:"UPLOAD_STABILITY_DELAY" envDefault:"3s"`
	PollInterval     time.Duration `env:"UPLOAD_POLL_INTERVAL" envDefault:"1m"`
	ChunkThreshold   int64         `env:"UPLOAD_CHUNK_THRESHOLD" envDefault:"5242880"`
	ChunkSize        int64         `env:"UPLOAD_CHUNK_SIZE" envDefault:"1048576"`
	PartTimeout      time.Duration `env:"UPLOAD_PART_TIMEOUT" envDefault:"2m"`
	SnapshotInterval time.Duration `env:"UPLOAD_SNAPSHOT_INTERVAL" envDefault:"10s"`

	// Sync pass cadence.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	DeepSchedule string        `env:"SYNC_DEEP_SCHEDULE"`
	HintDebounce time.Duration `env:"SYNC_HINT_DEBOUNCE" envDefault:"2s"`
	MaxAttempts  int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`

	// Local status API listen address. Empty disables the API entirely.
	StatusAddr string `env:"STATUS_LISTEN_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile, when set, routes log output to a rotated file instead of
	// stdout.
	LogFile string `env:"LOG_FILE"`

	// Rules is the resolved collection list, from the rules file or the
	// flat Collections env var.
	Rules []Collection
}

// Collection describes one syncable table and its options.
type Collection struct {
	Name string `yaml:"name"`

	// Media controls whether records in this collection may carry file
	// attachments. Defaults to true; media-less collections are skipped
	// by the upload scan.
	Media *bool `yaml:"media"`

	// PushOnly excludes the collection from remote reconciliation. Local
	// edits still push; remote edits are never pulled in.
	PushOnly bool `yaml:"push_only"`
}

func (c Collection) mediaEnabled() bool {
	return c.Media == nil || *c.Media
}

type rulesFile struct {
	Collections []Collection `yaml:"collections"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the sync token to other users.
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
			hostname = "fieldsyncd"
		}

		cfg.DeviceName = hostname
	}

	if cfg.CollectionsFile != "" {
		rules, err := loadRules(cfg.CollectionsFile)
		if err != nil {
			return nil, err
		}

		cfg.Rules = rules
	} else {
		for _, name := range cfg.Collections {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}

			cfg.Rules = append(cfg.Rules, Collection{Name: name})
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the local directories to absolute paths at startup. The
	// daemon may be launched from anywhere, and the store and watcher
	// hold these paths for the whole process lifetime.
	absData, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absData

	if cfg.SpoolDir != "" {
		absSpool, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absSpool
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("SYNC_REMOTE_URL is required")
	}

	if !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
		return fmt.Errorf("SYNC_REMOTE_URL must be an http or https URL")
	}

	if c.FeedURL != "" && !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		return fmt.Errorf("SYNC_FEED_URL must be a ws or wss URL")
	}

	if c.Token == "" {
		return fmt.Errorf("SYNC_TOKEN is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("SYNC_DATA_DIR is required")
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("no collections declared: set SYNC_COLLECTIONS or SYNC_COLLECTIONS_FILE")
	}

	seen := make(map[string]struct{}, len(c.Rules))

	for _, col := range c.Rules {
		if col.Name == "" {
			return fmt.Errorf("collection with empty name")
		}

		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("duplicate collection %q", col.Name)
		}

		seen[col.Name] = struct{}{}
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("UPLOAD_CHUNK_SIZE must be positive")
	}

	if c.ChunkThreshold < c.ChunkSize {
		return fmt.Errorf("UPLOAD_CHUNK_THRESHOLD must be at least UPLOAD_CHUNK_SIZE")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

func loadRules(path string) ([]Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collections file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing collections file: %w", err)
	}

	return rf.Collections, nil
}

// DatabasePath returns the path of the sync database inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// TableNames returns every declared collection name.
func (c *Config) TableNames() []string {
	names := make([]string, 0, len(c.Rules))
	for _, col := range c.Rules {
		names = append(names, col.Name)
	}

	return names
}

// MediaTables returns the collections whose records may carry attachments.
// The upload processor scans only these.
func (c *Config) MediaTables() []string {
	var names []string

	for _, col := range c.Rules {
		if col.mediaEnabled() {
			names = append(names, col.Name)
		}
	}

	return names
}

// PullTables returns the collections that participate in remote
// reconciliation, excluding any marked push_only.
func (c *Config) PullTables() []string {
	var names []string

	for _, col := range c.Rules {
		if !col.PushOnly {
			names = append(names, col.Name)
		}
	}

	return names
}

// ResolvedFeedURL returns the change feed endpoint: the explicit
// SYNC_FEED_URL when set, otherwise derived from RemoteURL.
func (c *Config) ResolvedFeedURL() string {
	if c.FeedURL != "" {
		return c.FeedURL
	}

	base := strings.TrimRight(c.RemoteURL, "/")
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest + "/v1/changes"
	}

	return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/changes"
}

// TransferPolicy returns the connectivity policy the upload processor
// enforces.
func (c *Config) TransferPolicy() netmon.Policy {
	return netmon.Policy{AllowMetered: c.AllowMetered}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
