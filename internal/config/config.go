// Package config loads runtime configuration for the core from environment
// variables, with an optional YAML file overlaid underneath.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Datasource is one configured log directory the tailer owns independently.
type Datasource struct {
	Name         string `yaml:"name"`
	LogDirectory string `yaml:"log_directory"`
	Enabled      bool   `yaml:"enabled"`
}

// DeleteRates are the heuristic files-per-second factors used by the cache
// size estimator to project deletion time. Configurable because the right
// factors depend heavily on the underlying filesystem and disk.
type DeleteRates struct {
	Preserve float64 `yaml:"preserve"`
	Full     float64 `yaml:"full"`
	Rsync    float64 `yaml:"rsync"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	CacheDir  string `yaml:"cache_dir"`
	SecretDir string `yaml:"secret_dir"`

	Datasources []Datasource `yaml:"datasources"`

	SessionGap    time.Duration `yaml:"session_gap"`
	SpeedWindow   time.Duration `yaml:"speed_window"`
	SpeedProducer string        `yaml:"speed_producer"`
	BulkBatchSize int           `yaml:"bulk_batch_size"`

	IngestionWorkers int `yaml:"ingestion_workers"`
	DeleteWorkers    int `yaml:"delete_workers"`

	CrawlInterval     time.Duration `yaml:"crawl_interval"`
	CrawlIncremental  bool          `yaml:"crawl_incremental"`
	CrawlerURL        string        `yaml:"crawler_url"`
	SnapshotRetention int           `yaml:"snapshot_retention"`
	SnapshotMaxAge    time.Duration `yaml:"snapshot_max_age"`

	GuestAllowCIDRs []string `yaml:"guest_allow_cidrs"`
	GuestDenyCIDRs  []string `yaml:"guest_deny_cidrs"`

	DeleteRates DeleteRates `yaml:"delete_rates"`

	APIKey string `yaml:"-"` // never read from YAML, env only
}

func defaults() Config {
	return Config{
		DataDir:           "data",
		CacheDir:          "/cache",
		SecretDir:         "data/secrets",
		SessionGap:        5 * time.Minute,
		SpeedWindow:       2 * time.Second,
		BulkBatchSize:     5000,
		IngestionWorkers:  4,
		DeleteWorkers:     4,
		CrawlInterval:     6 * time.Hour,
		CrawlIncremental:  true,
		SnapshotRetention: 10000,
		SnapshotMaxAge:    30 * 24 * time.Hour,
		DeleteRates: DeleteRates{
			Preserve: 4000, // files/sec, unlink only
			Full:     2500, // files/sec, unlink + rmdir
			Rsync:    6000, // files/sec, rsync --delete against an empty dir
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at yamlPath (if
// it exists), and environment variable overrides, in that precedence order.
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if len(cfg.Datasources) == 0 {
		if dirs := os.Getenv("LOG_DIRS"); dirs != "" {
			for _, d := range strings.Split(dirs, ",") {
				d = strings.TrimSpace(d)
				if d == "" {
					continue
				}
				name := strings.Trim(filepathBase(d), "/")
				cfg.Datasources = append(cfg.Datasources, Datasource{
					Name:         name,
					LogDirectory: d,
					Enabled:      true,
				})
			}
		}
	}

	cfg.APIKey = os.Getenv("LANCACHE_API_KEY")

	return cfg, nil
}

func filepathBase(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("SECRET_DIR"); v != "" {
		cfg.SecretDir = v
	}
	if v, ok := envSeconds("SESSION_GAP_SECONDS"); ok {
		cfg.SessionGap = v
	}
	if v, ok := envSeconds("SPEED_WINDOW_SECONDS"); ok {
		cfg.SpeedWindow = v
	}
	if v := os.Getenv("SPEED_PRODUCER"); v != "" {
		cfg.SpeedProducer = v
	}
	if v, ok := envInt("BULK_BATCH_SIZE"); ok {
		cfg.BulkBatchSize = v
	}
	if v, ok := envInt("INGESTION_WORKERS"); ok {
		cfg.IngestionWorkers = v
	}
	if v, ok := envInt("DELETE_WORKERS"); ok {
		cfg.DeleteWorkers = v
	}
	if v, ok := envSeconds("CRAWL_INTERVAL_SECONDS"); ok {
		cfg.CrawlInterval = v
	}
	if v := os.Getenv("DEPOT_CRAWLER_URL"); v != "" {
		cfg.CrawlerURL = v
	}
	if v := os.Getenv("CRAWL_INCREMENTAL"); v != "" {
		cfg.CrawlIncremental = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := envInt("SNAPSHOT_RETENTION"); ok {
		cfg.SnapshotRetention = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
