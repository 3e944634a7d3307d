// Package config loads ytfetch settings from a TOML file, .env files and
// YTFETCH_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/cwygoda/ytfetch/internal/logger"
)

// Service names. Each runs against its own schema and strategy chain.
const (
	ServiceVideos      = "videos"
	ServiceTranscripts = "transcripts"
)

// Duration wraps time.Duration so TOML can hold values like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds application configuration.
type Config struct {
	Service     string            `toml:"service"`
	Log         logger.Config     `toml:"log"`
	Database    DatabaseConfig    `toml:"database"`
	HTTP        HTTPConfig        `toml:"http"`
	Worker      WorkerConfig      `toml:"worker"`
	Output      OutputConfig      `toml:"output"`
	Videos      VideosConfig      `toml:"videos"`
	Transcripts TranscriptsConfig `toml:"transcripts"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	YouTube     YouTubeConfig     `toml:"youtube"`
	Cache       CacheConfig       `toml:"cache"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// DatabaseConfig selects the job store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	Path         string `toml:"path"`
	Schema       string `toml:"schema"` // defaults to yt_<service>
	MaxOpenConns int    `toml:"max_open_conns"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	Secret          string   `toml:"secret"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type WorkerConfig struct {
	ID            string   `toml:"id"`
	Concurrency   int      `toml:"concurrency"`
	BatchSize     int      `toml:"batch_size"`
	PollInterval  Duration `toml:"poll_interval"`
	LeaseDuration Duration `toml:"lease_duration"`
	MaxAttempts   int      `toml:"max_attempts"`
	EntityTypes   []string `toml:"entity_types"`

	// Transient strategy failures are retried this many times per strategy.
	StrategyRetries int      `toml:"strategy_retries"`
	RetryBase       Duration `toml:"retry_base"`
	RetryMax        Duration `toml:"retry_max"`
}

type OutputConfig struct {
	Directory      string   `toml:"directory"`
	StagingMaxAge  Duration `toml:"staging_max_age"`
	StagingLockTTL Duration `toml:"staging_lock_ttl"`
}

type VideosConfig struct {
	Container  string   `toml:"container"`
	Quality    string   `toml:"quality"`
	Extractors []string `toml:"extractors"`
	YtDlpPath  string   `toml:"ytdlp_path"`
}

type TranscriptsConfig struct {
	Languages []string `toml:"languages"`
	Format    string   `toml:"format"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	DailyQuota        int      `toml:"daily_quota"`
	QuotaWindow       Duration `toml:"quota_window"`
}

type YouTubeConfig struct {
	APIKey  string   `toml:"api_key"`
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
	Retries int      `toml:"retries"`
}

type CacheConfig struct {
	Backend       string   `toml:"backend"` // "database" or "redis"
	TTL           Duration `toml:"ttl"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
}

type MaintenanceConfig struct {
	ReaperSchedule     string `toml:"reaper_schedule"`
	StagingSchedule    string `toml:"staging_schedule"`
	CachePurgeSchedule string `toml:"cache_purge_schedule"`
}

// DefaultDBPath returns the default SQLite path of service using XDG_CACHE_HOME.
// Each service gets its own file.
func DefaultDBPath(service string) string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "ytfetch", service+".db")
}

// DefaultVideoDir returns the default download directory.
func DefaultVideoDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos")
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Service: ServiceVideos,
		Log:     logger.Config{Level: "info"},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         DefaultDBPath(ServiceVideos),
			MaxOpenConns: 25,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Worker: WorkerConfig{
			ID:              host,
			Concurrency:     2,
			BatchSize:       1,
			PollInterval:    Duration{5 * time.Second},
			LeaseDuration:   Duration{time.Hour},
			MaxAttempts:     3,
			StrategyRetries: 2,
			RetryBase:       Duration{time.Second},
			RetryMax:        Duration{60 * time.Second},
		},
		Output: OutputConfig{
			Directory:      DefaultVideoDir(),
			StagingMaxAge:  Duration{24 * time.Hour},
			StagingLockTTL: Duration{6 * time.Hour},
		},
		Videos: VideosConfig{
			Container:  "webm",
			Quality:    "best",
			Extractors: []string{"android", "tv_embedded", "web", "default"},
			YtDlpPath:  "yt-dlp",
		},
		Transcripts: TranscriptsConfig{
			Languages: []string{"en"},
			Format:    "vtt",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             50,
			DailyQuota:        10000,
			QuotaWindow:       Duration{24 * time.Hour},
		},
		YouTube: YouTubeConfig{
			BaseURL: "https://www.googleapis.com/youtube/v3",
			Timeout: Duration{30 * time.Second},
			Retries: 3,
		},
		Cache: CacheConfig{
			Backend: "database",
			TTL:     Duration{time.Hour},
		},
		Maintenance: MaintenanceConfig{
			ReaperSchedule:     "@every 5m",
			StagingSchedule:    "@every 1h",
			CachePurgeSchedule: "@every 1h",
		},
	}
}

// LoadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// Missing files are ignored; variables already set are never overwritten.
func LoadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the TOML file at path (if it
// exists) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	// Resolved from the final service in normalize unless set explicitly.
	cfg.Database.Path = ""

	if path != "" {
		if _, err := toml.DecodeFile(ExpandPath(path), cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return nil
	}

	str("YTFETCH_SERVICE", &c.Service)
	str("YTFETCH_LOG_LEVEL", &c.Log.Level)
	str("YTFETCH_DB_DRIVER", &c.Database.Driver)
	str("YTFETCH_DB_DSN", &c.Database.DSN)
	str("YTFETCH_DB", &c.Database.Path)
	str("YTFETCH_DB_SCHEMA", &c.Database.Schema)
	str("YTFETCH_HTTP_ADDR", &c.HTTP.Addr)
	str("YTFETCH_HTTP_SECRET", &c.HTTP.Secret)
	str("YTFETCH_WORKER_ID", &c.Worker.ID)
	str("YTFETCH_OUTPUT_DIR", &c.Output.Directory)
	str("YTFETCH_YOUTUBE_API_KEY", &c.YouTube.APIKey)
	str("YTFETCH_CACHE_BACKEND", &c.Cache.Backend)
	str("YTFETCH_REDIS_ADDR", &c.Cache.RedisAddr)
	str("YTFETCH_REDIS_PASSWORD", &c.Cache.RedisPassword)

	for key, dst := range map[string]*int{
		"YTFETCH_WORKER_CONCURRENCY": &c.Worker.Concurrency,
		"YTFETCH_WORKER_BATCH_SIZE":  &c.Worker.BatchSize,
		"YTFETCH_MAX_ATTEMPTS":       &c.Worker.MaxAttempts,
		"YTFETCH_DAILY_QUOTA":        &c.RateLimit.DailyQuota,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"YTFETCH_POLL_INTERVAL":   &c.Worker.PollInterval,
		"YTFETCH_LEASE_DURATION":  &c.Worker.LeaseDuration,
		"YTFETCH_STAGING_MAX_AGE": &c.Output.StagingMaxAge,
		"YTFETCH_CACHE_TTL":       &c.Cache.TTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Output.Directory = ExpandPath(c.Output.Directory)
	if c.Database.Path == "" {
		c.Database.Path = DefaultDBPath(c.Service)
	}
	c.Database.Path = ExpandPath(c.Database.Path)
	if c.Database.Schema == "" {
		c.Database.Schema = "yt_" + c.Service
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Service {
	case ServiceVideos, ServiceTranscripts:
	default:
		return fmt.Errorf("service must be %q or %q, got %q", ServiceVideos, ServiceTranscripts, c.Service)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "database":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if c.Worker.BatchSize < 1 {
		return errors.New("worker.batch_size must be at least 1")
	}
	if c.Worker.PollInterval.Duration <= 0 || c.Worker.LeaseDuration.Duration <= 0 {
		return errors.New("worker.poll_interval and worker.lease_duration must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return errors.New("worker.max_attempts must be at least 1")
	}
	if c.RateLimit.Burst < 1 || c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("rate_limit.burst and rate_limit.requests_per_second must be positive")
	}
	if c.Output.Directory == "" {
		return errors.New("output.directory is required")
	}
	return nil
}
