package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/conduit/internal/isolation"
	"github.com/seantiz/conduit/internal/pool"
)

const (
	defaultAdminAddr = ":8080"
	defaultDBPath    = "conduit.db"
	defaultResource  = ResourceKV

	envAdminAddr     = "CONDUIT_ADMIN_ADDR"
	envDBPath        = "CONDUIT_DB_PATH"
	envLogLevel      = "CONDUIT_LOG_LEVEL"
	envResource      = "CONDUIT_RESOURCE"
	envLockWait      = "CONDUIT_LOCK_WAIT_TIMEOUT"
	envConfigFile    = "CONDUIT_CONFIG"
	envPoolCore      = "CONDUIT_POOL_CORE"
	envPoolMax       = "CONDUIT_POOL_MAX"
	envPoolQueue     = "CONDUIT_POOL_QUEUE"
	envPoolKeepAlive = "CONDUIT_POOL_KEEPALIVE"
	envPoolRejection = "CONDUIT_POOL_REJECTION"
)

// Transactional resources the binary can run its manager against.
const (
	ResourceKV     = "kv"
	ResourceSQLite = "sqlite"
)

// Config holds application configuration.
type Config struct {
	AdminAddr string
	DBPath    string
	LogLevel  slog.Level
	// Resource selects the store transactions run against: ResourceKV or
	// ResourceSQLite.
	Resource string
	// LockWaitTimeout bounds each lock wait in the kv resource; zero waits
	// until the context ends or a deadlock is detected.
	LockWaitTimeout time.Duration
	Pool            PoolConfig
}

// PoolConfig sizes the worker pool. Rejection is a policy name accepted by
// pool.ParsePolicy.
type PoolConfig struct {
	CoreSize      int
	MaxSize       int
	QueueCapacity int
	KeepAlive     time.Duration
	Rejection     string
}

// Build converts p to a validated pool.Config.
func (p PoolConfig) Build() (pool.Config, error) {
	policy, err := pool.ParsePolicy(p.Rejection)
	if err != nil {
		return pool.Config{}, err
	}
	cfg := pool.Config{
		CoreSize:      p.CoreSize,
		MaxSize:       p.MaxSize,
		QueueCapacity: p.QueueCapacity,
		KeepAlive:     p.KeepAlive,
		Rejection:     policy,
	}
	if err := cfg.Validate(); err != nil {
		return pool.Config{}, fmt.Errorf("pool: %w", err)
	}
	return cfg, nil
}

// FileConfig is the on-disk configuration document.
type FileConfig struct {
	AdminAddr string   `yaml:"admin_addr" json:"admin_addr"`
	DBPath    string   `yaml:"db_path" json:"db_path"`
	LogLevel  string   `yaml:"log_level" json:"log_level"`
	Resource  string   `yaml:"resource" json:"resource"`
	LockWait  string   `yaml:"lock_wait_timeout" json:"lock_wait_timeout"`
	Pool      FilePool `yaml:"pool" json:"pool"`
}

// FilePool is the pool section of FileConfig. Zero values keep the defaults.
type FilePool struct {
	CoreSize      int    `yaml:"core_size" json:"core_size"`
	MaxSize       int    `yaml:"max_size" json:"max_size"`
	QueueCapacity int    `yaml:"queue_capacity" json:"queue_capacity"`
	KeepAlive     string `yaml:"keep_alive" json:"keep_alive"`
	Rejection     string `yaml:"rejection" json:"rejection"`
}

// LoadFile reads a YAML or JSON configuration file, chosen by extension.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	return &fc, nil
}

// apply overlays the non-zero fields of fc onto cfg.
func (fc *FileConfig) apply(cfg *Config) error {
	if fc.AdminAddr != "" {
		cfg.AdminAddr = fc.AdminAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.Resource != "" {
		cfg.Resource = fc.Resource
	}
	if fc.LockWait != "" {
		d, err := time.ParseDuration(fc.LockWait)
		if err != nil {
			return fmt.Errorf("invalid lock_wait_timeout: %w", err)
		}
		cfg.LockWaitTimeout = d
	}

	p := fc.Pool
	if p.CoreSize > 0 {
		cfg.Pool.CoreSize = p.CoreSize
	}
	if p.MaxSize > 0 {
		cfg.Pool.MaxSize = p.MaxSize
	}
	if p.QueueCapacity > 0 {
		cfg.Pool.QueueCapacity = p.QueueCapacity
	}
	if p.KeepAlive != "" {
		d, err := time.ParseDuration(p.KeepAlive)
		if err != nil {
			return fmt.Errorf("invalid pool.keep_alive: %w", err)
		}
		cfg.Pool.KeepAlive = d
	}
	if p.Rejection != "" {
		cfg.Pool.Rejection = p.Rejection
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	pc := pool.DefaultConfig()
	return Config{
		AdminAddr:       defaultAdminAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		Resource:        defaultResource,
		LockWaitTimeout: isolation.DefaultWaitTimeout,
		Pool: PoolConfig{
			CoreSize:      pc.CoreSize,
			MaxSize:       pc.MaxSize,
			QueueCapacity: pc.QueueCapacity,
			KeepAlive:     pc.KeepAlive,
			Rejection:     pc.Rejection.Name(),
		},
	}
}

// Load builds the configuration from defaults, then the file named by
// CONDUIT_CONFIG if set, then environment variables. The resource name and
// the pool section are validated.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv(envAdminAddr); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envResource); v != "" {
		cfg.Resource = strings.ToLower(v)
	}
	if v := os.Getenv(envLockWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envLockWait, err)
		}
		cfg.LockWaitTimeout = d
	}

	for env, dst := range map[string]*int{
		envPoolCore:  &cfg.Pool.CoreSize,
		envPoolMax:   &cfg.Pool.MaxSize,
		envPoolQueue: &cfg.Pool.QueueCapacity,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", env, err)
		}
		*dst = n
	}
	if v := os.Getenv(envPoolKeepAlive); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envPoolKeepAlive, err)
		}
		cfg.Pool.KeepAlive = d
	}
	if v := os.Getenv(envPoolRejection); v != "" {
		cfg.Pool.Rejection = v
	}

	switch cfg.Resource {
	case ResourceKV, ResourceSQLite:
	default:
		return cfg, fmt.Errorf("unknown resource %q", cfg.Resource)
	}
	if _, err := cfg.Pool.Build(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
