// Package config provides configuration for the vgraph server.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "VGRAPH"

// Key is one configuration key with its default.
type Key struct {
	Key         string
	Default     any
	Description string
}

// Registry lists every key with its default value.
var Registry = []Key{
	{Key: "listen", Default: ":7448", Description: "HTTP listen address"},
	{Key: "data_dir", Default: "./data", Description: "Root directory for local state"},
	{Key: "version", Default: "0.1.0", Description: "Server version string"},
	{Key: "debug", Default: false, Description: "Development logging"},
	{Key: "log.level", Default: "info", Description: "Log level"},

	{Key: "database.driver", Default: "sqlite", Description: "sqlite or pgx"},
	{Key: "database.url", Default: "", Description: "DSN; defaults to <data_dir>/vgraph.db for sqlite"},
	{Key: "redis.url", Default: "", Description: "Redis URL for the rebase queue, events and the CAS tier"},

	{Key: "cas.memory_entries", Default: 4096, Description: "LRU capacity of the memory tier"},
	{Key: "cas.memory_idle_ttl", Default: 10 * time.Minute, Description: "Idle eviction for the memory tier"},
	{Key: "cas.badger_path", Default: "", Description: "Badger directory; empty disables the tier"},
	{Key: "cas.sql", Default: true, Description: "Keep blobs in the database"},
	{Key: "cas.s3.endpoint", Default: "", Description: "S3 endpoint; empty disables the tier"},
	{Key: "cas.s3.bucket", Default: "vgraph", Description: "S3 bucket"},
	{Key: "cas.s3.access_key", Default: "", Description: "S3 access key"},
	{Key: "cas.s3.secret_key", Default: "", Description: "S3 secret key"},
	{Key: "cas.s3.use_ssl", Default: true, Description: "Use TLS for S3"},

	{Key: "rebase.timeout", Default: 60 * time.Second, Description: "Ceiling on waiting for a rebase reply"},
	{Key: "rebase.replay_concurrency", Default: 4, Description: "Change sets a HEAD update is replayed onto at once"},
	{Key: "rebase.batch_kind", Default: "split", Description: "legacy or split"},
	{Key: "dvu.wait_timeout", Default: 60 * time.Second, Description: "Ceiling on waiting for dependent value updates"},
	{Key: "dvu.poll_interval", Default: 50 * time.Millisecond, Description: "Dependent value poll interval"},
	{Key: "dvu.worker_interval", Default: time.Second, Description: "Dependent value worker pass interval"},
	{Key: "snapshot.fetch_attempts", Default: 5, Description: "Snapshot fetch attempts"},
	{Key: "snapshot.fetch_interval", Default: 5 * time.Millisecond, Description: "Delay between snapshot fetch attempts"},
	{Key: "snapshot.slow_workers", Default: 0, Description: "CPU-bound worker slots; 0 uses the CPU count"},

	{Key: "approval.required", Default: false, Description: "Require approval before apply"},
	{Key: "approval.allow_self", Default: false, Description: "Allow requesters to review their own change sets"},
	{Key: "retention.interval", Default: time.Hour, Description: "Retention sweep interval"},
	{Key: "retention.age", Default: 24 * time.Hour, Description: "Unused blobs older than this are swept"},
	{Key: "auth.jwt_secret", Default: "", Description: "HS256 secret for bearer tokens; empty disables auth"},
}

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7448").
	Listen string `mapstructure:"listen" validate:"required"`
	// DataDir is the root directory for database and Badger files.
	DataDir string `mapstructure:"data_dir" validate:"required"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`

	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	CAS       CASConfig       `mapstructure:"cas"`
	Rebase    RebaseConfig    `mapstructure:"rebase"`
	DVU       DVUConfig       `mapstructure:"dvu"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Retention RetentionConfig `mapstructure:"retention"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite pgx"`
	URL    string `mapstructure:"url" validate:"required_if=Driver pgx"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type CASConfig struct {
	MemoryEntries int           `mapstructure:"memory_entries" validate:"gte=1"`
	MemoryIdleTTL time.Duration `mapstructure:"memory_idle_ttl" validate:"gte=0"`
	BadgerPath    string        `mapstructure:"badger_path"`
	SQL           bool          `mapstructure:"sql"`
	S3            S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket" validate:"required_with=Endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type RebaseConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ReplayConcurrency int           `mapstructure:"replay_concurrency" validate:"gte=1"`
	BatchKind         string        `mapstructure:"batch_kind" validate:"oneof=legacy split"`
}

type DVUConfig struct {
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	WorkerInterval time.Duration `mapstructure:"worker_interval" validate:"gt=0"`
}

type SnapshotConfig struct {
	FetchAttempts int           `mapstructure:"fetch_attempts" validate:"gte=1"`
	FetchInterval time.Duration `mapstructure:"fetch_interval" validate:"gte=0"`
	SlowWorkers   int           `mapstructure:"slow_workers" validate:"gte=0"`
}

type ApprovalConfig struct {
	Required  bool `mapstructure:"required"`
	AllowSelf bool `mapstructure:"allow_self"`
}

type RetentionConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Age      time.Duration `mapstructure:"age" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, k := range Registry {
		v.SetDefault(k.Key, k.Default)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from defaults, the optional file at path (YAML or
// JSON by extension) and VGRAPH_* environment variables, in increasing
// precedence.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}
	return build(v)
}

// FromEnv creates a Config from defaults and environment variables.
func FromEnv() (*Config, error) {
	return build(newViper())
}

func build(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.URL == "" {
		cfg.Database.URL = filepath.Join(cfg.DataDir, "vgraph.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
