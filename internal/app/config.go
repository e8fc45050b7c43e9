package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/snovault-indexer/internal/platform/envutil"
	"github.com/yungbote/snovault-indexer/internal/render"
)

const DefaultAppName = "app"

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type IndexConfig struct {
	// Backend is one of elastic, pebble or memory.
	Backend   string   `yaml:"backend"`
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Name      string   `yaml:"name"`
	MetaName  string   `yaml:"meta_name"`
	Path      string   `yaml:"path"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	Channel  string        `yaml:"channel"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type IndexerConfig struct {
	PoolSize          int           `yaml:"pool_size"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ResultPoll        time.Duration `yaml:"result_poll"`
	Backoff           time.Duration `yaml:"backoff"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RebuildQPS        float64       `yaml:"rebuild_qps"`
	InvalidationLimit int           `yaml:"invalidation_limit"`
	MaxErrors         int           `yaml:"max_errors"`
	Types             []string      `yaml:"types"`
	Username          string        `yaml:"username"`
	Recovery          bool          `yaml:"recovery"`
	StatusSize        int           `yaml:"status_size"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

type OtelConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Config is one entry of the apps: map in the config file.
type Config struct {
	Name     string                     `yaml:"-"`
	Postgres PostgresConfig             `yaml:"postgres"`
	Index    IndexConfig                `yaml:"index"`
	Redis    RedisConfig                `yaml:"redis"`
	Indexer  IndexerConfig              `yaml:"indexer"`
	Auth     AuthConfig                 `yaml:"auth"`
	HTTP     HTTPConfig                 `yaml:"http"`
	Log      LogConfig                  `yaml:"log"`
	Otel     OtelConfig                 `yaml:"otel"`
	Types    map[string]render.TypeInfo `yaml:"types"`
}

type file struct {
	Apps map[string]Config `yaml:"apps"`
}

// ParseURI splits "path#name" into its parts; the fragment overrides appName.
func ParseURI(uri, appName string) (path, name string) {
	path = strings.TrimPrefix(strings.TrimSpace(uri), "config:")
	name = strings.TrimSpace(appName)
	if i := strings.LastIndexByte(path, '#'); i >= 0 {
		if frag := strings.TrimSpace(path[i+1:]); frag != "" {
			name = frag
		}
		path = path[:i]
	}
	if name == "" {
		name = DefaultAppName
	}
	return path, name
}

// LoadConfig reads the app section named by uri/appName and applies
// environment overrides and defaults. An empty uri yields a config built
// from the environment alone.
func LoadConfig(uri, appName string) (Config, error) {
	path, name := ParseURI(uri, appName)
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var f file
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		c, ok := f.Apps[name]
		if !ok {
			return Config{}, fmt.Errorf("config %s: no app named %q", path, name)
		}
		cfg = c
	}
	cfg.Name = name
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(c *Config) {
	c.Postgres.DSN = envutil.String("SNOINDEX_POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.MaxOpenConns = envutil.Int("SNOINDEX_POSTGRES_MAX_OPEN_CONNS", c.Postgres.MaxOpenConns)
	c.Postgres.AutoMigrate = envutil.Bool("SNOINDEX_POSTGRES_AUTO_MIGRATE", c.Postgres.AutoMigrate)

	c.Index.Backend = envutil.String("SNOINDEX_INDEX_BACKEND", c.Index.Backend)
	c.Index.Addresses = envutil.CSV("SNOINDEX_INDEX_ADDRESSES", c.Index.Addresses)
	c.Index.Username = envutil.String("SNOINDEX_INDEX_USERNAME", c.Index.Username)
	c.Index.Password = envutil.String("SNOINDEX_INDEX_PASSWORD", c.Index.Password)
	c.Index.Name = envutil.String("SNOINDEX_INDEX_NAME", c.Index.Name)
	c.Index.Path = envutil.String("SNOINDEX_INDEX_PATH", c.Index.Path)

	c.Redis.Addr = envutil.String("SNOINDEX_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envutil.String("SNOINDEX_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Channel = envutil.String("SNOINDEX_REDIS_CHANNEL", c.Redis.Channel)

	c.Indexer.PoolSize = envutil.Int("SNOINDEX_POOL_SIZE", c.Indexer.PoolSize)
	c.Indexer.MaxInFlight = envutil.Int("SNOINDEX_MAX_IN_FLIGHT", c.Indexer.MaxInFlight)
	c.Indexer.PollInterval = envutil.Duration("SNOINDEX_POLL_INTERVAL", c.Indexer.PollInterval)
	c.Indexer.Backoff = envutil.Duration("SNOINDEX_BACKOFF", c.Indexer.Backoff)
	c.Indexer.RebuildQPS = envutil.Float("SNOINDEX_REBUILD_QPS", c.Indexer.RebuildQPS)
	c.Indexer.Types = envutil.CSV("SNOINDEX_TYPES", c.Indexer.Types)

	c.Auth.JWTSecret = envutil.String("SNOINDEX_JWT_SECRET", c.Auth.JWTSecret)
	c.HTTP.Addr = envutil.String("SNOINDEX_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Mode = envutil.String("LOG_MODE", c.Log.Mode)

	c.Otel.Enabled = envutil.Bool("OTEL_ENABLED", c.Otel.Enabled)
	c.Otel.ServiceName = envutil.String("OTEL_SERVICE_NAME", c.Otel.ServiceName)
	c.Otel.Endpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", c.Otel.Endpoint)
}

func applyDefaults(c *Config) {
	if c.Index.Backend == "" {
		c.Index.Backend = "elastic"
	}
	if c.Index.Name == "" {
		c.Index.Name = "snovault"
	}
	if c.Index.MetaName == "" {
		c.Index.MetaName = "meta"
	}
	if c.Index.Backend == "elastic" && len(c.Index.Addresses) == 0 {
		c.Index.Addresses = []string{"http://localhost:9200"}
	}
	if c.Index.Backend == "pebble" && c.Index.Path == "" {
		c.Index.Path = "./data/index"
	}
	if c.Indexer.PollInterval <= 0 {
		c.Indexer.PollInterval = 60 * time.Second
	}
	if c.Indexer.Backoff <= 0 {
		c.Indexer.Backoff = 5 * time.Second
	}
	if c.Indexer.Username == "" {
		c.Indexer.Username = "INDEXER"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownGrace <= 0 {
		c.HTTP.ShutdownGrace = 10 * time.Second
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "development"
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "snovault-indexer"
	}
	if len(c.Types) == 0 {
		c.Types = render.DefaultTypes()
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	switch c.Index.Backend {
	case "elastic", "pebble", "memory":
	default:
		errs = append(errs, fmt.Errorf("index.backend %q is not one of elastic, pebble, memory", c.Index.Backend))
	}
	if c.Indexer.MaxInFlight < 0 {
		errs = append(errs, errors.New("indexer.max_in_flight must not be negative"))
	}
	if c.Indexer.RebuildQPS < 0 {
		errs = append(errs, errors.New("indexer.rebuild_qps must not be negative"))
	}
	return errors.Join(errs...)
}
