package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/tinoosan/shelfsync/internal/downloadcfg"
)

const envPrefix = "SHELFSYNC"

// DefaultPath is read when no config file is named. Its absence is not an
// error; defaults and the environment are enough to run.
const DefaultPath = "shelfsync.yaml"

type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Aria2    Aria2Config    `mapstructure:"aria2" yaml:"aria2"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Reporter ReporterConfig `mapstructure:"reporter" yaml:"reporter"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
}

type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is the sqlite file path or the postgres URL. An empty sqlite DSN
	// means {data_dir}/shelfsync.db; an empty postgres DSN is read from the
	// POSTGRES_* variables.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Aria2Config selects the transfer backend: with an empty RPCURL transfers
// run in-process over HTTP.
type Aria2Config struct {
	RPCURL    string `mapstructure:"rpc_url" yaml:"rpc_url"`
	Secret    string `mapstructure:"secret" yaml:"secret"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	PollMS    int    `mapstructure:"poll_ms" yaml:"poll_ms"`
}

type MediaConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Token        string        `mapstructure:"token" yaml:"token"`
	ConnectionID string        `mapstructure:"connection_id" yaml:"connection_id"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Addr  string `mapstructure:"addr" yaml:"addr"`
	Token string `mapstructure:"token" yaml:"token"`
}

type LogConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Stdout     bool   `mapstructure:"stdout" yaml:"stdout"`
}

type ReporterConfig struct {
	IntervalSeconds int           `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	SyncInterval    time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

type DownloadConfig struct {
	Workers         int    `mapstructure:"workers" yaml:"workers"`
	CollisionPolicy string `mapstructure:"collision_policy" yaml:"collision_policy"`
}

// Load reads an optional .env, then path (or DefaultPath), then SHELFSYNC_*
// environment overrides such as SHELFSYNC_MEDIA_TOKEN.
func Load(path string) (*Config, error) {
	// godotenv never overrides variables already set.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Every key needs a default so AutomaticEnv can override it on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("aria2.rpc_url", "")
	v.SetDefault("aria2.secret", "")
	v.SetDefault("aria2.timeout_ms", 3000)
	v.SetDefault("aria2.poll_ms", 1000)
	v.SetDefault("media.base_url", "")
	v.SetDefault("media.token", "")
	v.SetDefault("media.connection_id", "default")
	v.SetDefault("media.timeout", "15s")
	v.SetDefault("api.addr", "127.0.0.1:9090")
	v.SetDefault("api.token", "")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stdout", true)
	v.SetDefault("reporter.interval_seconds", 30)
	v.SetDefault("reporter.sync_interval", "5m")
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.collision_policy", string(downloadcfg.CollisionOverwrite))
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	c.DataDir = abs

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DSN == "" {
			c.Store.DSN = filepath.Join(c.DataDir, "shelfsync.db")
		}
	case "postgres":
		// An empty DSN is assembled from POSTGRES_* when the store opens.
	default:
		return fmt.Errorf("store.driver %q: want sqlite or postgres", c.Store.Driver)
	}

	if c.Media.BaseURL != "" {
		u, err := url.Parse(c.Media.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("media.base_url %q must be an http(s) URL", c.Media.BaseURL)
		}
	}
	if c.Media.ConnectionID == "" {
		return errors.New("media.connection_id is required")
	}

	if c.Reporter.IntervalSeconds <= 0 {
		c.Reporter.IntervalSeconds = 30
	}
	if c.Download.Workers <= 0 {
		c.Download.Workers = 4
	}
	if !downloadcfg.CollisionPolicy(c.Download.CollisionPolicy).Valid() {
		return fmt.Errorf("download.collision_policy %q: want error, overwrite or rename", c.Download.CollisionPolicy)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if !c.Log.Stdout && c.Log.Path == "" {
		// Nothing would be logged at all.
		c.Log.Stdout = true
	}
	return nil
}

// RequireMedia reports an error unless a media server is configured. Only
// commands that talk to the server directly need one.
func (c *Config) RequireMedia() error {
	if c.Media.BaseURL == "" {
		return errors.New("media.base_url is required")
	}
	return nil
}

func (c *Config) Policy() downloadcfg.CollisionPolicy {
	return downloadcfg.ParseCollisionPolicy(c.Download.CollisionPolicy)
}

// UsesAria2 reports whether transfers go through an aria2 daemon.
func (c *Config) UsesAria2() bool { return c.Aria2.RPCURL != "" }
