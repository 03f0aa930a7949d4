// Package config loads the service configuration from a YAML file, a .env
// file and FEEDSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Source kinds.
const (
	SourceFile = "file"
	SourceHTTP = "http"
	SourceRSS  = "rss"
)

// Duration is a time.Duration written as a Go duration string ("1.5s", "15m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type ConfigSchema struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	Logs struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logs"`

	Database struct {
		Driver    string `yaml:"driver"`
		Path      string `yaml:"path"`
		URL       string `yaml:"url"`
		CacheSize int    `yaml:"cache_size"`
		Redis     struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"db"`

	Source struct {
		Kind    string   `yaml:"kind"`
		Dir     string   `yaml:"dir"`
		URL     string   `yaml:"url"`
		OPML    string   `yaml:"opml"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"source"`

	Feed struct {
		PageSize     int      `yaml:"page_size"`
		MaxItems     int      `yaml:"max_items"`
		ErrorTTL     Duration `yaml:"error_ttl"`
		PollInterval Duration `yaml:"poll_interval"`
		Seed         bool     `yaml:"seed"`
	} `yaml:"feed"`
}

// Default returns the configuration used when nothing is set.
func Default() ConfigSchema {
	var c ConfigSchema
	c.ListenAddr = "0.0.0.0:8080"
	c.DataDir = "data"
	c.Logs.Level = "info"
	c.Logs.Format = "text"
	c.Database.Driver = DriverSQLite
	c.Database.Path = "feedsync.db"
	c.Database.CacheSize = 1024
	c.Database.Redis.Addr = "localhost:6379"
	c.Database.Redis.KeyPrefix = "feedsync:"
	c.Source.Kind = SourceFile
	c.Source.Dir = "listings"
	c.Source.Timeout = Duration(10 * time.Second)
	c.Feed.PageSize = 5
	c.Feed.MaxItems = 50
	c.Feed.ErrorTTL = Duration(1500 * time.Millisecond)
	c.Feed.PollInterval = Duration(15 * time.Minute)
	c.Feed.Seed = true
	return c
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path or a missing file leaves the defaults.
func Load(path string) (ConfigSchema, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Infof("No config file at %s, using defaults", path)
		case err != nil:
			return c, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, finding env vars from system")
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *ConfigSchema) applyEnv() error {
	strs := map[string]*string{
		"FEEDSYNC_LISTEN_ADDR":     &c.ListenAddr,
		"FEEDSYNC_DATA_DIR":        &c.DataDir,
		"FEEDSYNC_LOG_LEVEL":       &c.Logs.Level,
		"FEEDSYNC_LOG_FORMAT":      &c.Logs.Format,
		"FEEDSYNC_DATABASE_DRIVER": &c.Database.Driver,
		"FEEDSYNC_DATABASE_PATH":   &c.Database.Path,
		"FEEDSYNC_DATABASE_URL":    &c.Database.URL,
		"FEEDSYNC_REDIS_ADDR":      &c.Database.Redis.Addr,
		"FEEDSYNC_REDIS_PASSWORD":  &c.Database.Redis.Password,
		"FEEDSYNC_SOURCE_KIND":     &c.Source.Kind,
		"FEEDSYNC_SOURCE_DIR":      &c.Source.Dir,
		"FEEDSYNC_SOURCE_URL":      &c.Source.URL,
		"FEEDSYNC_SOURCE_OPML":     &c.Source.OPML,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FEEDSYNC_PAGE_SIZE":  &c.Feed.PageSize,
		"FEEDSYNC_MAX_ITEMS":  &c.Feed.MaxItems,
		"FEEDSYNC_CACHE_SIZE": &c.Database.CacheSize,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"FEEDSYNC_ERROR_TTL":     &c.Feed.ErrorTTL,
		"FEEDSYNC_POLL_INTERVAL": &c.Feed.PollInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = Duration(d)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c ConfigSchema) Validate() error {
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.Feed.PageSize)
	}
	if c.Feed.MaxItems < c.Feed.PageSize {
		return fmt.Errorf("max_items (%d) must be at least page_size (%d)", c.Feed.MaxItems, c.Feed.PageSize)
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("postgres driver requires db.url")
		}
	case DriverRedis:
		if c.Database.Redis.Addr == "" {
			return errors.New("redis driver requires db.redis.addr")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Source.Kind {
	case SourceFile:
	case SourceHTTP:
		if c.Source.URL == "" {
			return errors.New("http source requires source.url")
		}
	case SourceRSS:
		if c.Source.OPML == "" {
			return errors.New("rss source requires source.opml")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}
	if _, err := log.ParseLevel(c.Logs.Level); err != nil {
		return fmt.Errorf("logs.level: %w", err)
	}
	return nil
}

// ConfigureLogging applies the log level and format.
func (c ConfigSchema) ConfigureLogging() {
	if level, err := log.ParseLevel(c.Logs.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Logs.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
