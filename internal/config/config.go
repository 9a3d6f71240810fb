package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/cwohlman/mailpipe/internal/cache"
	"github.com/cwohlman/mailpipe/internal/directory"
	"github.com/cwohlman/mailpipe/internal/pipeline"
	"github.com/cwohlman/mailpipe/internal/provider"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Config is the application configuration, loaded from a TOML file.
type Config struct {
	Pipeline struct {
		Queue              bool   `toml:"queue"`
		Persist            bool   `toml:"persist"`
		Autoprocess        bool   `toml:"autoprocess"`
		Domain             string `toml:"domain"`
		DefaultTemplate    string `toml:"default_template"`
		LayoutTemplate     string `toml:"layout_template"`
		DefaultFromAddress string `toml:"default_from_address"`
		TemplatesDir       string `toml:"templates_dir"`
		PollInterval       int    `toml:"poll_interval"`
		DrainConcurrency   int    `toml:"drain_concurrency"`
	} `toml:"pipeline"`

	Store struct {
		Type       string `toml:"type"` // "memory", "sqlite", "postgres", "mysql"
		DSN        string `toml:"dsn"`
		Collection string `toml:"collection"`
		RedisAddr  string `toml:"redis_addr"`
		RedisDB    int    `toml:"redis_db"`
		RedisPass  string `toml:"redis_password"`
		RedisChan  string `toml:"redis_channel"`
	} `toml:"store"`

	Directory struct {
		Type         string `toml:"type"` // "static", "sql", "ldap"
		Domain       string `toml:"domain"`
		Driver       string `toml:"driver"`
		DSN          string `toml:"dsn"`
		Host         string `toml:"host"`
		Port         int    `toml:"port"`
		BindDN       string `toml:"bind_dn"`
		BindPassword string `toml:"bind_password"`
		BaseDN       string `toml:"base_dn"`
	} `toml:"directory"`

	Cache struct {
		Enabled bool   `toml:"enabled"`
		Type    string `toml:"type"` // "memory", "redis", "memcached"
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
		Pass    string `toml:"password"`
		DB      int    `toml:"db"`
		TTL     int    `toml:"ttl"`
	} `toml:"cache"`

	Provider struct {
		Type     string `toml:"type"` // "smtp", "log"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		Hostname string `toml:"hostname"`
		Breaker  bool   `toml:"breaker"`
	} `toml:"provider"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`

	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text", "json"
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.Queue = false
	cfg.Pipeline.Persist = true
	cfg.Pipeline.Autoprocess = false
	cfg.Pipeline.Domain = "example.com"
	cfg.Pipeline.PollInterval = 15
	cfg.Pipeline.DrainConcurrency = 4

	cfg.Store.Type = "memory"
	cfg.Store.Collection = "emails"

	cfg.Directory.Type = "static"

	cfg.Cache.Type = "memory"
	cfg.Cache.TTL = 300

	cfg.Provider.Type = "log"
	cfg.Provider.Port = 25
	cfg.Provider.Hostname = "localhost"

	cfg.API.Listen = ":8025"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailpipe.conf",
		"./config/mailpipe.conf",
		os.ExpandEnv("$HOME/.mailpipe.conf"),
		"/etc/mailpipe/mailpipe.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads the configuration file at configPath, falling back
// to defaults when no file exists.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "", "memory":
	case "sqlite", "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store type %q requires a dsn", c.Store.Type)
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}

	switch c.Directory.Type {
	case "", "static":
	case "sql":
		if c.Directory.DSN == "" {
			return fmt.Errorf("sql directory requires a dsn")
		}
	case "ldap":
		if c.Directory.Host == "" {
			return fmt.Errorf("ldap directory requires a host")
		}
	default:
		return fmt.Errorf("unknown directory type: %s", c.Directory.Type)
	}

	switch c.Provider.Type {
	case "", "log":
	case "smtp":
		if c.Provider.Host == "" {
			return fmt.Errorf("smtp provider requires a host")
		}
	default:
		return fmt.Errorf("unknown provider type: %s", c.Provider.Type)
	}
	return nil
}

// PipelineOptions maps the pipeline section onto pipeline.Options.
func (c *Config) PipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Queue = c.Pipeline.Queue
	opts.Persist = c.Pipeline.Persist
	opts.Autoprocess = c.Pipeline.Autoprocess
	opts.Domain = c.Pipeline.Domain
	opts.DefaultTemplate = c.Pipeline.DefaultTemplate
	opts.LayoutTemplate = c.Pipeline.LayoutTemplate
	opts.DefaultFromAddress = c.Pipeline.DefaultFromAddress
	if c.Pipeline.PollInterval > 0 {
		opts.PollInterval = time.Duration(c.Pipeline.PollInterval) * time.Second
	}
	if c.Pipeline.DrainConcurrency > 0 {
		opts.DrainConcurrency = c.Pipeline.DrainConcurrency
	}
	return opts
}

// StoreConfig maps the store section onto store.Config.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:       c.Store.Type,
		DSN:        c.Store.DSN,
		Collection: c.Store.Collection,
		RedisAddr:  c.Store.RedisAddr,
		RedisDB:    c.Store.RedisDB,
		RedisPass:  c.Store.RedisPass,
		RedisChan:  c.Store.RedisChan,
	}
}

// DirectoryConfig maps the directory section onto directory.Config.
func (c *Config) DirectoryConfig() directory.Config {
	domain := c.Directory.Domain
	if domain == "" {
		domain = c.Pipeline.Domain
	}
	return directory.Config{
		Type:         c.Directory.Type,
		Domain:       domain,
		Driver:       c.Directory.Driver,
		DSN:          c.Directory.DSN,
		Host:         c.Directory.Host,
		Port:         c.Directory.Port,
		BindDN:       c.Directory.BindDN,
		BindPassword: c.Directory.BindPassword,
		BaseDN:       c.Directory.BaseDN,
	}
}

// CacheConfig maps the cache section onto cache.Config.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Type:     c.Cache.Type,
		Host:     c.Cache.Host,
		Port:     c.Cache.Port,
		Password: c.Cache.Pass,
		Database: c.Cache.DB,
	}
}

// SMTPConfig maps the provider section onto provider.SMTPConfig.
func (c *Config) SMTPConfig() provider.SMTPConfig {
	return provider.SMTPConfig{
		Host:     c.Provider.Host,
		Port:     c.Provider.Port,
		Username: c.Provider.Username,
		Password: c.Provider.Password,
		Hostname: c.Provider.Hostname,
	}
}
