package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the routing daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	StoreDSN       string
	ControlPort    int
	HTTPPort       int
	CacheBackend   string // routing cache backend: "memory" or "redis"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	ForwardDepth   int
	LocalServerID  int64
	ServerMap      string // "id=host" pairs for remote telephone servers, comma separated
	DialoutTarget  string // engine target template for external calls, "{number}" is substituted
	LogLevel       string
	LogFormat      string // log output format: "text" or "json"
}

// defaults
const (
	defaultControlPort    = 4569
	defaultHTTPPort       = 9000
	defaultCacheBackend   = "memory"
	defaultRedisAddr      = "127.0.0.1:6379"
	defaultCacheTTL       = 5 * time.Minute
	defaultRequestTimeout = 5 * time.Second
	defaultForwardDepth   = 16
	defaultLocalServerID  = 1
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// envPrefix is the prefix for all routingd environment variables.
const envPrefix = "ROUTINGD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

// load is the testable core of Load.
func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("routingd", flag.ContinueOnError)

	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "PostgreSQL DSN of the extension store")
	fs.IntVar(&cfg.ControlPort, "control-port", defaultControlPort, "TCP listen port for the telephone engine control channel")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for diagnostics and metrics")
	fs.StringVar(&cfg.CacheBackend, "cache-backend", defaultCacheBackend, "routing result cache backend (memory, redis)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis address for the shared routing cache")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", defaultCacheTTL, "lifetime of cached intermediate routing results")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", defaultRequestTimeout, "deadline for one routing computation")
	fs.IntVar(&cfg.ForwardDepth, "forward-depth", defaultForwardDepth, "maximum length of a call forwarding chain")
	fs.Int64Var(&cfg.LocalServerID, "local-server-id", defaultLocalServerID, "id of the telephone server this instance routes for")
	fs.StringVar(&cfg.ServerMap, "server-map", "", "remote telephone servers as comma-separated id=host pairs")
	fs.StringVar(&cfg.DialoutTarget, "dialout-target", "", "engine target template for external calls, {number} is substituted")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"store-dsn":       envPrefix + "STORE_DSN",
		"control-port":    envPrefix + "CONTROL_PORT",
		"http-port":       envPrefix + "HTTP_PORT",
		"cache-backend":   envPrefix + "CACHE_BACKEND",
		"redis-addr":      envPrefix + "REDIS_ADDR",
		"redis-password":  envPrefix + "REDIS_PASSWORD",
		"redis-db":        envPrefix + "REDIS_DB",
		"cache-ttl":       envPrefix + "CACHE_TTL",
		"request-timeout": envPrefix + "REQUEST_TIMEOUT",
		"forward-depth":   envPrefix + "FORWARD_DEPTH",
		"local-server-id": envPrefix + "LOCAL_SERVER_ID",
		"server-map":      envPrefix + "SERVER_MAP",
		"dialout-target":  envPrefix + "DIALOUT_TARGET",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "store-dsn":
			cfg.StoreDSN = val
		case "control-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ControlPort = v
			}
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "cache-backend":
			cfg.CacheBackend = val
		case "redis-addr":
			cfg.RedisAddr = val
		case "redis-password":
			cfg.RedisPassword = val
		case "redis-db":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RedisDB = v
			}
		case "cache-ttl":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CacheTTL = v
			}
		case "request-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RequestTimeout = v
			}
		case "forward-depth":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ForwardDepth = v
			}
		case "local-server-id":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.LocalServerID = v
			}
		case "server-map":
			cfg.ServerMap = val
		case "dialout-target":
			cfg.DialoutTarget = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("store-dsn is required")
	}
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		return fmt.Errorf("control-port must be between 1 and 65535, got %d", c.ControlPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validBackends := map[string]bool{"memory": true, "redis": true}
	if !validBackends[strings.ToLower(c.CacheBackend)] {
		return fmt.Errorf("cache-backend must be one of memory, redis; got %q", c.CacheBackend)
	}
	c.CacheBackend = strings.ToLower(c.CacheBackend)

	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache-ttl must be positive, got %s", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ForwardDepth < 1 {
		return fmt.Errorf("forward-depth must be at least 1, got %d", c.ForwardDepth)
	}
	if c.DialoutTarget != "" && !strings.Contains(c.DialoutTarget, "{number}") {
		return fmt.Errorf("dialout-target must contain the {number} placeholder, got %q", c.DialoutTarget)
	}
	if _, err := c.ServerContacts(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogLevel maps the configured log level onto slog's level type.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler builds the configured slog handler writing to w.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ServerContacts parses the server-map flag into a server-id to SIP contact
// host mapping.
func (c *Config) ServerContacts() (map[int64]string, error) {
	contacts := make(map[int64]string)
	if c.ServerMap == "" {
		return contacts, nil
	}
	for _, pair := range strings.Split(c.ServerMap, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idStr, host, ok := strings.Cut(pair, "=")
		if !ok || host == "" {
			return nil, fmt.Errorf("server-map entry %q must have the form id=host", pair)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("server-map entry %q has a non-numeric id", pair)
		}
		contacts[id] = strings.TrimSpace(host)
	}
	return contacts, nil
}
