// Package config holds the hle-addon daemon configuration, populated from
// the environment with a few command-line overrides.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/hle-world/hle-addon/internal/netutil"
)

// Config is the full daemon configuration. Defaults suit the add-on
// container layout (/data for persistent state).
type Config struct {
	Listen    string `env:"HLE_LISTEN" envDefault:":8099"`
	DBPath    string `env:"HLE_DB_PATH" envDefault:"/data/hle.db"`
	LogLevel  string `env:"HLE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HLE_LOG_FORMAT" envDefault:"text"`

	RelayHost string `env:"HLE_RELAY_HOST" envDefault:"hle.world"`
	APIKey    string `env:"HLE_API_KEY"`

	// MgmtKey gates the local management API. Empty leaves it open for
	// layouts where the supervisor already restricts the listener.
	MgmtKey string `env:"HLE_MGMT_KEY"`

	// TokenPepper salts share-token hashes. Empty means hashes are derived
	// from the token alone; set it to invalidate all tokens on rotation.
	TokenPepper string `env:"HLE_TOKEN_PEPPER"`

	ClientImage string `env:"HLE_CLIENT_IMAGE" envDefault:"ghcr.io/hle-world/hle-client:latest"`

	PollInterval       time.Duration `env:"HLE_POLL_INTERVAL" envDefault:"2s"`
	ConfirmWindow      time.Duration `env:"HLE_CONFIRM_WINDOW" envDefault:"5s"`
	SpawnTimeout       time.Duration `env:"HLE_SPAWN_TIMEOUT" envDefault:"30s"`
	TerminateTimeout   time.Duration `env:"HLE_TERMINATE_TIMEOUT" envDefault:"15s"`
	CrashLoopThreshold int           `env:"HLE_CRASHLOOP_THRESHOLD" envDefault:"5"`
	CrashLoopWindow    time.Duration `env:"HLE_CRASHLOOP_WINDOW" envDefault:"2m"`

	// PprofAddr enables a pprof listener when non-empty, e.g. "127.0.0.1:6060".
	PprofAddr string `env:"HLE_PPROF_ADDR"`
}

// Load parses the environment and then applies flag overrides from args.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "management API listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text|json)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	c.RelayHost = netutil.NormalizeHost(c.RelayHost)
	if c.RelayHost == "" {
		return fmt.Errorf("relay host must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ConfirmWindow <= 0 {
		return fmt.Errorf("confirm window must be positive")
	}
	if c.CrashLoopThreshold < 1 {
		return fmt.Errorf("crash-loop threshold must be at least 1")
	}
	return nil
}
