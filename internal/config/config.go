package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port         int           `env:"PORT" envDefault:"3000"`
	MasterSecret string        `env:"MASTER_SECRET,notEmpty"`
	GinMode      string        `env:"GIN_MODE" envDefault:"release"`
	TLSCertFile  string        `env:"TLS_CERT_FILE"`
	TLSKeyFile   string        `env:"TLS_KEY_FILE"`
	TokenExpiry  time.Duration `env:"TOKEN_EXPIRY" envDefault:"168h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Database  Database
	Messaging Messaging
	Linking   Linking
	Demo      Demo
}

type Database struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DB_DSN" envDefault:"linkbridge.db"`
}

type Messaging struct {
	Driver  string `env:"MESSAGING_DRIVER" envDefault:"demo"`
	APIID   int    `env:"MESSAGING_API_ID"`
	APIHash string `env:"MESSAGING_API_HASH"`
}

type Linking struct {
	TokenTTL          time.Duration `env:"LINK_TOKEN_TTL" envDefault:"60s"`
	ConnectTimeout    time.Duration `env:"LINK_CONNECT_TIMEOUT" envDefault:"10s"`
	PollWait          time.Duration `env:"LINK_POLL_WAIT" envDefault:"3s"`
	SignInTimeout     time.Duration `env:"LINK_SIGNIN_TIMEOUT" envDefault:"15s"`
	MaxSecretAttempts int           `env:"LINK_MAX_SECRET_ATTEMPTS" envDefault:"3"`
	SecondFactorTTL   time.Duration `env:"LINK_SECOND_FACTOR_TTL" envDefault:"5m"`
	MaxConcurrentOps  int           `env:"LINK_MAX_CONCURRENT_OPS" envDefault:"16"`
	StartRateLimit    int           `env:"LINK_START_RATE_LIMIT" envDefault:"10"`
	StartRateWindow   time.Duration `env:"LINK_START_RATE_WINDOW" envDefault:"1m"`
	AllowedRoles      []string      `env:"LINK_ALLOWED_ROLES" envSeparator:","`
}

type Demo struct {
	AutoApproveAfter time.Duration `env:"DEMO_AUTO_APPROVE_AFTER" envDefault:"0s"`
	Secret           string        `env:"DEMO_SECRET"`
}

const (
	minTokenTTL = 10 * time.Second
	maxTokenTTL = 5 * time.Minute
)

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(env.ToMap(os.Environ()))
}

func LoadConfigFromEnv(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if c.TokenExpiry <= 0 {
		errs = append(errs, errors.New("TOKEN_EXPIRY must be positive"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}

	c.Messaging.Driver = strings.ToLower(strings.TrimSpace(c.Messaging.Driver))
	if c.Messaging.Driver != "demo" {
		errs = append(errs, fmt.Errorf("unsupported MESSAGING_DRIVER %q", c.Messaging.Driver))
	}

	l := c.Linking
	if l.TokenTTL < minTokenTTL || l.TokenTTL > maxTokenTTL {
		errs = append(errs, fmt.Errorf("LINK_TOKEN_TTL must be between %s and %s", minTokenTTL, maxTokenTTL))
	}
	if l.ConnectTimeout <= 0 || l.PollWait <= 0 || l.SignInTimeout <= 0 {
		errs = append(errs, errors.New("LINK_CONNECT_TIMEOUT, LINK_POLL_WAIT and LINK_SIGNIN_TIMEOUT must be positive"))
	}
	if l.SecondFactorTTL <= 0 {
		errs = append(errs, errors.New("LINK_SECOND_FACTOR_TTL must be positive"))
	}
	if l.MaxSecretAttempts < 1 {
		errs = append(errs, errors.New("LINK_MAX_SECRET_ATTEMPTS must be at least 1"))
	}
	if l.MaxConcurrentOps < 1 {
		errs = append(errs, errors.New("LINK_MAX_CONCURRENT_OPS must be at least 1"))
	}
	if l.StartRateLimit < 1 || l.StartRateWindow <= 0 {
		errs = append(errs, errors.New("LINK_START_RATE_LIMIT and LINK_START_RATE_WINDOW must be positive"))
	}
	roles := l.AllowedRoles[:0]
	for _, r := range l.AllowedRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	c.Linking.AllowedRoles = roles

	if c.Demo.AutoApproveAfter < 0 {
		errs = append(errs, errors.New("DEMO_AUTO_APPROVE_AFTER must not be negative"))
	}
	return errors.Join(errs...)
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
