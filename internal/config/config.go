// Package config loads service settings: built-in defaults, then an optional
// TOML file, then SHOPFLOOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pelletier/go-toml/v2"

	"shopfloor.dev/internal/bundle"
)

const devSigningKey = "dev-signing-key-change-me-0123456789"

// Duration decodes TOML strings such as "15m".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// HTTP holds the JSON API listener settings.
type HTTP struct {
	Addr           string   `toml:"addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
	LoginPerMinute int      `toml:"login_per_minute"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
}

// GRPC holds the query service listener. An empty address disables it.
type GRPC struct {
	Addr string `toml:"addr"`
}

// Database selects the store. Driver is memory, sqlite or postgres.
type Database struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// Auth configures token issuance.
type Auth struct {
	SigningKey  string   `toml:"signing_key"`
	Issuer      string   `toml:"issuer"`
	AccessTTL   Duration `toml:"access_ttl"`
	RefreshTTL  Duration `toml:"refresh_ttl"`
	RememberTTL Duration `toml:"remember_ttl"`
}

// Shift describes how batch windows are cut.
type Shift struct {
	Length   Duration `toml:"length"`
	Anchor   Duration `toml:"anchor"`
	Timezone string   `toml:"timezone"`
}

// Catalog points at the template YAML file.
type Catalog struct {
	Path string `toml:"path"`
}

// Config is the full service configuration.
type Config struct {
	Env      string   `toml:"env"`
	LogLevel string   `toml:"log_level"`
	HTTP     HTTP     `toml:"http"`
	GRPC     GRPC     `toml:"grpc"`
	Database Database `toml:"database"`
	Auth     Auth     `toml:"auth"`
	Shift    Shift    `toml:"shift"`
	Catalog  Catalog  `toml:"catalog"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:      "dev",
		LogLevel: "",
		HTTP: HTTP{
			Addr:           ":8080",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			LoginPerMinute: 10,
			MaxBodyBytes:   1 << 20,
		},
		GRPC:     GRPC{Addr: ":9090"},
		Database: Database{Driver: "memory", AutoMigrate: true},
		Auth: Auth{
			Issuer:      "shopfloor",
			AccessTTL:   Duration{15 * time.Minute},
			RefreshTTL:  Duration{14 * 24 * time.Hour},
			RememberTTL: Duration{30 * 24 * time.Hour},
		},
		Shift: Shift{
			Length:   Duration{bundle.DefaultShiftPolicy.Length},
			Anchor:   Duration{bundle.DefaultShiftPolicy.Anchor},
			Timezone: "UTC",
		},
		Catalog: Catalog{Path: "templates.yaml"},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path == "" {
		path, _ = lookup("SHOPFLOOR_CONFIG")
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if cfg.Auth.SigningKey == "" && cfg.Env == "dev" {
		cfg.Auth.SigningKey = devSigningKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("SHOPFLOOR_ENV", &c.Env)
	str("SHOPFLOOR_LOG_LEVEL", &c.LogLevel)
	str("SHOPFLOOR_HTTP_ADDR", &c.HTTP.Addr)
	str("SHOPFLOOR_GRPC_ADDR", &c.GRPC.Addr)
	str("SHOPFLOOR_DB_DRIVER", &c.Database.Driver)
	str("SHOPFLOOR_DB_DSN", &c.Database.DSN)
	str("SHOPFLOOR_AUTH_SIGNING_KEY", &c.Auth.SigningKey)
	str("SHOPFLOOR_AUTH_ISSUER", &c.Auth.Issuer)
	str("SHOPFLOOR_SHIFT_TZ", &c.Shift.Timezone)
	str("SHOPFLOOR_TEMPLATES", &c.Catalog.Path)
	dur("SHOPFLOOR_ACCESS_TTL", &c.Auth.AccessTTL)
	dur("SHOPFLOOR_REFRESH_TTL", &c.Auth.RefreshTTL)
	dur("SHOPFLOOR_REMEMBER_TTL", &c.Auth.RememberTTL)
	dur("SHOPFLOOR_SHIFT_LENGTH", &c.Shift.Length)
	dur("SHOPFLOOR_SHIFT_ANCHOR", &c.Shift.Anchor)
	num("SHOPFLOOR_RATE_BURST", &c.HTTP.RateLimitBurst)
	num("SHOPFLOOR_LOGIN_PER_MINUTE", &c.HTTP.LoginPerMinute)
	if v, ok := lookup("SHOPFLOOR_RATE_RPS"); ok {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SHOPFLOOR_RATE_RPS: %w", err))
		} else {
			c.HTTP.RateLimitRPS = rps
		}
	}
	if v, ok := lookup("SHOPFLOOR_DB_AUTO_MIGRATE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SHOPFLOOR_DB_AUTO_MIGRATE: %w", err))
		} else {
			c.Database.AutoMigrate = b
		}
	}
	if v, ok := lookup("SHOPFLOOR_CORS_ORIGINS"); ok {
		c.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.HTTP.CORSOrigins = append(c.HTTP.CORSOrigins, origin)
			}
		}
	}
	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Env {
	case "dev", "staging", "prod":
	default:
		errs = append(errs, fmt.Errorf("env must be dev, staging or prod, got %q", c.Env))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be memory, sqlite or postgres, got %q", c.Database.Driver))
	}
	if len(c.Auth.SigningKey) < 32 {
		errs = append(errs, errors.New("auth.signing_key must be at least 32 bytes"))
	}
	if c.Env == "prod" && c.Auth.SigningKey == devSigningKey {
		errs = append(errs, errors.New("auth.signing_key must be set in prod"))
	}
	if c.Auth.AccessTTL.Duration <= 0 || c.Auth.RefreshTTL.Duration <= 0 {
		errs = append(errs, errors.New("auth ttls must be positive"))
	}
	if c.Auth.RememberTTL.Duration < c.Auth.RefreshTTL.Duration {
		errs = append(errs, errors.New("auth.remember_ttl must not be shorter than auth.refresh_ttl"))
	}
	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 || c.HTTP.LoginPerMinute < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if _, err := c.ShiftPolicy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ShiftPolicy builds the bundle window policy.
func (c Config) ShiftPolicy() (bundle.ShiftPolicy, error) {
	tz := c.Shift.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return bundle.ShiftPolicy{}, fmt.Errorf("shift.timezone: %w", err)
	}
	p := bundle.ShiftPolicy{Length: c.Shift.Length.Duration, Anchor: c.Shift.Anchor.Duration, Location: loc}
	if err := p.Validate(); err != nil {
		return bundle.ShiftPolicy{}, err
	}
	return p, nil
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	masked := c
	if masked.Auth.SigningKey != "" {
		masked.Auth.SigningKey = "***"
	}
	masked.Database.DSN = maskDSN(masked.Database.DSN)
	b, err := toml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
