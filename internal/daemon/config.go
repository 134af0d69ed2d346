// Package daemon loads configuration and runs the ticketctl service.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config is the full ticketctl configuration (config.toml).
type Config struct {
	API     APIConfig     `toml:"api"`
	Store   StoreConfig   `toml:"store"`
	Intake  IntakeConfig  `toml:"intake"`
	Status  StatusConfig  `toml:"status"`
	Archive ArchiveConfig `toml:"archive"`
	Notify  NotifyConfig  `toml:"notify"`
	Log     LogConfig     `toml:"log"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimitRPM   int      `toml:"rate_limit_rpm"`
	RequestTimeout string   `toml:"request_timeout"`
	Metrics        bool     `toml:"metrics"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend     string `toml:"backend"` // sqlite | csv | postgres
	Dir         string `toml:"dir"`
	PostgresURL string `toml:"postgres_url"`
}

// IntakeConfig configures deferred writes.
type IntakeConfig struct {
	MaxInFlight          int    `toml:"max_in_flight"`
	WriteTimeout         string `toml:"write_timeout"`
	RetryInitial         string `toml:"retry_initial"`
	RetryMax             string `toml:"retry_max"`
	DedupeTransactionIDs bool   `toml:"dedupe_transaction_ids"`
}

// StatusConfig configures the status oracle.
type StatusConfig struct {
	SuccessRate float64 `toml:"success_rate"`
}

// ArchiveConfig configures archive rendering.
type ArchiveConfig struct {
	Timezone string `toml:"timezone"` // IANA name; "" or "Local" for the host zone
}

// NotifyConfig configures the NATS archive notifier. Empty URL disables it.
type NotifyConfig struct {
	NATSURL string `toml:"nats_url"`
	Token   string `toml:"token"`
	Subject string `toml:"subject"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
	File   string `toml:"file"`
}

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			RateLimitRPM:   600,
			RequestTimeout: "30s",
			Metrics:        true,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Dir:     filepath.Join(Home(), "data"),
		},
		Intake: IntakeConfig{
			MaxInFlight:          10000,
			WriteTimeout:         "10s",
			RetryInitial:         "500ms",
			RetryMax:             "30s",
			DedupeTransactionIDs: true,
		},
		Status: StatusConfig{
			SuccessRate: 0.9,
		},
		Notify: NotifyConfig{
			Subject: "ticket.archived",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Home returns the ticketctl home directory ($TICKETCTL_HOME or ~/.ticketctl).
func Home() string {
	if h := os.Getenv("TICKETCTL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ticketctl"
	}
	return filepath.Join(home, ".ticketctl")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (ConfigPath() when empty; a missing file is fine), then TICKETCTL_*
// environment variables. A .env file in the working directory is loaded
// first so its values take part in the override step.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("stat config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotEnv loads path into the process environment if it exists.
// Variables already set are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with TICKETCTL_* variables.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"TICKETCTL_API_HOST":      &cfg.API.Host,
		"TICKETCTL_STORE_BACKEND": &cfg.Store.Backend,
		"TICKETCTL_STORE_DIR":     &cfg.Store.Dir,
		"TICKETCTL_POSTGRES_URL":  &cfg.Store.PostgresURL,
		"TICKETCTL_ARCHIVE_TZ":    &cfg.Archive.Timezone,
		"TICKETCTL_NATS_URL":      &cfg.Notify.NATSURL,
		"TICKETCTL_NATS_TOKEN":    &cfg.Notify.Token,
		"TICKETCTL_NATS_SUBJECT":  &cfg.Notify.Subject,
		"TICKETCTL_LOG_LEVEL":     &cfg.Log.Level,
		"TICKETCTL_LOG_FORMAT":    &cfg.Log.Format,
		"TICKETCTL_LOG_FILE":      &cfg.Log.File,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TICKETCTL_API_PORT":       &cfg.API.Port,
		"TICKETCTL_RATE_LIMIT_RPM": &cfg.API.RateLimitRPM,
		"TICKETCTL_MAX_IN_FLIGHT":  &cfg.Intake.MaxInFlight,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendCSV:
		if c.Store.Dir == "" {
			return errors.New("store.dir is required")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q: must be sqlite, csv or postgres", c.Store.Backend)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Status.SuccessRate < 0 || c.Status.SuccessRate > 1 {
		return fmt.Errorf("status.success_rate %v must be within [0, 1]", c.Status.SuccessRate)
	}
	for key, v := range map[string]string{
		"api.request_timeout":  c.API.RequestTimeout,
		"intake.write_timeout": c.Intake.WriteTimeout,
		"intake.retry_initial": c.Intake.RetryInitial,
		"intake.retry_max":     c.Intake.RetryMax,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if _, err := c.Archive.Location(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("log.format %q: must be text or json", f)
	}
	return nil
}

// Location resolves the archive time zone.
func (a ArchiveConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive.timezone: %w", err)
	}
	return loc, nil
}

// Addr returns the listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ─── Logging ────────────────────────────────────────────────────────────────

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configures the global logrus logger. The returned closer
// releases the log file, if any.
func SetupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}
