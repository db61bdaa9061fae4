// Package config loads the gateway configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// SettingsEnv names the optional YAML settings file. Values from the file
// are overridden by the individual environment variables.
const SettingsEnv = "BAWWAB_SETTINGS"

// Config holds the gateway configuration.
type Config struct {
	// Server
	ListenAddr     string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"` // websocket origin validation
	SecureCookies  bool     `yaml:"secure_cookies"`

	// Storage
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database"`
	SealingKey   string `yaml:"sealing_key"` // hex or base64, 32 bytes

	// Backend
	SSHHost           string        `yaml:"ssh_host"`
	SSHPort           int           `yaml:"ssh_port"`
	KnownHosts        string        `yaml:"known_hosts"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	AgreementPrompt   string        `yaml:"agreement_prompt"`
	AgreementResponse string        `yaml:"agreement_response"`

	// Connection lifecycle
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ConnReapInterval      time.Duration `yaml:"conn_reap_interval"`
	JobReapInterval       time.Duration `yaml:"job_reap_interval"`
	BannerTimeout         time.Duration `yaml:"banner_timeout"`
	FileAttempts          int           `yaml:"file_attempts"`
	FileBackoff           time.Duration `yaml:"file_backoff"`
	FileBackoffMultiplier float64       `yaml:"file_backoff_multiplier"`

	// Session
	SessionDuration time.Duration `yaml:"session_duration"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit"`
	RateLimitWindow   time.Duration `yaml:"rate_window"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8000",
		DataDir:               "/data",
		SSHHost:               "localhost",
		SSHPort:               22,
		DialTimeout:           10 * time.Second,
		AgreementPrompt:       `(?i)(terms of (service|use)|usage agreement)`,
		AgreementResponse:     "yes",
		IdleTimeout:           10 * time.Minute,
		ConnReapInterval:      time.Hour,
		JobReapInterval:       10 * time.Second,
		BannerTimeout:         500 * time.Millisecond,
		FileAttempts:          10,
		FileBackoff:           500 * time.Millisecond,
		FileBackoffMultiplier: 1.2,
		SessionDuration:       24 * time.Hour,
		RateLimitRequests:     5,
		RateLimitWindow:       time.Minute,
		LogLevel:              "info",
	}
}

// Load builds the configuration from defaults, the settings file named by
// BAWWAB_SETTINGS and BAWWAB_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(SettingsEnv); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("BAWWAB_LISTEN", c.ListenAddr)
	c.AllowedOrigins = parseOrigins("BAWWAB_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.SecureCookies = parseBool("BAWWAB_SECURE_COOKIES", c.SecureCookies)

	c.DataDir = getEnv("BAWWAB_DATA_DIR", c.DataDir)
	c.DatabasePath = getEnv("BAWWAB_DB_PATH", c.DatabasePath)
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "bawwab.db")
	}
	c.SealingKey = getEnv("BAWWAB_SEALING_KEY", c.SealingKey)

	c.SSHHost = getEnv("BAWWAB_SSH_HOST", c.SSHHost)
	c.SSHPort = parseInt("BAWWAB_SSH_PORT", c.SSHPort)
	c.KnownHosts = getEnv("BAWWAB_KNOWN_HOSTS", c.KnownHosts)
	c.DialTimeout = parseDuration("BAWWAB_DIAL_TIMEOUT", c.DialTimeout)
	c.AgreementPrompt = getEnv("BAWWAB_AGREEMENT_PROMPT", c.AgreementPrompt)
	c.AgreementResponse = getEnv("BAWWAB_AGREEMENT_RESPONSE", c.AgreementResponse)

	c.IdleTimeout = parseDuration("BAWWAB_IDLE_TIMEOUT", c.IdleTimeout)
	c.ConnReapInterval = parseDuration("BAWWAB_CONN_REAP_INTERVAL", c.ConnReapInterval)
	c.JobReapInterval = parseDuration("BAWWAB_JOB_REAP_INTERVAL", c.JobReapInterval)
	c.BannerTimeout = parseDuration("BAWWAB_BANNER_TIMEOUT", c.BannerTimeout)
	c.FileAttempts = parseInt("BAWWAB_FILE_ATTEMPTS", c.FileAttempts)
	c.FileBackoff = parseDuration("BAWWAB_FILE_BACKOFF", c.FileBackoff)
	c.FileBackoffMultiplier = parseFloat("BAWWAB_FILE_BACKOFF_MULTIPLIER", c.FileBackoffMultiplier)

	c.SessionDuration = parseDuration("BAWWAB_SESSION_DURATION", c.SessionDuration)
	c.RateLimitRequests = parseInt("BAWWAB_RATE_LIMIT", c.RateLimitRequests)
	c.RateLimitWindow = parseDuration("BAWWAB_RATE_WINDOW", c.RateLimitWindow)

	c.LogLevel = getEnv("BAWWAB_LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	var errs []string

	if c.SealingKey == "" {
		errs = append(errs, "BAWWAB_SEALING_KEY is required")
	}
	if c.KnownHosts == "" {
		errs = append(errs, "BAWWAB_KNOWN_HOSTS is required")
	}
	if c.SSHHost == "" {
		errs = append(errs, "BAWWAB_SSH_HOST is required")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid SSH port %d", c.SSHPort))
	}
	if _, err := regexp.Compile(c.AgreementPrompt); err != nil {
		errs = append(errs, fmt.Sprintf("invalid agreement prompt: %v", err))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.LogLevel))
	}
	if c.FileBackoffMultiplier < 1 {
		errs = append(errs, "file backoff multiplier must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// LogDir is where job transcripts are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// AgreementPattern compiles the agreement prompt.
func (c *Config) AgreementPattern() *regexp.Regexp {
	return regexp.MustCompile(c.AgreementPrompt)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseOrigins(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
