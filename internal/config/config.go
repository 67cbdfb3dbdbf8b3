// Package config loads edgeprov settings from a YAML file, optional .env
// files and EDGEPROV_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"edgeprov/internal/certengine"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EDGEPROV_"

// Config is the complete edgeprov configuration.
type Config struct {
	// StateDir holds all keys and certificates, one subdirectory per domain.
	StateDir string `yaml:"state_dir"`

	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`

	Auth struct {
		// File is the credentials file. Relative paths resolve against
		// StateDir. Basic Auth is enforced once it holds a user.
		File string `yaml:"file"`
	} `yaml:"auth"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	// Domains lists the deployment domains. Empty means the built-in
	// factory/cluster/cloud/buddy set.
	Domains []certengine.DomainProfile `yaml:"domains"`
}

// ServerConfig configures the provisioning service listeners.
type ServerConfig struct {
	// Socket is the Unix socket path. Empty disables the socket listener.
	Socket string `yaml:"socket"`

	// SocketMode is the octal permission set applied to the socket file.
	SocketMode string `yaml:"socket_mode"`

	// Addr is an optional TCP listen address, e.g. "127.0.0.1:8080".
	Addr string `yaml:"addr"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps the size of a CSR request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// TrustProxy honors X-Forwarded-* headers from a reverse proxy in
	// front of Addr.
	TrustProxy bool `yaml:"trust_proxy"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped and variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.Server.SocketMode == "" {
		c.Server.SocketMode = "0660"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.File == "" {
		c.Auth.File = "auth.json"
	}
	if len(c.Domains) == 0 {
		c.Domains = certengine.DefaultProfiles()
	}
	for i := range c.Domains {
		c.Domains[i] = c.Domains[i].WithDefaults()
	}
}

// applyEnvOverrides layers EDGEPROV_* variables over the file values.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("STATE_DIR"); ok {
		c.StateDir = v
	}
	if v, ok := getEnvStr("SOCKET"); ok {
		c.Server.Socket = v
	}
	if v, ok := getEnvStr("SOCKET_MODE"); ok {
		c.Server.SocketMode = v
	}
	if v, ok := getEnvStr("ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvDur("READ_HEADER_TIMEOUT"); ok {
		c.Server.ReadHeaderTimeout = v
	}
	if v, ok := getEnvDur("SHUTDOWN_TIMEOUT"); ok {
		c.Server.ShutdownTimeout = v
	}
	if v, ok := getEnvInt("MAX_BODY_BYTES"); ok {
		c.Server.MaxBodyBytes = int64(v)
	}
	if v, ok := getEnvBool("TRUST_PROXY"); ok {
		c.Server.TrustProxy = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := getEnvStr("AUTH_FILE"); ok {
		c.Auth.File = v
	}
	if v, ok := getEnvBool("METRICS_ENABLED"); ok {
		c.Metrics.Enabled = v
	}
}

// Validate checks the values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if _, err := c.Server.FileMode(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}

	seen := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("domains: %w", err)
		}
		if seen[d.Name] {
			return fmt.Errorf("domains: duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// AuthFile returns the credentials file path, resolved against StateDir.
func (c *Config) AuthFile() string {
	if filepath.IsAbs(c.Auth.File) {
		return c.Auth.File
	}
	return filepath.Join(c.StateDir, c.Auth.File)
}

// FileMode parses SocketMode as an octal permission set.
func (s ServerConfig) FileMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(s.SocketMode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("server.socket_mode: invalid mode %q", s.SocketMode)
	}
	return os.FileMode(m), nil
}

// NewLogger builds the slog logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}
