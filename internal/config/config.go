package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is the config file read when no --config flag is given.
const DefaultPath = "smsbatch.toml"

// Config is the top-level smsbatch configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Extract     ExtractConfig     `toml:"extract"`
	Send        SendConfig        `toml:"send"`
	Credentials CredentialsConfig `toml:"credentials"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ShutdownTimeout    int      `toml:"shutdown_timeout"`
}

type ExtractConfig struct {
	Region         string   `toml:"region"`          // region assumed for numbers written without a country code
	MobilePrefixes []string `toml:"mobile_prefixes"` // national significant number prefixes counted as mobile
	MaxFileSize    string   `toml:"max_file_size"`
}

type SendConfig struct {
	Provider           string `toml:"provider"` // "twilio" or "log"
	BaseURL            string `toml:"base_url"`
	InitialPollDelayMS int    `toml:"initial_poll_delay_ms"`
	PollIntervalMS     int    `toml:"poll_interval_ms"`
	MaxPollAttempts    int    `toml:"max_poll_attempts"` // 0 = poll until terminal
	Concurrency        int    `toml:"concurrency"`       // 0 = unbounded
	RequestTimeout     int    `toml:"request_timeout"`   // seconds, 0 = none
}

type CredentialsConfig struct {
	Backend string `toml:"backend"` // "file" or "sqlite"
	Path    string `toml:"path"`    // empty = ~/.smsbatch/credentials.{toml,db}
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8160,
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    10,
		},
		Extract: ExtractConfig{
			Region:         "DE",
			MobilePrefixes: []string{"15", "16", "17"},
			MaxFileSize:    "10MB",
		},
		Send: SendConfig{
			Provider:           "twilio",
			InitialPollDelayMS: 1000,
			PollIntervalMS:     5000,
			RequestTimeout:     30,
		},
		Credentials: CredentialsConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults → smsbatch.toml → env vars → CLI flags.
// The flags parameter allows CLI flag overrides to be passed in.
func Load(configPath string, flags map[string]string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = DefaultPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be non-negative, got %d", c.Server.ShutdownTimeout)
	}
	if len(c.Extract.Region) != 2 {
		return fmt.Errorf("extract.region must be a two-letter region code, got %q", c.Extract.Region)
	}
	for _, p := range c.Extract.MobilePrefixes {
		if p == "" || strings.Trim(p, "0123456789") != "" {
			return fmt.Errorf("extract.mobile_prefixes must contain digits only, got %q", p)
		}
	}
	switch c.Send.Provider {
	case "twilio", "log":
	default:
		return fmt.Errorf("send.provider must be \"twilio\" or \"log\", got %q", c.Send.Provider)
	}
	if c.Send.InitialPollDelayMS < 0 {
		return fmt.Errorf("send.initial_poll_delay_ms must be non-negative, got %d", c.Send.InitialPollDelayMS)
	}
	if c.Send.PollIntervalMS < 1 {
		return fmt.Errorf("send.poll_interval_ms must be at least 1, got %d", c.Send.PollIntervalMS)
	}
	if c.Send.MaxPollAttempts < 0 {
		return fmt.Errorf("send.max_poll_attempts must be non-negative, got %d", c.Send.MaxPollAttempts)
	}
	if c.Send.Concurrency < 0 {
		return fmt.Errorf("send.concurrency must be non-negative, got %d", c.Send.Concurrency)
	}
	if c.Send.RequestTimeout < 0 {
		return fmt.Errorf("send.request_timeout must be non-negative, got %d", c.Send.RequestTimeout)
	}
	switch c.Credentials.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("credentials.backend must be \"file\" or \"sqlite\", got %q", c.Credentials.Backend)
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error; got %q", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		switch c.Logging.Format {
		case "json", "text":
		default:
			return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
		}
	}
	return nil
}

// Address returns the host:port string for the server to listen on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// InitialPollDelay returns send.initial_poll_delay_ms as a duration.
func (c *SendConfig) InitialPollDelay() time.Duration {
	return time.Duration(c.InitialPollDelayMS) * time.Millisecond
}

// PollInterval returns send.poll_interval_ms as a duration.
func (c *SendConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Timeout returns send.request_timeout as a duration. Zero means no timeout.
func (c *SendConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// CredentialsPath returns the configured credential store path, falling back
// to ~/.smsbatch/credentials.toml or credentials.db depending on the backend.
func (c *CredentialsConfig) CredentialsPath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	name := "credentials.toml"
	if c.Backend == "sqlite" {
		name = "credentials.db"
	}
	return filepath.Join(home, ".smsbatch", name), nil
}

// MaxFileSizeBytes returns the input size limit in bytes, parsed from the
// config string. Supports "10MB", "512KB" and plain byte counts. Defaults to
// 10MB if unparseable.
func (c *ExtractConfig) MaxFileSizeBytes() int64 {
	s := strings.TrimSpace(strings.ToUpper(c.MaxFileSize))
	shift := 0
	switch {
	case strings.HasSuffix(s, "MB"):
		s, shift = strings.TrimSuffix(s, "MB"), 20
	case strings.HasSuffix(s, "KB"):
		s, shift = strings.TrimSuffix(s, "KB"), 10
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 10 << 20
	}
	return n << shift
}

// GenerateDefault writes a commented default smsbatch.toml to the given path.
func GenerateDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultTOML), 0o644)
}

// ToTOML returns the config serialized as TOML.
func (c *Config) ToTOML() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// envInt reads an integer from the named environment variable.
// Returns an error if the value is set but not a valid integer.
func envInt(name string, dest *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q is not an integer", name, v)
	}
	*dest = n
	return nil
}

func envList(name string, dest *[]string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dest = out
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SMSBATCH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("SMSBATCH_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	envList("SMSBATCH_CORS_ORIGINS", &cfg.Server.CORSAllowedOrigins)
	if err := envInt("SMSBATCH_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	if v := os.Getenv("SMSBATCH_REGION"); v != "" {
		cfg.Extract.Region = strings.ToUpper(v)
	}
	envList("SMSBATCH_MOBILE_PREFIXES", &cfg.Extract.MobilePrefixes)
	if v := os.Getenv("SMSBATCH_MAX_FILE_SIZE"); v != "" {
		cfg.Extract.MaxFileSize = v
	}

	if v := os.Getenv("SMSBATCH_SEND_PROVIDER"); v != "" {
		cfg.Send.Provider = v
	}
	if v := os.Getenv("SMSBATCH_SEND_BASE_URL"); v != "" {
		cfg.Send.BaseURL = v
	}
	for name, dest := range map[string]*int{
		"SMSBATCH_INITIAL_POLL_DELAY_MS": &cfg.Send.InitialPollDelayMS,
		"SMSBATCH_POLL_INTERVAL_MS":      &cfg.Send.PollIntervalMS,
		"SMSBATCH_MAX_POLL_ATTEMPTS":     &cfg.Send.MaxPollAttempts,
		"SMSBATCH_SEND_CONCURRENCY":      &cfg.Send.Concurrency,
		"SMSBATCH_REQUEST_TIMEOUT":       &cfg.Send.RequestTimeout,
	} {
		if err := envInt(name, dest); err != nil {
			return err
		}
	}

	if v := os.Getenv("SMSBATCH_CREDENTIALS_BACKEND"); v != "" {
		cfg.Credentials.Backend = v
	}
	if v := os.Getenv("SMSBATCH_CREDENTIALS_PATH"); v != "" {
		cfg.Credentials.Path = v
	}

	if v := os.Getenv("SMSBATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SMSBATCH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func applyFlags(cfg *Config, flags map[string]string) error {
	if flags == nil {
		return nil
	}
	if v, ok := flags["port"]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for --port: %q is not an integer", v)
		}
		cfg.Server.Port = port
	}
	if v, ok := flags["host"]; ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := flags["region"]; ok && v != "" {
		cfg.Extract.Region = strings.ToUpper(v)
	}
	if v, ok := flags["provider"]; ok && v != "" {
		cfg.Send.Provider = v
	}
	if v, ok := flags["log-level"]; ok && v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// validKeys is the complete set of dot-separated config keys.
var validKeys = map[string]bool{
	"server.host": true, "server.port": true,
	"server.cors_allowed_origins": true, "server.shutdown_timeout": true,
	"extract.region": true, "extract.mobile_prefixes": true, "extract.max_file_size": true,
	"send.provider": true, "send.base_url": true,
	"send.initial_poll_delay_ms": true, "send.poll_interval_ms": true,
	"send.max_poll_attempts": true, "send.concurrency": true, "send.request_timeout": true,
	"credentials.backend": true, "credentials.path": true,
	"logging.level": true, "logging.format": true,
}

// listKeys hold string arrays and are set from comma-separated values.
var listKeys = map[string]bool{
	"server.cors_allowed_origins": true,
	"extract.mobile_prefixes":     true,
}

// IsValidKey returns true if the dotted key is a recognized config key.
func IsValidKey(key string) bool {
	return validKeys[key]
}

// GetValue returns the value for a dotted config key (e.g. "server.port").
func GetValue(cfg *Config, key string) (any, error) {
	switch key {
	case "server.host":
		return cfg.Server.Host, nil
	case "server.port":
		return cfg.Server.Port, nil
	case "server.cors_allowed_origins":
		return strings.Join(cfg.Server.CORSAllowedOrigins, ","), nil
	case "server.shutdown_timeout":
		return cfg.Server.ShutdownTimeout, nil
	case "extract.region":
		return cfg.Extract.Region, nil
	case "extract.mobile_prefixes":
		return strings.Join(cfg.Extract.MobilePrefixes, ","), nil
	case "extract.max_file_size":
		return cfg.Extract.MaxFileSize, nil
	case "send.provider":
		return cfg.Send.Provider, nil
	case "send.base_url":
		return cfg.Send.BaseURL, nil
	case "send.initial_poll_delay_ms":
		return cfg.Send.InitialPollDelayMS, nil
	case "send.poll_interval_ms":
		return cfg.Send.PollIntervalMS, nil
	case "send.max_poll_attempts":
		return cfg.Send.MaxPollAttempts, nil
	case "send.concurrency":
		return cfg.Send.Concurrency, nil
	case "send.request_timeout":
		return cfg.Send.RequestTimeout, nil
	case "credentials.backend":
		return cfg.Credentials.Backend, nil
	case "credentials.path":
		return cfg.Credentials.Path, nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.format":
		return cfg.Logging.Format, nil
	default:
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}
}

// SetValue reads the existing TOML file, updates a single key, and writes it back.
// Creates the file with just the key if it doesn't exist.
func SetValue(configPath, key, value string) error {
	var data map[string]any
	if raw, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}
	if data == nil {
		data = make(map[string]any)
	}

	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid key format: %s (expected section.field)", key)
	}
	section, field := parts[0], parts[1]

	sectionMap, ok := data[section].(map[string]any)
	if !ok {
		sectionMap = make(map[string]any)
		data[section] = sectionMap
	}

	sectionMap[field] = coerceValue(key, value)

	out, err := toml.Marshal(data)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}

// coerceValue converts a string value to the appropriate Go type for TOML serialization.
func coerceValue(key, value string) any {
	if listKeys[key] {
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	switch key {
	case "server.port", "server.shutdown_timeout",
		"send.initial_poll_delay_ms", "send.poll_interval_ms",
		"send.max_poll_attempts", "send.concurrency", "send.request_timeout":
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return value
}

const defaultTOML = `# smsbatch configuration

[server]
# Address for "smsbatch serve". Keep it on loopback unless you put a proxy in front.
host = "127.0.0.1"
port = 8160

# CORS allowed origins. Use ["*"] to allow all.
cors_allowed_origins = ["*"]

# Seconds to wait for in-flight requests and batches during shutdown.
shutdown_timeout = 10

[extract]
# Region assumed for numbers written without a country code.
region = "DE"

# National significant number prefixes treated as mobile.
mobile_prefixes = ["15", "16", "17"]

# Largest input file accepted.
max_file_size = "10MB"

[send]
# "twilio" delivers through the Twilio REST API. "log" only logs messages.
provider = "twilio"

# Override the provider API host (tests, proxies).
# base_url = "https://api.twilio.com"

# Delay before the first status query, then between queries.
initial_poll_delay_ms = 1000
poll_interval_ms = 5000

# Stop polling a message after this many queries. 0 polls until a final status.
max_poll_attempts = 0

# Recipients in flight at once. 0 sends to everyone at once.
concurrency = 0

# Seconds per provider request. 0 disables the timeout.
request_timeout = 30

[credentials]
# "file" (TOML, mode 0600) or "sqlite".
backend = "file"

# Defaults to ~/.smsbatch/credentials.toml (or credentials.db for sqlite).
# path = ""

[logging]
# Log level: debug, info, warn, error
level = "info"

# Log format: json or text
format = "json"
`
