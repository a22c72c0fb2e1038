package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allyourbase/smsbatch/internal/testutil"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	testutil.Equal(t, "127.0.0.1", cfg.Server.Host)
	testutil.Equal(t, 8160, cfg.Server.Port)
	testutil.Equal(t, 10, cfg.Server.ShutdownTimeout)
	testutil.SliceLen(t, cfg.Server.CORSAllowedOrigins, 1)
	testutil.Equal(t, "*", cfg.Server.CORSAllowedOrigins[0])

	testutil.Equal(t, "DE", cfg.Extract.Region)
	testutil.SliceLen(t, cfg.Extract.MobilePrefixes, 3)
	testutil.Equal(t, "10MB", cfg.Extract.MaxFileSize)

	testutil.Equal(t, "twilio", cfg.Send.Provider)
	testutil.Equal(t, "", cfg.Send.BaseURL)
	testutil.Equal(t, 1000, cfg.Send.InitialPollDelayMS)
	testutil.Equal(t, 5000, cfg.Send.PollIntervalMS)
	testutil.Equal(t, 0, cfg.Send.MaxPollAttempts)
	testutil.Equal(t, 0, cfg.Send.Concurrency)
	testutil.Equal(t, 30, cfg.Send.RequestTimeout)

	testutil.Equal(t, "file", cfg.Credentials.Backend)
	testutil.Equal(t, "", cfg.Credentials.Path)

	testutil.Equal(t, "info", cfg.Logging.Level)
	testutil.Equal(t, "json", cfg.Logging.Format)
}

func TestAddress(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{name: "default", host: "127.0.0.1", port: 8160, want: "127.0.0.1:8160"},
		{name: "all interfaces", host: "0.0.0.0", port: 3000, want: "0.0.0.0:3000"},
		{name: "custom host", host: "sms.local", port: 443, want: "sms.local:443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Server: ServerConfig{Host: tt.host, Port: tt.port}}
			testutil.Equal(t, tt.want, cfg.Address())
		})
	}
}

func TestSendDurations(t *testing.T) {
	cfg := Default()
	testutil.Equal(t, time.Second, cfg.Send.InitialPollDelay())
	testutil.Equal(t, 5*time.Second, cfg.Send.PollInterval())
	testutil.Equal(t, 30*time.Second, cfg.Send.Timeout())

	cfg.Send.RequestTimeout = 0
	testutil.Equal(t, time.Duration(0), cfg.Send.Timeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			modify: func(c *Config) {},
		},
		{
			name:    "port zero",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port must be between 1 and 65535",
		},
		{
			name:    "port too high",
			modify:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port must be between 1 and 65535",
		},
		{
			name:   "port 65535 valid",
			modify: func(c *Config) { c.Server.Port = 65535 },
		},
		{
			name:    "negative shutdown timeout",
			modify:  func(c *Config) { c.Server.ShutdownTimeout = -1 },
			wantErr: "server.shutdown_timeout must be non-negative",
		},
		{
			name:    "region too long",
			modify:  func(c *Config) { c.Extract.Region = "DEU" },
			wantErr: "extract.region must be a two-letter region code",
		},
		{
			name:    "empty region",
			modify:  func(c *Config) { c.Extract.Region = "" },
			wantErr: "extract.region",
		},
		{
			name:    "non-digit mobile prefix",
			modify:  func(c *Config) { c.Extract.MobilePrefixes = []string{"15", "x7"} },
			wantErr: "extract.mobile_prefixes must contain digits only",
		},
		{
			name:   "no mobile prefixes",
			modify: func(c *Config) { c.Extract.MobilePrefixes = nil },
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Send.Provider = "pigeon" },
			wantErr: "send.provider must be",
		},
		{
			name:   "log provider",
			modify: func(c *Config) { c.Send.Provider = "log" },
		},
		{
			name:    "negative initial delay",
			modify:  func(c *Config) { c.Send.InitialPollDelayMS = -1 },
			wantErr: "send.initial_poll_delay_ms must be non-negative",
		},
		{
			name:   "zero initial delay",
			modify: func(c *Config) { c.Send.InitialPollDelayMS = 0 },
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Send.PollIntervalMS = 0 },
			wantErr: "send.poll_interval_ms must be at least 1",
		},
		{
			name:    "negative max poll attempts",
			modify:  func(c *Config) { c.Send.MaxPollAttempts = -3 },
			wantErr: "send.max_poll_attempts must be non-negative",
		},
		{
			name:    "negative concurrency",
			modify:  func(c *Config) { c.Send.Concurrency = -1 },
			wantErr: "send.concurrency must be non-negative",
		},
		{
			name:    "negative request timeout",
			modify:  func(c *Config) { c.Send.RequestTimeout = -1 },
			wantErr: "send.request_timeout must be non-negative",
		},
		{
			name:    "unknown credentials backend",
			modify:  func(c *Config) { c.Credentials.Backend = "vault" },
			wantErr: "credentials.backend must be",
		},
		{
			name:   "sqlite credentials backend",
			modify: func(c *Config) { c.Credentials.Backend = "sqlite" },
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format must be",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				testutil.NoError(t, err)
			} else {
				testutil.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")

	content := `
[server]
host = "0.0.0.0"
port = 3000

[extract]
region = "AT"
mobile_prefixes = ["66", "67", "68"]

[send]
provider = "log"
poll_interval_ms = 250
concurrency = 4

[logging]
level = "debug"
format = "text"
`
	err := os.WriteFile(tomlPath, []byte(content), 0o644)
	testutil.NoError(t, err)

	cfg, err := Load(tomlPath, nil)
	testutil.NoError(t, err)

	testutil.Equal(t, "0.0.0.0", cfg.Server.Host)
	testutil.Equal(t, 3000, cfg.Server.Port)
	testutil.Equal(t, "AT", cfg.Extract.Region)
	testutil.SliceLen(t, cfg.Extract.MobilePrefixes, 3)
	testutil.Equal(t, "66", cfg.Extract.MobilePrefixes[0])
	testutil.Equal(t, "log", cfg.Send.Provider)
	testutil.Equal(t, 250, cfg.Send.PollIntervalMS)
	testutil.Equal(t, 4, cfg.Send.Concurrency)
	testutil.Equal(t, "debug", cfg.Logging.Level)
	testutil.Equal(t, "text", cfg.Logging.Format)

	// Defaults preserved for unset fields.
	testutil.Equal(t, 1000, cfg.Send.InitialPollDelayMS)
	testutil.Equal(t, "file", cfg.Credentials.Backend)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/smsbatch.toml", nil)
	testutil.NoError(t, err)
	testutil.Equal(t, 8160, cfg.Server.Port)
	testutil.Equal(t, "DE", cfg.Extract.Region)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")
	err := os.WriteFile(tomlPath, []byte("this is not valid toml [[["), 0o644)
	testutil.NoError(t, err)

	_, err = Load(tomlPath, nil)
	testutil.ErrorContains(t, err, "parsing")
}

func TestLoadValidationError(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")
	err := os.WriteFile(tomlPath, []byte("[send]\nprovider = \"carrier-pigeon\"\n"), 0o644)
	testutil.NoError(t, err)

	_, err = Load(tomlPath, nil)
	testutil.ErrorContains(t, err, "config validation")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SMSBATCH_SERVER_HOST", "envhost")
	t.Setenv("SMSBATCH_SERVER_PORT", "9999")
	t.Setenv("SMSBATCH_CORS_ORIGINS", "http://a.com, http://b.com")
	t.Setenv("SMSBATCH_REGION", "ch")
	t.Setenv("SMSBATCH_MOBILE_PREFIXES", "75,76,77,78,79")
	t.Setenv("SMSBATCH_SEND_PROVIDER", "log")
	t.Setenv("SMSBATCH_SEND_BASE_URL", "http://localhost:4010")
	t.Setenv("SMSBATCH_POLL_INTERVAL_MS", "100")
	t.Setenv("SMSBATCH_MAX_POLL_ATTEMPTS", "12")
	t.Setenv("SMSBATCH_SEND_CONCURRENCY", "8")
	t.Setenv("SMSBATCH_CREDENTIALS_BACKEND", "sqlite")
	t.Setenv("SMSBATCH_CREDENTIALS_PATH", "/tmp/creds.db")
	t.Setenv("SMSBATCH_LOG_LEVEL", "warn")

	cfg, err := Load("/nonexistent/smsbatch.toml", nil)
	testutil.NoError(t, err)

	testutil.Equal(t, "envhost", cfg.Server.Host)
	testutil.Equal(t, 9999, cfg.Server.Port)
	testutil.SliceLen(t, cfg.Server.CORSAllowedOrigins, 2)
	testutil.Equal(t, "http://b.com", cfg.Server.CORSAllowedOrigins[1])
	testutil.Equal(t, "CH", cfg.Extract.Region)
	testutil.SliceLen(t, cfg.Extract.MobilePrefixes, 5)
	testutil.Equal(t, "log", cfg.Send.Provider)
	testutil.Equal(t, "http://localhost:4010", cfg.Send.BaseURL)
	testutil.Equal(t, 100, cfg.Send.PollIntervalMS)
	testutil.Equal(t, 12, cfg.Send.MaxPollAttempts)
	testutil.Equal(t, 8, cfg.Send.Concurrency)
	testutil.Equal(t, "sqlite", cfg.Credentials.Backend)
	testutil.Equal(t, "/tmp/creds.db", cfg.Credentials.Path)
	testutil.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFlagOverrides(t *testing.T) {
	flags := map[string]string{
		"port":     "7777",
		"host":     "flaghost",
		"region":   "fr",
		"provider": "log",
	}

	cfg, err := Load("/nonexistent/smsbatch.toml", flags)
	testutil.NoError(t, err)

	testutil.Equal(t, 7777, cfg.Server.Port)
	testutil.Equal(t, "flaghost", cfg.Server.Host)
	testutil.Equal(t, "FR", cfg.Extract.Region)
	testutil.Equal(t, "log", cfg.Send.Provider)
}

func TestLoadPriority(t *testing.T) {
	// File sets port=3000, env sets port=4000, flag sets port=5000.
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")
	err := os.WriteFile(tomlPath, []byte("[server]\nport = 3000\n"), 0o644)
	testutil.NoError(t, err)

	t.Setenv("SMSBATCH_SERVER_PORT", "4000")
	flags := map[string]string{"port": "5000"}

	cfg, err := Load(tomlPath, flags)
	testutil.NoError(t, err)
	testutil.Equal(t, 5000, cfg.Server.Port)

	// Without flag, env wins over file.
	cfg, err = Load(tomlPath, nil)
	testutil.NoError(t, err)
	testutil.Equal(t, 4000, cfg.Server.Port)
}

func TestApplyEnvInvalidInt(t *testing.T) {
	t.Setenv("SMSBATCH_POLL_INTERVAL_MS", "soon")
	cfg := Default()
	err := applyEnv(cfg)
	testutil.ErrorContains(t, err, "not an integer")
	testutil.Equal(t, 5000, cfg.Send.PollIntervalMS)
}

func TestApplyFlagsNilSafe(t *testing.T) {
	cfg := Default()
	testutil.NoError(t, applyFlags(cfg, nil))
	testutil.Equal(t, 8160, cfg.Server.Port)
}

func TestApplyFlagsEmptyValues(t *testing.T) {
	cfg := Default()
	flags := map[string]string{"port": "", "host": "", "region": ""}
	testutil.NoError(t, applyFlags(cfg, flags))
	testutil.Equal(t, "127.0.0.1", cfg.Server.Host)
	testutil.Equal(t, 8160, cfg.Server.Port)
	testutil.Equal(t, "DE", cfg.Extract.Region)
}

func TestApplyFlagsInvalidPort(t *testing.T) {
	cfg := Default()
	err := applyFlags(cfg, map[string]string{"port": "eighty"})
	testutil.ErrorContains(t, err, "--port")
}

func TestMaxFileSizeBytes(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"10MB", 10 << 20},
		{"5mb", 5 << 20},
		{"512KB", 512 << 10},
		{"2048", 2048},
		{"100B", 100},
		{"", 10 << 20},
		{"invalid", 10 << 20},
		{"-1MB", 10 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c := ExtractConfig{MaxFileSize: tt.input}
			testutil.Equal(t, tt.want, c.MaxFileSizeBytes())
		})
	}
}

func TestCredentialsPath(t *testing.T) {
	c := CredentialsConfig{Backend: "file", Path: "/etc/smsbatch/creds.toml"}
	p, err := c.CredentialsPath()
	testutil.NoError(t, err)
	testutil.Equal(t, "/etc/smsbatch/creds.toml", p)

	home := t.TempDir()
	t.Setenv("HOME", home)

	c = CredentialsConfig{Backend: "file"}
	p, err = c.CredentialsPath()
	testutil.NoError(t, err)
	testutil.Equal(t, filepath.Join(home, ".smsbatch", "credentials.toml"), p)

	c = CredentialsConfig{Backend: "sqlite"}
	p, err = c.CredentialsPath()
	testutil.NoError(t, err)
	testutil.Equal(t, filepath.Join(home, ".smsbatch", "credentials.db"), p)
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "smsbatch.toml")

	err := GenerateDefault(path)
	testutil.NoError(t, err)

	data, err := os.ReadFile(path)
	testutil.NoError(t, err)
	content := string(data)

	testutil.Contains(t, content, "[server]")
	testutil.Contains(t, content, "[extract]")
	testutil.Contains(t, content, "[send]")
	testutil.Contains(t, content, "[credentials]")
	testutil.Contains(t, content, "[logging]")
	testutil.Contains(t, content, "port = 8160")
	testutil.Contains(t, content, "poll_interval_ms = 5000")

	// The generated file must load back to the defaults.
	cfg, err := Load(path, nil)
	testutil.NoError(t, err)
	testutil.Equal(t, Default().Send.InitialPollDelayMS, cfg.Send.InitialPollDelayMS)
	testutil.Equal(t, Default().Extract.Region, cfg.Extract.Region)
}

func TestToTOML(t *testing.T) {
	cfg := Default()
	s, err := cfg.ToTOML()
	testutil.NoError(t, err)
	testutil.Contains(t, s, "host = '127.0.0.1'")
	testutil.Contains(t, s, "port = 8160")
	testutil.Contains(t, s, "region = 'DE'")
}

// --- GetValue / SetValue / IsValidKey tests ---

func TestIsValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"server.port", true},
		{"server.host", true},
		{"extract.region", true},
		{"extract.mobile_prefixes", true},
		{"send.poll_interval_ms", true},
		{"send.concurrency", true},
		{"credentials.backend", true},
		{"logging.format", true},
		{"credentials.auth_token", false},
		{"server.nonexistent", false},
		{"", false},
		{"server", false},
		{"server.port.extra", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			testutil.Equal(t, tt.want, IsValidKey(tt.key))
		})
	}
}

func TestGetValue(t *testing.T) {
	cfg := Default()

	tests := []struct {
		key     string
		want    any
		wantErr bool
	}{
		{"server.host", "127.0.0.1", false},
		{"server.port", 8160, false},
		{"server.cors_allowed_origins", "*", false},
		{"extract.region", "DE", false},
		{"extract.mobile_prefixes", "15,16,17", false},
		{"send.provider", "twilio", false},
		{"send.initial_poll_delay_ms", 1000, false},
		{"send.max_poll_attempts", 0, false},
		{"credentials.backend", "file", false},
		{"logging.level", "info", false},
		{"unknown.key", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			val, err := GetValue(cfg, tt.key)
			if tt.wantErr {
				testutil.NotNil(t, err)
			} else {
				testutil.NoError(t, err)
				testutil.Equal(t, tt.want, val)
			}
		})
	}
}

func TestGetValueCoversAllKeys(t *testing.T) {
	cfg := Default()
	for key := range validKeys {
		_, err := GetValue(cfg, key)
		testutil.NoError(t, err)
	}
}

func TestSetValue(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")

	err := SetValue(tomlPath, "server.port", "3000")
	testutil.NoError(t, err)

	data, err := os.ReadFile(tomlPath)
	testutil.NoError(t, err)
	testutil.Contains(t, string(data), "port = 3000")

	err = SetValue(tomlPath, "extract.mobile_prefixes", "15, 16")
	testutil.NoError(t, err)

	cfg, err := Load(tomlPath, nil)
	testutil.NoError(t, err)
	testutil.Equal(t, 3000, cfg.Server.Port)
	testutil.SliceLen(t, cfg.Extract.MobilePrefixes, 2)
	testutil.Equal(t, "16", cfg.Extract.MobilePrefixes[1])
}

func TestSetValueInvalidKey(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")

	err := SetValue(tomlPath, "invalid", "value")
	testutil.ErrorContains(t, err, "invalid key format")
}

func TestSetValuePreservesExisting(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "smsbatch.toml")

	err := os.WriteFile(tomlPath, []byte("[send]\nprovider = 'log'\npoll_interval_ms = 200\n"), 0o644)
	testutil.NoError(t, err)

	err = SetValue(tomlPath, "send.poll_interval_ms", "300")
	testutil.NoError(t, err)

	cfg, err := Load(tomlPath, nil)
	testutil.NoError(t, err)
	testutil.Equal(t, 300, cfg.Send.PollIntervalMS)
	testutil.Equal(t, "log", cfg.Send.Provider)
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  any
	}{
		{"server.port", "3000", 3000},
		{"send.concurrency", "4", 4},
		{"send.max_poll_attempts", "0", 0},
		{"server.host", "myhost", "myhost"},
		{"send.base_url", "http://localhost", "http://localhost"},
		{"server.port", "notanumber", "notanumber"}, // falls through to string
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got := coerceValue(tt.key, tt.value)
			testutil.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceValueList(t *testing.T) {
	got, ok := coerceValue("extract.mobile_prefixes", "15, 16,,17").([]string)
	testutil.True(t, ok)
	testutil.SliceLen(t, got, 3)
	testutil.Equal(t, "17", got[2])
}
