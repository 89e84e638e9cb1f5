package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
}

func TestLoadFrom_Layering(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
  read_timeout: 5s
license:
  app_id: file-app
  license_code: LIC-FILE
  archive_backend: sqlite
  archive_path: /tmp/archive.db
otel:
  trace_exporter: stdout
`)

	tests := []struct {
		name     string
		env      map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name: "file overrides defaults",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout, "unset keys keep defaults")
				assert.Equal(t, "file-app", cfg.License.AppID)
				assert.Equal(t, "LIC-FILE", cfg.License.LicenseCode)
				assert.Equal(t, "sqlite", cfg.License.ArchiveBackend)
				assert.Equal(t, "stdout", cfg.OTel.TraceExporter)
			},
		},
		{
			name: "env overrides file",
			env: map[string]string{
				"DLICENSE_SERVER_PORT":              "7070",
				"DLICENSE_LICENSE_CODE":             "TEMP",
				"DLICENSE_LICENSE_CACHE_MAX_TTL":    "10m",
				"DLICENSE_SECURITY_ALLOWED_ORIGINS": "https://a.example,https://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, "TEMP", cfg.License.LicenseCode)
				assert.Equal(t, 10*time.Minute, cfg.License.CacheMaxTTL)
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
				assert.Equal(t, "file-app", cfg.License.AppID)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadFrom(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadFrom_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadFrom(writeConfigFile(t, "server: [1, 2"))
		assert.Error(t, err)
	})
	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("DLICENSE_SERVER_PORT", "eighty")
		_, err := LoadFrom("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
		{name: "timeouts", mutate: func(c *Config) { c.Server.WriteTimeout = 0 }, wantErr: "timeouts"},
		{name: "origins", mutate: func(c *Config) { c.Security.AllowedOrigins = nil }, wantErr: "allowed origin"},
		{name: "rate limit", mutate: func(c *Config) { c.Security.RateLimit.Burst = 0 }, wantErr: "rate limit"},
		{name: "log output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: "logging output"},
		{name: "log file", mutate: func(c *Config) { c.Logging.Output = "both"; c.Logging.FilePath = "" }, wantErr: "file path"},
		{name: "storage", mutate: func(c *Config) { c.License.StorageDir = "" }, wantErr: "storage dir"},
		{name: "app id separator", mutate: func(c *Config) { c.License.AppID = "a|b" }, wantErr: "app id"},
		{name: "ttl bounds", mutate: func(c *Config) { c.License.CacheMaxTTL = time.Second }, wantErr: "cache ttl"},
		{name: "archive backend", mutate: func(c *Config) { c.License.ArchiveBackend = "redis" }, wantErr: "archive backend"},
		{name: "root key algorithm", mutate: func(c *Config) { c.License.RootKeyFile = "root.pem"; c.License.RootKeyAlgorithm = "dsa" }, wantErr: "root key algorithm"},
		{name: "archive path", mutate: func(c *Config) { c.License.ArchivePath = "" }, wantErr: "archive path"},
		{name: "memory archive needs no path", mutate: func(c *Config) { c.License.ArchiveBackend = "memory"; c.License.ArchivePath = "" }},
		{name: "activation", mutate: func(c *Config) { c.License.ActivationRate = 0 }, wantErr: "activation"},
		{name: "trace exporter", mutate: func(c *Config) { c.OTel.TraceExporter = "jaeger" }, wantErr: "trace exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigFilePath(t *testing.T) {
	t.Setenv("DLICENSE_CONFIG_FILE", "/etc/dlicense.yaml")
	assert.Equal(t, "/etc/dlicense.yaml", ConfigFilePath())
}
