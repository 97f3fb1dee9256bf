package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("expected default RequestTimeout 60s, got %s", cfg.RequestTimeout)
	}
	if !cfg.StorageVerifyTLS {
		t.Error("expected StorageVerifyTLS to default to true")
	}
	if cfg.ControlPlaneRetryMax != 0 {
		t.Errorf("expected no control-plane retries by default, got %d", cfg.ControlPlaneRetryMax)
	}
	if cfg.Workers != 4 {
		t.Errorf("expected default Workers 4, got %d", cfg.Workers)
	}
	if cfg.ProxyMode != "no-proxy" {
		t.Errorf("expected default ProxyMode no-proxy, got %s", cfg.ProxyMode)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "dataset-upload.conf")

	cfg := NewConfig()
	cfg.ControlPlaneBaseURL = "https://api.example.test"
	cfg.RequestTimeout = 15 * time.Second
	cfg.StorageVerifyTLS = false
	cfg.Workers = 9
	cfg.WorkspaceRoot = filepath.Join(tmpDir, "work")
	cfg.ProxyMode = "basic"
	cfg.ProxyHost = "proxy.local"
	cfg.ProxyPort = 3128
	cfg.ProxyPassword = "hunter2"
	cfg.LogJSON = true

	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %o", info.Mode().Perm())
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("proxy password must not be written to disk")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.ControlPlaneBaseURL != cfg.ControlPlaneBaseURL {
		t.Errorf("ControlPlaneBaseURL mismatch: expected %s, got %s", cfg.ControlPlaneBaseURL, loaded.ControlPlaneBaseURL)
	}
	if loaded.RequestTimeout != cfg.RequestTimeout {
		t.Errorf("RequestTimeout mismatch: expected %s, got %s", cfg.RequestTimeout, loaded.RequestTimeout)
	}
	if loaded.StorageVerifyTLS {
		t.Error("StorageVerifyTLS should have loaded as false")
	}
	if loaded.Workers != 9 {
		t.Errorf("Workers mismatch: expected 9, got %d", loaded.Workers)
	}
	if loaded.ProxyHost != "proxy.local" || loaded.ProxyPort != 3128 {
		t.Errorf("proxy mismatch: got %s:%d", loaded.ProxyHost, loaded.ProxyPort)
	}
	if !loaded.LogJSON {
		t.Error("LogJSON should have loaded as true")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.Workers != NewConfig().Workers {
		t.Errorf("expected default workers, got %d", cfg.Workers)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvControlPlaneURL: "https://env.example.test",
		EnvWorkers:         "12",
		EnvRequestTimeout:  "5s",
		EnvStorageVerify:   "false",
		EnvProxyPassword:   "secret",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := NewConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.ControlPlaneBaseURL != "https://env.example.test" {
		t.Errorf("unexpected base URL %s", cfg.ControlPlaneBaseURL)
	}
	if cfg.Workers != 12 {
		t.Errorf("expected 12 workers, got %d", cfg.Workers)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.StorageVerifyTLS {
		t.Error("expected StorageVerifyTLS false")
	}
	if cfg.ProxyPassword != "secret" {
		t.Error("expected proxy password from env")
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == EnvWorkers {
			return "many", true
		}
		return "", false
	}
	if err := NewConfig().ApplyEnv(lookup); err == nil {
		t.Fatal("expected error for non-numeric worker count")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig()
		cfg.ControlPlaneBaseURL = "https://api.example.test"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing url", func(c *Config) { c.ControlPlaneBaseURL = " " }, ErrMissingControlPlaneURL},
		{"relative url", func(c *Config) { c.ControlPlaneBaseURL = "api.example.test" }, ErrInvalidControlPlaneURL},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, ErrInvalidRequestTimeout},
		{"negative retries", func(c *Config) { c.UploadRetries = -1 }, ErrInvalidRetryMax},
		{"no workers", func(c *Config) { c.Workers = 0 }, ErrInvalidWorkers},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }, ErrInvalidQueueSize},
		{"zero max upload", func(c *Config) { c.MaxUploadBytes = 0 }, ErrInvalidMaxUploadBytes},
		{"no workspace", func(c *Config) { c.WorkspaceRoot = "" }, ErrMissingWorkspaceRoot},
		{"bad proxy", func(c *Config) { c.ProxyMode = "socks" }, ErrInvalidProxyMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := NewConfig()
	cfg.ProxyPassword = "pw"
	cfg.S3SecretAccessKey = "sk"

	r := cfg.Redacted()
	if r.ProxyPassword == "pw" || r.S3SecretAccessKey == "sk" {
		t.Error("Redacted() leaked secrets")
	}
	if cfg.ProxyPassword != "pw" {
		t.Error("Redacted() must not modify the original")
	}
}
