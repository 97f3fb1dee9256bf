// Package config provides configuration management for the dataset upload service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the explicit configuration injected into the server, the upload
// orchestrator and the outbound clients. Nothing below reads the environment
// after Load returns.
//
// Config file location (default):
//   - Windows: %USERPROFILE%\.config\sail\dataset-upload.conf
//   - Unix: ~/.config/sail/dataset-upload.conf
//
// INI format:
//
//	[control_plane]
//	base_url = https://api.example.com
//	request_timeout = 60s
//	verify_tls = true
//	retry_max = 0
//
//	[storage]
//	verify_tls = true
//	upload_retries = 3
//
//	[server]
//	listen_addr = :8000
//	workspace_root = /var/tmp/sail-dataset-upload
//	workers = 4
//	queue_size = 64
//	max_upload_bytes = 2147483648
//	rollback_retries = 3
//
//	[proxy]
//	mode = no-proxy
//	host =
//	port = 0
//	user =
//	no_proxy =
//
//	[logging]
//	level = info
//	file =
//	json = false
//
//	[s3]
//	region = us-east-1
//	endpoint =
//	access_key_id =
//	secret_access_key =
type Config struct {
	// Control-plane API
	ControlPlaneBaseURL   string
	RequestTimeout        time.Duration
	ControlPlaneVerifyTLS bool
	ControlPlaneRetryMax  int

	// Remote storage
	StorageVerifyTLS bool
	UploadRetries    int

	// Inbound server and background execution
	ListenAddr      string
	WorkspaceRoot   string
	Workers         int
	QueueSize       int
	MaxUploadBytes  int64
	RollbackRetries int

	// Proxy settings shared by control-plane and storage clients
	ProxyMode     string // no-proxy, system, basic, ntlm
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string // never written to disk
	NoProxy       string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// S3 destinations (s3://bucket/key connection strings)
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Validation errors
var (
	ErrMissingControlPlaneURL = errors.New("control_plane.base_url is required")
	ErrInvalidControlPlaneURL = errors.New("control_plane.base_url must be an absolute http(s) URL")
	ErrInvalidRequestTimeout  = errors.New("control_plane.request_timeout must be positive")
	ErrInvalidRetryMax        = errors.New("retry counts must not be negative")
	ErrInvalidWorkers         = errors.New("server.workers must be between 1 and 256")
	ErrInvalidQueueSize       = errors.New("server.queue_size must not be negative")
	ErrInvalidMaxUploadBytes  = errors.New("server.max_upload_bytes must be positive")
	ErrMissingWorkspaceRoot   = errors.New("server.workspace_root is required")
	ErrInvalidProxyMode       = errors.New("proxy.mode must be one of no-proxy, system, basic, ntlm")
)

// Environment variable names. SAIL_API_SERVICE_URL is kept for deployments
// that already export it.
const (
	EnvControlPlaneURL = "SAIL_API_SERVICE_URL"
	EnvListenAddr      = "SAIL_UPLOAD_LISTEN_ADDR"
	EnvWorkspaceRoot   = "SAIL_UPLOAD_WORKSPACE_ROOT"
	EnvWorkers         = "SAIL_UPLOAD_WORKERS"
	EnvRequestTimeout  = "SAIL_UPLOAD_REQUEST_TIMEOUT"
	EnvStorageVerify   = "SAIL_UPLOAD_STORAGE_VERIFY_TLS"
	EnvProxyPassword   = "SAIL_UPLOAD_PROXY_PASSWORD"
	EnvLogLevel        = "SAIL_UPLOAD_LOG_LEVEL"
	EnvS3AccessKeyID   = "SAIL_UPLOAD_S3_ACCESS_KEY_ID"
	EnvS3SecretKey     = "SAIL_UPLOAD_S3_SECRET_ACCESS_KEY"
)

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", "sail")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "sail")
	}

	return filepath.Join(configDir, "dataset-upload.conf"), nil
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		RequestTimeout:        60 * time.Second,
		ControlPlaneVerifyTLS: true,
		ControlPlaneRetryMax:  0,
		StorageVerifyTLS:      true,
		UploadRetries:         3,
		ListenAddr:            ":8000",
		WorkspaceRoot:         filepath.Join(os.TempDir(), "sail-dataset-upload"),
		Workers:               4,
		QueueSize:             64,
		MaxUploadBytes:        2 << 30,
		RollbackRetries:       3,
		ProxyMode:             "no-proxy",
		LogLevel:              "info",
		S3Region:              "us-east-1",
	}
}

// Load reads configuration from an INI file and applies environment overrides.
// If the file doesn't exist, defaults plus environment are returned with no error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			path = ""
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			iniFile, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
			applyINI(cfg, iniFile)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyINI(cfg *Config, iniFile *ini.File) {
	cp := iniFile.Section("control_plane")
	cfg.ControlPlaneBaseURL = cp.Key("base_url").MustString(cfg.ControlPlaneBaseURL)
	cfg.RequestTimeout = cp.Key("request_timeout").MustDuration(cfg.RequestTimeout)
	cfg.ControlPlaneVerifyTLS = cp.Key("verify_tls").MustBool(cfg.ControlPlaneVerifyTLS)
	cfg.ControlPlaneRetryMax = cp.Key("retry_max").MustInt(cfg.ControlPlaneRetryMax)

	st := iniFile.Section("storage")
	cfg.StorageVerifyTLS = st.Key("verify_tls").MustBool(cfg.StorageVerifyTLS)
	cfg.UploadRetries = st.Key("upload_retries").MustInt(cfg.UploadRetries)

	srv := iniFile.Section("server")
	cfg.ListenAddr = srv.Key("listen_addr").MustString(cfg.ListenAddr)
	cfg.WorkspaceRoot = srv.Key("workspace_root").MustString(cfg.WorkspaceRoot)
	cfg.Workers = srv.Key("workers").MustInt(cfg.Workers)
	cfg.QueueSize = srv.Key("queue_size").MustInt(cfg.QueueSize)
	cfg.MaxUploadBytes = srv.Key("max_upload_bytes").MustInt64(cfg.MaxUploadBytes)
	cfg.RollbackRetries = srv.Key("rollback_retries").MustInt(cfg.RollbackRetries)

	px := iniFile.Section("proxy")
	cfg.ProxyMode = px.Key("mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = px.Key("host").String()
	cfg.ProxyPort = px.Key("port").MustInt(0)
	cfg.ProxyUser = px.Key("user").String()
	cfg.NoProxy = px.Key("no_proxy").String()

	lg := iniFile.Section("logging")
	cfg.LogLevel = lg.Key("level").MustString(cfg.LogLevel)
	cfg.LogFile = lg.Key("file").String()
	cfg.LogJSON = lg.Key("json").MustBool(false)

	s3 := iniFile.Section("s3")
	cfg.S3Region = s3.Key("region").MustString(cfg.S3Region)
	cfg.S3Endpoint = s3.Key("endpoint").String()
	cfg.S3AccessKeyID = s3.Key("access_key_id").String()
	cfg.S3SecretAccessKey = s3.Key("secret_access_key").String()
}

// ApplyEnv overrides fields from environment variables. lookup is usually os.LookupEnv.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvControlPlaneURL); ok && v != "" {
		cfg.ControlPlaneBaseURL = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := lookup(EnvWorkspaceRoot); ok && v != "" {
		cfg.WorkspaceRoot = v
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}
	if v, ok := lookup(EnvRequestTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRequestTimeout, err)
		}
		cfg.RequestTimeout = d
	}
	if v, ok := lookup(EnvStorageVerify); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvStorageVerify, err)
		}
		cfg.StorageVerifyTLS = b
	}
	if v, ok := lookup(EnvProxyPassword); ok {
		cfg.ProxyPassword = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup(EnvS3AccessKeyID); ok && v != "" {
		cfg.S3AccessKeyID = v
	}
	if v, ok := lookup(EnvS3SecretKey); ok && v != "" {
		cfg.S3SecretAccessKey = v
	}
	return nil
}

// Save writes configuration to an INI file.
// Creates parent directories if they don't exist. The proxy password is never saved.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	sections := []struct {
		name   string
		values [][2]string
	}{
		{"control_plane", [][2]string{
			{"base_url", cfg.ControlPlaneBaseURL},
			{"request_timeout", cfg.RequestTimeout.String()},
			{"verify_tls", strconv.FormatBool(cfg.ControlPlaneVerifyTLS)},
			{"retry_max", strconv.Itoa(cfg.ControlPlaneRetryMax)},
		}},
		{"storage", [][2]string{
			{"verify_tls", strconv.FormatBool(cfg.StorageVerifyTLS)},
			{"upload_retries", strconv.Itoa(cfg.UploadRetries)},
		}},
		{"server", [][2]string{
			{"listen_addr", cfg.ListenAddr},
			{"workspace_root", cfg.WorkspaceRoot},
			{"workers", strconv.Itoa(cfg.Workers)},
			{"queue_size", strconv.Itoa(cfg.QueueSize)},
			{"max_upload_bytes", strconv.FormatInt(cfg.MaxUploadBytes, 10)},
			{"rollback_retries", strconv.Itoa(cfg.RollbackRetries)},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.ProxyMode},
			{"host", cfg.ProxyHost},
			{"port", strconv.Itoa(cfg.ProxyPort)},
			{"user", cfg.ProxyUser},
			{"no_proxy", cfg.NoProxy},
		}},
		{"logging", [][2]string{
			{"level", cfg.LogLevel},
			{"file", cfg.LogFile},
			{"json", strconv.FormatBool(cfg.LogJSON)},
		}},
		{"s3", [][2]string{
			{"region", cfg.S3Region},
			{"endpoint", cfg.S3Endpoint},
			{"access_key_id", cfg.S3AccessKeyID},
			{"secret_access_key", cfg.S3SecretAccessKey},
		}},
	}

	for _, s := range sections {
		section, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks that the configuration can run the service.
func (cfg *Config) Validate() error {
	base := strings.TrimSpace(cfg.ControlPlaneBaseURL)
	if base == "" {
		return ErrMissingControlPlaneURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidControlPlaneURL
	}
	if cfg.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if cfg.ControlPlaneRetryMax < 0 || cfg.UploadRetries < 0 || cfg.RollbackRetries < 0 {
		return ErrInvalidRetryMax
	}
	if cfg.Workers < 1 || cfg.Workers > 256 {
		return ErrInvalidWorkers
	}
	if cfg.QueueSize < 0 {
		return ErrInvalidQueueSize
	}
	if cfg.MaxUploadBytes <= 0 {
		return ErrInvalidMaxUploadBytes
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return ErrMissingWorkspaceRoot
	}
	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// Redacted returns a copy safe for printing.
func (cfg *Config) Redacted() Config {
	out := *cfg
	if out.ProxyPassword != "" {
		out.ProxyPassword = "********"
	}
	if out.S3SecretAccessKey != "" {
		out.S3SecretAccessKey = "********"
	}
	return out
}
