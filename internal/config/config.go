package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Capture    CaptureConfig    `yaml:"capture" mapstructure:"capture"`
	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Routes     RoutesConfig     `yaml:"routes" mapstructure:"routes"`
}

// ServerConfig configures the inbound capture server.
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig controls log level and optional file output.
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig configures rotated file logging.
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style.
type OutputConfig struct {
	Mode string `yaml:"mode" mapstructure:"mode"`
}

// CaptureConfig bounds inbound capture.
type CaptureConfig struct {
	MaxPayloadBytes  int64    `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes"`
	SensitiveHeaders []string `yaml:"sensitive_headers" mapstructure:"sensitive_headers"`
	CaptureOnFailure bool     `yaml:"capture_on_failure" mapstructure:"capture_on_failure"`
}

// HTTPConfig governs outbound delivery safety.
type HTTPConfig struct {
	EnforceHTTPS     bool `yaml:"enforce_https" mapstructure:"enforce_https"`
	MaxRedirects     int  `yaml:"max_redirects" mapstructure:"max_redirects"`
	MaxResponseBytes int  `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
	TimeoutSeconds   int  `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// RetryConfig is the default retry policy applied when a route does not
// override it.
type RetryConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
	DelaySeconds    int `yaml:"delay_seconds" mapstructure:"delay_seconds"`
}

// AutomationConfig parameterizes the periodic sweep operations.
type AutomationConfig struct {
	StuckThresholdMinutes    int `yaml:"stuck_threshold_minutes" mapstructure:"stuck_threshold_minutes"`
	ProcessingTimeoutSeconds int `yaml:"processing_timeout_seconds" mapstructure:"processing_timeout_seconds"`
	TimeoutBufferSeconds     int `yaml:"timeout_buffer_seconds" mapstructure:"timeout_buffer_seconds"`
}

// ArchiveConfig controls retention aging.
type ArchiveConfig struct {
	ArchiveAfterDays int `yaml:"archive_after_days" mapstructure:"archive_after_days"`
	PurgeAfterDays   int `yaml:"purge_after_days" mapstructure:"purge_after_days"`
}

// StorageConfig locates the persistent store.
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// RoutesConfig locates the route definitions file.
type RoutesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// NewDefaultConfig returns a configuration populated with the built-in
// defaults, without reading any file or environment.
func NewDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	applyDefaults(&cfg, v)
	return &cfg
}

// LoadConfig loads configuration from file, environment, and bound
// flags. If v is nil a fresh viper instance is used.
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hookrelay")
		v.AddConfigPath("/etc/hookrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that Unmarshal leaves untouched
// when no config file is present. Bool fields always read through viper
// so that file values and defaults resolve consistently.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = v.GetString("server.path")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}

	if cfg.Capture.MaxPayloadBytes == 0 {
		cfg.Capture.MaxPayloadBytes = v.GetInt64("capture.max_payload_bytes")
	}
	if len(cfg.Capture.SensitiveHeaders) == 0 {
		cfg.Capture.SensitiveHeaders = v.GetStringSlice("capture.sensitive_headers")
	}
	cfg.Capture.SensitiveHeaders = normalizeHeaderList(cfg.Capture.SensitiveHeaders)
	cfg.Capture.CaptureOnFailure = v.GetBool("capture.capture_on_failure")

	cfg.HTTP.EnforceHTTPS = v.GetBool("http.enforce_https")
	if cfg.HTTP.MaxRedirects == 0 {
		cfg.HTTP.MaxRedirects = v.GetInt("http.max_redirects")
	}
	if cfg.HTTP.MaxResponseBytes == 0 {
		cfg.HTTP.MaxResponseBytes = v.GetInt("http.max_response_bytes")
	}
	if cfg.HTTP.TimeoutSeconds == 0 {
		cfg.HTTP.TimeoutSeconds = v.GetInt("http.timeout_seconds")
	}

	if cfg.Retry.IntervalSeconds == 0 {
		cfg.Retry.IntervalSeconds = v.GetInt("retry.interval_seconds")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = v.GetInt("retry.max_attempts")
	}
	if cfg.Retry.DelaySeconds == 0 {
		cfg.Retry.DelaySeconds = v.GetInt("retry.delay_seconds")
	}

	if cfg.Automation.StuckThresholdMinutes == 0 {
		cfg.Automation.StuckThresholdMinutes = v.GetInt("automation.stuck_threshold_minutes")
	}
	if cfg.Automation.ProcessingTimeoutSeconds == 0 {
		cfg.Automation.ProcessingTimeoutSeconds = v.GetInt("automation.processing_timeout_seconds")
	}
	if cfg.Automation.TimeoutBufferSeconds == 0 {
		cfg.Automation.TimeoutBufferSeconds = v.GetInt("automation.timeout_buffer_seconds")
	}

	if cfg.Archive.ArchiveAfterDays == 0 {
		cfg.Archive.ArchiveAfterDays = v.GetInt("archive.archive_after_days")
	}
	if cfg.Archive.PurgeAfterDays == 0 {
		cfg.Archive.PurgeAfterDays = v.GetInt("archive.purge_after_days")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}

	if cfg.Routes.Path == "" {
		cfg.Routes.Path = v.GetString("routes.path")
	}
}

// setDefaults registers the default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 38600)
	v.SetDefault("server.path", "/hooks")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./hookrelay.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")

	v.SetDefault("capture.max_payload_bytes", int64(64*1024))
	v.SetDefault("capture.sensitive_headers", []string{
		"authorization",
		"proxy-authorization",
		"x-api-key",
		"api-key",
		"cookie",
	})
	v.SetDefault("capture.capture_on_failure", true)

	v.SetDefault("http.enforce_https", true)
	v.SetDefault("http.max_redirects", 3)
	v.SetDefault("http.max_response_bytes", 16*1024)
	v.SetDefault("http.timeout_seconds", 30)

	v.SetDefault("retry.interval_seconds", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay_seconds", 0)

	v.SetDefault("automation.stuck_threshold_minutes", 10)
	v.SetDefault("automation.processing_timeout_seconds", 0)
	v.SetDefault("automation.timeout_buffer_seconds", 0)

	v.SetDefault("archive.archive_after_days", 30)
	v.SetDefault("archive.purge_after_days", 180)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/hookrelay.db")

	v.SetDefault("routes.path", "./routes.yaml")
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.Path == "" || !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server path must start with '/'")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	if c.Capture.MaxPayloadBytes < 1 {
		return fmt.Errorf("capture max_payload_bytes must be positive")
	}
	for i, h := range c.Capture.SensitiveHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("capture sensitive_headers[%d] cannot be empty", i)
		}
	}

	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http max_redirects cannot be negative")
	}
	if c.HTTP.MaxResponseBytes < 1 {
		return fmt.Errorf("http max_response_bytes must be positive")
	}
	if c.HTTP.TimeoutSeconds < 1 {
		return fmt.Errorf("http timeout_seconds must be positive")
	}

	if c.Retry.IntervalSeconds < 0 {
		return fmt.Errorf("retry interval_seconds cannot be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Retry.DelaySeconds < 0 {
		return fmt.Errorf("retry delay_seconds cannot be negative")
	}

	if c.Automation.StuckThresholdMinutes < 1 {
		return fmt.Errorf("automation stuck_threshold_minutes must be at least 1")
	}
	if c.Automation.ProcessingTimeoutSeconds < 0 {
		return fmt.Errorf("automation processing_timeout_seconds cannot be negative")
	}
	if c.Automation.TimeoutBufferSeconds < 0 {
		return fmt.Errorf("automation timeout_buffer_seconds cannot be negative")
	}

	if c.Archive.ArchiveAfterDays < 1 {
		return fmt.Errorf("archive archive_after_days must be at least 1")
	}
	if c.Archive.PurgeAfterDays < 1 {
		return fmt.Errorf("archive purge_after_days must be at least 1")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Driver) == "" {
			c.Storage.Driver = "sqlite"
		}
	default:
		return fmt.Errorf("storage driver must be sqlite")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}

	return nil
}

func normalizeHeaderList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
