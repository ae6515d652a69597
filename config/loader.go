package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HRIS_DATABASE_DSN.
const EnvPrefix = "HRIS"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Viper returns the underlying instance, used to bind CLI flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFileUsed returns the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load loads configuration with precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Org.File = expandTilde(cfg.Org.File)
	cfg.Tracing.Output = expandTilde(cfg.Tracing.Output)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "hris-approvals"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "hris-approvals"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, cfg)

	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.cors_origins", cfg.Server.CORSOrigins)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.scenarios", cfg.Server.Scenarios)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.dsn", cfg.Database.DSN)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("nats.url", cfg.NATS.URL)
	v.SetDefault("nats.prefix", cfg.NATS.Prefix)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.output", cfg.Tracing.Output)

	v.SetDefault("reminders.enabled", cfg.Reminders.Enabled)
	v.SetDefault("reminders.interval", cfg.Reminders.Interval)
	v.SetDefault("reminders.stale_after", cfg.Reminders.StaleAfter)

	v.SetDefault("org.file", cfg.Org.File)

	v.SetDefault("leave.long_leave_days", cfg.Leave.LongLeaveDays)
	v.SetDefault("delegation_cache_ttl", cfg.DelegationCacheTTL)
}

var envKeys = []string{
	"server.port",
	"server.shutdown_timeout",
	"server.scenarios",
	"database.driver",
	"database.path",
	"database.dsn",
	"logging.level",
	"logging.format",
	"logging.enable_caller",
	"nats.url",
	"nats.prefix",
	"tracing.enabled",
	"tracing.output",
	"reminders.enabled",
	"reminders.interval",
	"reminders.stale_after",
	"org.file",
	"leave.long_leave_days",
	"delegation_cache_ttl",
}

// loadConfigFile reads the config file. A missing file is only an error
// when it was set explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
