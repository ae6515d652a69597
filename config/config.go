// Package config handles approval service configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/warp/hris-approvals/approval"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	NATS      NATSConfig      `yaml:"nats" mapstructure:"nats"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Reminders RemindersConfig `yaml:"reminders" mapstructure:"reminders"`
	Org       OrgConfig       `yaml:"org" mapstructure:"org"`
	Leave     LeaveConfig     `yaml:"leave" mapstructure:"leave"`

	// Policies maps a request type to the org roles of its levels, in
	// order. Types not listed are single-level with an explicit approver.
	// Payroll and leave have built-in policies and cannot be overridden.
	Policies map[string][]string `yaml:"policies" mapstructure:"policies"`

	// DelegationCacheTTL bounds how stale a delegation lookup may be.
	// Zero disables the cache.
	DelegationCacheTTL time.Duration `yaml:"delegation_cache_ttl" mapstructure:"delegation_cache_ttl"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// Scenarios exposes /api/scenarios, which wipes the database. Demo only.
	Scenarios bool `yaml:"scenarios" mapstructure:"scenarios"`
}

// Addr is the listen address for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

type NATSConfig struct {
	// URL of the NATS server. Empty disables event publishing.
	URL    string `yaml:"url" mapstructure:"url"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Output is a file for the stdout exporter; empty writes to stdout.
	Output string `yaml:"output" mapstructure:"output"`
}

type RemindersConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// OrgConfig seeds the static role directory.
type OrgConfig struct {
	// File is a YAML directory (roles + supervisors), loaded first.
	File string `yaml:"file" mapstructure:"file"`

	// Roles maps tenant -> role -> holder. "default" is the fallback tenant.
	// Keys are case-folded by the loader; use File for mixed-case ids.
	Roles map[string]map[string]string `yaml:"roles" mapstructure:"roles"`

	// Supervisors maps employee -> supervisor.
	Supervisors map[string]string `yaml:"supervisors" mapstructure:"supervisors"`
}

type LeaveConfig struct {
	// LongLeaveDays is the workday count above which HR must also approve.
	LongLeaveDays int `yaml:"long_leave_days" mapstructure:"long_leave_days"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "approvals.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		NATS: NATSConfig{
			Prefix: "hris.approvals",
		},
		Reminders: RemindersConfig{
			Enabled:    true,
			Interval:   time.Hour,
			StaleAfter: 48 * time.Hour,
		},
		Leave: LeaveConfig{
			LongLeaveDays: 5,
		},
		DelegationCacheTTL: 30 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be one of memory, sqlite, postgres")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Reminders.Enabled {
		if c.Reminders.Interval < time.Second {
			return fmt.Errorf("reminders.interval must be at least 1s")
		}
		if c.Reminders.StaleAfter <= 0 {
			return fmt.Errorf("reminders.stale_after must be positive")
		}
	}

	if c.DelegationCacheTTL < 0 {
		return fmt.Errorf("delegation_cache_ttl must not be negative")
	}

	if c.Leave.LongLeaveDays < 1 {
		return fmt.Errorf("leave.long_leave_days must be at least 1")
	}

	for name, roles := range c.Policies {
		rt, err := approval.ParseRequestType(name)
		if err != nil {
			return fmt.Errorf("policies: %w", err)
		}
		if rt == approval.RequestPayroll || rt == approval.RequestLeave {
			return fmt.Errorf("policies.%s: built-in policy cannot be overridden", rt)
		}
		if len(roles) == 0 {
			return fmt.Errorf("policies.%s: at least one role is required", rt)
		}
	}

	return nil
}

// RolePolicies builds the configured per-type policies on top of dir.
// Call after Validate.
func (c *Config) RolePolicies(dir approval.RoleResolver) map[approval.RequestType]approval.Policy {
	out := make(map[approval.RequestType]approval.Policy, len(c.Policies))
	for name, roles := range c.Policies {
		rt, err := approval.ParseRequestType(name)
		if err != nil {
			continue
		}
		out[rt] = approval.RolePolicy{Roles: roles, Resolver: dir}
	}
	return out
}

// Directory builds the static role directory: File first, then the inline
// roles and supervisors on top.
func (o OrgConfig) Directory() (*approval.StaticDirectory, error) {
	dir := approval.NewStaticDirectory()
	if o.File != "" {
		f, err := os.Open(o.File)
		if err != nil {
			return nil, fmt.Errorf("open org file: %w", err)
		}
		defer f.Close()
		if dir, err = approval.LoadDirectory(f); err != nil {
			return nil, err
		}
	}
	dir.Merge(o.Roles, o.Supervisors)
	return dir, nil
}
