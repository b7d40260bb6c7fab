// Package config loads tenantdb settings from a YAML file with
// TENANTDB_* environment overrides.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/tenantdb/internal/connmgr"
	"github.com/koustreak/tenantdb/internal/controlplane"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/filestore"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/koustreak/tenantdb/internal/registry"
	"go.yaml.in/yaml/v3"
)

const envPrefix = "TENANTDB_"

// Config is the root of the YAML document.
type Config struct {
	Source       Database          `yaml:"source"`
	Admin        Database          `yaml:"admin"`
	ControlPlane ControlPlane      `yaml:"control_plane"`
	Tenant       Tenant            `yaml:"tenant"`
	Pool         Pool              `yaml:"pool"`
	Migration    Migration         `yaml:"migration"`
	Logging      logger.Config     `yaml:"logging"`
	Report       Report            `yaml:"report"`
	Server       Server            `yaml:"server"`
	Modules      []registry.Module `yaml:"modules"`
}

type Database struct {
	URL string `yaml:"url"`
}

type ControlPlane struct {
	URL    string          `yaml:"url"`
	Driver database.Driver `yaml:"driver"` // postgres or mysql
	Table  string          `yaml:"table"`
}

// Tenant controls how city databases are named and filtered.
type Tenant struct {
	DatabasePrefix string `yaml:"database_prefix"`
	Schema         string `yaml:"schema"`
	Column         string `yaml:"column"`
}

type Pool struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type Migration struct {
	BatchSize      int  `yaml:"batch_size"`
	MaxRows        int  `yaml:"max_rows"`
	ResetSequences bool `yaml:"reset_sequences"`
}

// Report enables archiving of run results to object storage.
type Report struct {
	Enabled bool             `yaml:"enabled"`
	Store   filestore.Config `yaml:",inline"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	pool := database.DefaultConfig("")
	return &Config{
		ControlPlane: ControlPlane{
			Driver: database.DriverPostgres,
			Table:  controlplane.DefaultTable,
		},
		Tenant: Tenant{
			DatabasePrefix: connmgr.DefaultTenantPrefix,
			Schema:         "public",
			Column:         "city_id",
		},
		Pool: Pool{
			MaxConns:        pool.MaxConns,
			MinConns:        pool.MinConns,
			MaxConnLifetime: pool.MaxConnLifetime,
			MaxConnIdleTime: pool.MaxConnIdleTime,
			ConnectTimeout:  pool.ConnectTimeout,
		},
		Migration: Migration{
			BatchSize:      migrate.DefaultBatchSize,
			MaxRows:        migrate.DefaultMaxRows,
			ResetSequences: true,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			TimeFormat: "rfc3339",
		},
		Report: Report{
			Store: *filestore.DefaultConfig("localhost:9000", "", ""),
		},
		Server: Server{Addr: ":8080"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "read config "+path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.ErrKindConfiguration, "parse config "+path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from TENANTDB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SOURCE_URL":          &c.Source.URL,
		"ADMIN_URL":           &c.Admin.URL,
		"CONTROL_PLANE_URL":   &c.ControlPlane.URL,
		"CONTROL_PLANE_TABLE": &c.ControlPlane.Table,
		"TENANT_PREFIX":       &c.Tenant.DatabasePrefix,
		"TENANT_SCHEMA":       &c.Tenant.Schema,
		"TENANT_COLUMN":       &c.Tenant.Column,
		"LOG_LEVEL":           &c.Logging.Level,
		"LOG_FORMAT":          &c.Logging.Format,
		"MINIO_ENDPOINT":      &c.Report.Store.Endpoint,
		"MINIO_ACCESS_KEY":    &c.Report.Store.AccessKey,
		"MINIO_SECRET_KEY":    &c.Report.Store.SecretKey,
		"MINIO_BUCKET":        &c.Report.Store.Bucket,
		"SERVER_ADDR":         &c.Server.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "CONTROL_PLANE_DRIVER"); ok {
		c.ControlPlane.Driver = database.Driver(strings.ToLower(v))
	}

	ints := map[string]*int{
		"BATCH_SIZE": &c.Migration.BatchSize,
		"MAX_ROWS":   &c.Migration.MaxRows,
	}
	for name, dst := range ints {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errs.Wrap(errs.ErrKindConfiguration, envPrefix+name+" must be an integer", err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(envPrefix + "REPORT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Wrap(errs.ErrKindConfiguration, envPrefix+"REPORT_ENABLED must be a boolean", err)
		}
		c.Report.Enabled = b
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return errs.New(errs.ErrKindConfiguration, "source.url is required")
	}
	if c.Admin.URL == "" {
		return errs.New(errs.ErrKindConfiguration, "admin.url is required")
	}
	if c.ControlPlane.URL == "" {
		return errs.New(errs.ErrKindConfiguration, "control_plane.url is required")
	}
	switch c.ControlPlane.Driver {
	case database.DriverPostgres, database.DriverMySQL:
	default:
		return errs.Newf(errs.ErrKindConfiguration, "control_plane.driver %q is not supported", c.ControlPlane.Driver)
	}

	idents := map[string]string{
		"control_plane.table":    c.ControlPlane.Table,
		"tenant.database_prefix": c.Tenant.DatabasePrefix,
		"tenant.schema":          c.Tenant.Schema,
		"tenant.column":          c.Tenant.Column,
	}
	for field, v := range idents {
		if !identRe.MatchString(v) {
			return errs.Newf(errs.ErrKindConfiguration, "%s %q is not a valid identifier", field, v)
		}
	}

	if c.Migration.BatchSize <= 0 {
		return errs.New(errs.ErrKindConfiguration, "migration.batch_size must be positive")
	}
	if c.Migration.MaxRows < 0 {
		return errs.New(errs.ErrKindConfiguration, "migration.max_rows must not be negative")
	}
	if c.Report.Enabled && (c.Report.Store.Endpoint == "" || c.Report.Store.Bucket == "") {
		return errs.New(errs.ErrKindConfiguration, "report.endpoint and report.bucket are required when reports are enabled")
	}
	if len(c.Modules) > 0 {
		if _, err := registry.New(c.Modules); err != nil {
			return err
		}
	}
	return nil
}

// PoolTemplate returns the pool tuning shared by every connection.
func (c *Config) PoolTemplate() database.Config {
	return database.Config{
		MaxConns:        c.Pool.MaxConns,
		MinConns:        c.Pool.MinConns,
		MaxConnLifetime: c.Pool.MaxConnLifetime,
		MaxConnIdleTime: c.Pool.MaxConnIdleTime,
		ConnectTimeout:  c.Pool.ConnectTimeout,
	}
}

func (c *Config) Connections() connmgr.Config {
	return connmgr.Config{
		SourceDSN:          c.Source.URL,
		AdminDSN:           c.Admin.URL,
		ControlPlaneDSN:    c.ControlPlane.URL,
		ControlPlaneDriver: c.ControlPlane.Driver,
		TenantPrefix:       c.Tenant.DatabasePrefix,
		Pool:               c.PoolTemplate(),
	}
}

func (c *Config) ProvisionOptions() provision.Options {
	return provision.Options{
		Schema:         c.Tenant.Schema,
		TenantColumn:   c.Tenant.Column,
		ResetSequences: c.Migration.ResetSequences,
		MaxRows:        c.Migration.MaxRows,
	}
}

// Registry returns the configured modules, or the built-in set when the
// file names none.
func (c *Config) Registry() (*registry.Registry, error) {
	if len(c.Modules) == 0 {
		return registry.Default(), nil
	}
	return registry.New(c.Modules)
}
