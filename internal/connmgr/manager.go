package connmgr

import (
	"context"
	"regexp"
	"sync"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/database/mysql"
	"github.com/koustreak/tenantdb/internal/database/postgres"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
)

const (
	// DefaultTenantPrefix is prepended to a city slug to name its database.
	DefaultTenantPrefix = "city_"

	// maxIdentifierLen is the byte length past which Postgres truncates
	// names, which would let two long slugs share a database.
	maxIdentifierLen = 63
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Config lists the connection strings of every database role.
type Config struct {
	SourceDSN          string
	AdminDSN           string // a Postgres role allowed to CREATE DATABASE
	ControlPlaneDSN    string
	ControlPlaneDriver database.Driver
	TenantPrefix       string

	// Pool is the tuning template; its Driver and DSN are ignored.
	Pool database.Config
}

type openFunc func(ctx context.Context, cfg *database.Config) (database.DB, error)

// Manager owns every connection pool of the process. Pools are opened on
// first use, shared per distinct connection string and closed together by
// Close.
type Manager struct {
	cfg  Config
	log  *logger.Logger
	open openFunc

	mu    sync.Mutex
	pools map[string]database.DB
}

// New creates a Manager. No connection is made until a pool is requested.
func New(cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.TenantPrefix == "" {
		cfg.TenantPrefix = DefaultTenantPrefix
	}
	if cfg.ControlPlaneDriver == "" {
		cfg.ControlPlaneDriver = database.DriverPostgres
	}
	return &Manager{
		cfg:   cfg,
		log:   log,
		open:  openDriver,
		pools: make(map[string]database.DB),
	}
}

func openDriver(ctx context.Context, cfg *database.Config) (database.DB, error) {
	switch cfg.Driver {
	case database.DriverMySQL:
		d, err := mysql.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	case database.DriverPostgres, "":
		d, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errs.Newf(errs.ErrKindConfiguration, "unsupported driver %q", cfg.Driver)
	}
}

// Source returns the pool of the shared source database.
func (m *Manager) Source(ctx context.Context) (database.DB, error) {
	return m.get(ctx, "source", database.DriverPostgres, m.cfg.SourceDSN)
}

// Admin returns the pool used to create tenant databases.
func (m *Manager) Admin(ctx context.Context) (database.DB, error) {
	return m.get(ctx, "admin", database.DriverPostgres, m.cfg.AdminDSN)
}

// ControlPlane returns the pool of the control-plane database.
func (m *Manager) ControlPlane(ctx context.Context) (database.DB, error) {
	return m.get(ctx, "control-plane", m.cfg.ControlPlaneDriver, m.cfg.ControlPlaneDSN)
}

// ControlPlaneDriver reports which engine the control plane runs on.
func (m *Manager) ControlPlaneDriver() database.Driver {
	return m.cfg.ControlPlaneDriver
}

// Tenant returns the pool of a city's own database.
func (m *Manager) Tenant(ctx context.Context, slug string) (database.DB, error) {
	dsn, err := m.TenantDSN(slug)
	if err != nil {
		return nil, err
	}
	return m.get(ctx, "tenant", database.DriverPostgres, dsn)
}

// TenantDatabase returns the database name used for a city. The slug is
// used verbatim, so it must be lowercase letters, digits and underscores
// and fit a Postgres identifier together with the prefix. Distinct slugs
// therefore always name distinct databases.
func (m *Manager) TenantDatabase(slug string) (string, error) {
	if slug == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "city slug is empty")
	}
	if !slugPattern.MatchString(slug) {
		return "", errs.Newf(errs.ErrKindInvalidInput, "city slug %q may only contain a-z, 0-9 and _", slug)
	}
	name := m.cfg.TenantPrefix + slug
	if len(name) > maxIdentifierLen {
		return "", errs.Newf(errs.ErrKindInvalidInput, "city slug %q is longer than %d bytes",
			slug, maxIdentifierLen-len(m.cfg.TenantPrefix))
	}
	return name, nil
}

// TenantDSN returns the connection string of a city's database: the admin
// DSN pointed at the tenant database.
func (m *Manager) TenantDSN(slug string) (string, error) {
	name, err := m.TenantDatabase(slug)
	if err != nil {
		return "", err
	}
	if m.cfg.AdminDSN == "" {
		return "", errs.New(errs.ErrKindConfiguration, "admin connection string is not set")
	}
	return postgres.WithDatabase(m.cfg.AdminDSN, name)
}

func (m *Manager) get(ctx context.Context, role string, driver database.Driver, dsn string) (database.DB, error) {
	if dsn == "" {
		return nil, errs.Newf(errs.ErrKindConfiguration, "%s connection string is not set", role)
	}

	key := string(driver) + "|" + dsn

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[key]; ok {
		return db, nil
	}

	cfg := m.cfg.Pool.WithDSN(dsn)
	cfg.Driver = driver

	db, err := m.open(ctx, cfg)
	if err != nil {
		return nil, errs.Annotate(err, "connect to "+role+" database")
	}
	m.pools[key] = db
	m.log.With().Str("role", role).Str("driver", string(driver)).Logger().Debug("connection pool opened")
	return db, nil
}

// Close closes every pool opened by the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, db := range m.pools {
		db.Close()
		delete(m.pools, key)
	}
	m.log.Debug("all connection pools closed")
}
