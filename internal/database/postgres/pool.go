package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
)

const (
	defaultMaxConns = 8
	defaultMinConns = 0
)

// buildPool creates a pgxpool from the given config
func buildPool(ctx context.Context, cfg *database.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConfiguration, "invalid postgres DSN", err)
	}

	poolCfg.MaxConns = withDefault(cfg.MaxConns, defaultMaxConns)
	poolCfg.MinConns = withDefault(cfg.MinConns, defaultMinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolCfg.AfterConnect = afterConnect

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, mapError(err, "failed to create connection pool")
	}
	return pool, nil
}

// withDefault returns val if non-zero, otherwise returns def
func withDefault(val, def int32) int32 {
	if val == 0 {
		return def
	}
	return val
}

// DatabaseName returns the database a DSN connects to.
func DatabaseName(dsn string) (string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", errs.Wrap(errs.ErrKindConfiguration, "invalid postgres DSN", err)
	}
	return cfg.Database, nil
}

// WithDatabase returns dsn re-pointed at another database on the same
// server, keeping credentials and options. Both URL and keyword/value
// forms are accepted.
func WithDatabase(dsn, dbName string) (string, error) {
	if dbName == "" {
		return "", errs.New(errs.ErrKindInvalidInput, "database name is empty")
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", errs.Wrap(errs.ErrKindConfiguration, "invalid postgres URL", err)
		}
		u.Path = "/" + dbName
		u.RawPath = ""
		return u.String(), nil
	}

	// Keyword/value form: a later dbname overrides an earlier one.
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return "", errs.Wrap(errs.ErrKindConfiguration, "invalid postgres DSN", err)
	}
	return fmt.Sprintf("%s dbname='%s'", strings.TrimSpace(dsn), strings.ReplaceAll(dbName, "'", `\'`)), nil
}
