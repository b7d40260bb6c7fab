package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/koustreak/tenantdb/internal/config"
	"github.com/koustreak/tenantdb/internal/connmgr"
	"github.com/koustreak/tenantdb/internal/controlplane"
	"github.com/koustreak/tenantdb/internal/filestore/minio"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/koustreak/tenantdb/internal/registry"
	"github.com/koustreak/tenantdb/internal/report"
	"github.com/koustreak/tenantdb/internal/schemasync"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	conns    *connmgr.Manager
	registry *registry.Registry
	syncer   *schemasync.Syncer
	migrator *migrate.Migrator
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	log := logger.New(&cfg.Logging)
	return &app{
		cfg:      cfg,
		log:      log,
		conns:    connmgr.New(cfg.Connections(), log),
		registry: reg,
		syncer:   schemasync.New(log),
		migrator: migrate.New(log),
	}, nil
}

func (a *app) close() {
	a.conns.Close()
}

func (a *app) controlPlane(ctx context.Context) (*controlplane.Store, error) {
	db, err := a.conns.ControlPlane(ctx)
	if err != nil {
		return nil, err
	}
	return controlplane.NewStore(db, controlplane.DialectFor(a.conns.ControlPlaneDriver()), a.cfg.ControlPlane.Table), nil
}

func (a *app) sourceCatalog(ctx context.Context) (*catalog.Reader, error) {
	db, err := a.conns.Source(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.NewReader(db), nil
}

// archiver returns nil when reports are disabled.
func (a *app) archiver(ctx context.Context) (*report.Archiver, error) {
	if !a.cfg.Report.Enabled {
		return nil, nil
	}
	store, err := minio.New(ctx, &a.cfg.Report.Store)
	if err != nil {
		return nil, err
	}
	source, err := a.sourceCatalog(ctx)
	if err != nil {
		return nil, err
	}

	script := report.SchemaScript(a.syncer, source, a.registry, a.cfg.Tenant.Schema)
	return report.New(store, a.cfg.Report.Store.Bucket, a.log).WithScript(script), nil
}

func (a *app) orchestrator(ctx context.Context) (*provision.Orchestrator, error) {
	cp, err := a.controlPlane(ctx)
	if err != nil {
		return nil, err
	}

	var reporter provision.Reporter
	arch, err := a.archiver(ctx)
	if err != nil {
		// an unreachable archive must not block provisioning
		a.log.ErrorWith("report archive disabled", err, nil)
	} else if arch != nil {
		reporter = arch
	}

	return provision.New(a.conns, cp, a.registry, a.syncer, a.migrator, reporter, a.cfg.ProvisionOptions(), a.log), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
