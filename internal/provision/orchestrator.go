package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/koustreak/tenantdb/internal/controlplane"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/schemasync"
)

// Connections supplies the pools a run needs. *connmgr.Manager implements it.
type Connections interface {
	Source(ctx context.Context) (database.DB, error)
	Admin(ctx context.Context) (database.DB, error)
	Tenant(ctx context.Context, slug string) (database.DB, error)
	TenantDatabase(slug string) (string, error)
	TenantDSN(slug string) (string, error)
}

// ControlPlane is where cities and their connection strings are recorded.
// *controlplane.Store implements it.
type ControlPlane interface {
	GetCity(ctx context.Context, slug string) (*controlplane.City, error)
	SetCityDBURL(ctx context.Context, slug, url string) error
}

// Modules resolves module keys to tables. *registry.Registry implements it.
type Modules interface {
	Resolve(keys []string) ([]string, error)
	TablesForModule(key string) ([]string, error)
}

// SchemaSyncer creates the tables of a run's modules. *schemasync.Syncer
// implements it.
type SchemaSyncer interface {
	Sync(ctx context.Context, source schemasync.SchemaSource, target database.DB, schema string, modules []schemasync.ModuleTables) (*schemasync.RunResult, error)
}

// TableMigrator copies one table. *migrate.Migrator implements it.
type TableMigrator interface {
	MigrateTable(ctx context.Context, source database.Querier, target database.DB, opts migrate.Options) (*migrate.Result, error)
}

// Reporter receives every finished run, successful or not.
type Reporter interface {
	Report(ctx context.Context, res *Result)
}

// Options are deployment-wide settings shared by every run.
type Options struct {
	Schema         string // schema replicated from the source, default "public"
	TenantColumn   string // column naming a row's city, default "city_id"
	ResetSequences bool
	MaxRows        int
}

// Orchestrator drives provisioning runs through their states.
type Orchestrator struct {
	conns    Connections
	cp       ControlPlane
	modules  Modules
	syncer   SchemaSyncer
	migrator TableMigrator
	reporter Reporter
	opts     Options
	log      *logger.Logger
}

// New creates an Orchestrator. reporter may be nil.
func New(conns Connections, cp ControlPlane, modules Modules, syncer SchemaSyncer, migrator TableMigrator, reporter Reporter, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.TenantColumn == "" {
		opts.TenantColumn = "city_id"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		conns:    conns,
		cp:       cp,
		modules:  modules,
		syncer:   syncer,
		migrator: migrator,
		reporter: reporter,
		opts:     opts,
		log:      log,
	}
}

// run carries the mutable state of one Provision call.
type run struct {
	req    Request
	city   *controlplane.City
	state  State
	res    *Result
	log    *logger.Logger
	source database.DB
	target database.DB
	order  []string // every table of the run, parents first
}

// Provision runs the state machine for one city:
//
//	NotStarted → DatabaseCreated → ConnectedToTarget → SchemaSynced →
//	DataMigrated → ControlPlaneUpdated
//
// Every step is idempotent, so a failed run is simply invoked again. On
// failure the partial result is returned together with a *StepError naming
// the step, module and table; work committed before the failure stays
// committed.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	dbName, err := o.conns.TenantDatabase(req.City)
	if err != nil {
		return nil, err
	}

	r := &run{
		req:   req,
		state: StateNotStarted,
		log:   o.log.City(req.City),
		res: &Result{
			City:      req.City,
			Database:  dbName,
			Flow:      req.Flow,
			StartedAt: time.Now(),
		},
	}
	r.log.With().Str("flow", string(req.Flow)).Logger().Info("provisioning started")

	err = o.execute(ctx, r)

	r.res.Elapsed = time.Since(r.res.StartedAt)
	if err != nil {
		failedAt := r.state
		r.res.FinalState = StateFailed
		r.res.FailedAt = &failedAt
		r.log.ErrorWith("provisioning failed", err, map[string]interface{}{"at": failedAt.String()})
	} else {
		r.res.FinalState = r.state
		r.log.InfoWith("provisioning finished", map[string]interface{}{
			"elapsed_ms": r.res.Elapsed.Milliseconds(),
			"modules":    len(r.res.Modules),
		})
	}

	if o.reporter != nil {
		o.reporter.Report(ctx, r.res)
	}
	return r.res, err
}

// EnableModule adds one module to a city: its schema plus the city's rows.
func (o *Orchestrator) EnableModule(ctx context.Context, city, module string, filter FilterMode) (*Result, error) {
	return o.Provision(ctx, Request{
		City:           city,
		Modules:        []string{module},
		Flow:           FlowExistingData,
		Filter:         filter,
		SkipIfNotEmpty: true,
	})
}

func validate(req *Request) error {
	if req.City == "" {
		return errs.New(errs.ErrKindInvalidInput, "city slug is required")
	}
	switch req.Flow {
	case "":
		req.Flow = FlowNewCity
	case FlowNewCity, FlowExistingData:
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "unknown flow %q", req.Flow)
	}
	filter, err := ParseFilterMode(string(req.Filter))
	if err != nil {
		return err
	}
	req.Filter = filter
	return nil
}

// execute advances r one step at a time. r.state names the step being
// attempted, so on error it is the step that failed.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	city, err := o.cp.GetCity(ctx, r.req.City)
	if err != nil {
		return o.fail(r, "", "", err)
	}
	r.city = city

	moduleKeys, err := o.modules.Resolve(r.req.Modules)
	if err != nil {
		return o.fail(r, "", "", err)
	}

	r.state = StateDatabaseCreated
	created, err := o.ensureDatabase(ctx, r.res.Database)
	if err != nil {
		return o.fail(r, "", "", err)
	}
	r.res.DatabaseCreated = created

	r.state = StateConnectedToTarget
	if r.source, err = o.conns.Source(ctx); err != nil {
		return o.fail(r, "", "", err)
	}
	if r.target, err = o.conns.Tenant(ctx, r.req.City); err != nil {
		return o.fail(r, "", "", err)
	}

	r.state = StateSchemaSynced
	modules := make([]schemasync.ModuleTables, 0, len(moduleKeys))
	for _, key := range moduleKeys {
		tables, err := o.modules.TablesForModule(key)
		if err != nil {
			return o.fail(r, key, "", err)
		}
		modules = append(modules, schemasync.ModuleTables{Module: key, Tables: tables})
	}
	synced, err := o.syncer.Sync(ctx, catalog.NewReader(r.source), r.target, o.opts.Schema, modules)
	if err != nil {
		var te *schemasync.TableError
		if errors.As(err, &te) {
			return o.fail(r, te.Module, te.Table, err)
		}
		return o.fail(r, "", "", err)
	}
	for _, mod := range synced.Modules {
		r.res.Modules = append(r.res.Modules, &ModuleResult{Module: mod.Module, Sync: mod})
	}
	r.order = synced.Order

	r.state = StateDataMigrated
	if r.req.Flow == FlowExistingData {
		if err := o.migrateData(ctx, r); err != nil {
			return err
		}
	} else {
		r.log.Debug("new city, no data to copy")
	}

	r.state = StateControlPlaneUpdated
	dsn, err := o.conns.TenantDSN(r.req.City)
	if err != nil {
		return o.fail(r, "", "", err)
	}
	if err := o.cp.SetCityDBURL(ctx, r.req.City, dsn); err != nil {
		return o.fail(r, "", "", err)
	}
	return nil
}

// migrateData copies the run's tables in the order schema sync created
// them, so parents are loaded before children even across modules. The
// first failing table aborts the run.
func (o *Orchestrator) migrateData(ctx context.Context, r *run) error {
	filter := r.req.Filter.For(o.opts.TenantColumn, r.city.ID)

	owner := make(map[string]*ModuleResult)
	for _, mod := range r.res.Modules {
		for _, table := range mod.Sync.Order {
			owner[table] = mod
		}
	}

	for _, table := range r.order {
		mod := owner[table]
		res, err := o.migrator.MigrateTable(ctx, r.source, r.target, migrate.Options{
			Schema:               o.opts.Schema,
			Table:                table,
			Tenant:               filter,
			BatchSize:            r.req.BatchSize,
			SkipIfNotEmpty:       r.req.SkipIfNotEmpty,
			TruncateBeforeInsert: r.req.TruncateBeforeInsert,
			MaxRows:              o.opts.MaxRows,
			ResetSequences:       o.opts.ResetSequences,
		})
		if err != nil {
			return o.fail(r, mod.Module, table, err)
		}
		mod.Tables = append(mod.Tables, res)
	}

	for _, mod := range r.res.Modules {
		r.log.Module(mod.Module).Infof("module data migrated, %d rows", mod.RowsMigrated())
	}
	return nil
}

// ensureDatabase creates the tenant database unless pg_database already
// lists it. It reports whether the database was created.
func (o *Orchestrator) ensureDatabase(ctx context.Context, name string) (bool, error) {
	admin, err := o.conns.Admin(ctx)
	if err != nil {
		return false, err
	}

	exists, err := catalog.NewReader(admin).DatabaseExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		o.log.Debugf("database %s already exists", name)
		return false, nil
	}

	// CREATE DATABASE cannot run inside a transaction block.
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+database.QuoteIdent(name)); err != nil {
		return false, errs.Annotate(err, fmt.Sprintf("create database %s", name))
	}
	o.log.Infof("database %s created", name)
	return true, nil
}

func (o *Orchestrator) fail(r *run, module, table string, err error) error {
	return &StepError{At: r.state, City: r.req.City, Module: module, Table: table, Err: err}
}
