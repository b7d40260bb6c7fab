package provision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/koustreak/tenantdb/internal/controlplane"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/registry"
	"github.com/koustreak/tenantdb/internal/schemasync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}

// adminDB answers the pg_database lookup and records CREATE DATABASE.
type adminDB struct {
	database.DB
	exists bool
	execs  []string
}

func (a *adminDB) QueryRow(context.Context, string, ...any) database.Row { return boolRow(a.exists) }

func (a *adminDB) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	a.execs = append(a.execs, sql)
	return 0, nil
}

type namedDB struct {
	database.DB
	name string
}

type fakeConns struct {
	admin     *adminDB
	source    *namedDB
	tenant    *namedDB
	tenantErr error
}

func (c *fakeConns) Source(context.Context) (database.DB, error) { return c.source, nil }
func (c *fakeConns) Admin(context.Context) (database.DB, error)  { return c.admin, nil }

func (c *fakeConns) Tenant(context.Context, string) (database.DB, error) {
	if c.tenantErr != nil {
		return nil, c.tenantErr
	}
	return c.tenant, nil
}

func (c *fakeConns) TenantDatabase(slug string) (string, error) {
	if strings.ContainsAny(slug, "- ") {
		return "", errs.Newf(errs.ErrKindInvalidInput, "invalid slug %q", slug)
	}
	return "city_" + slug, nil
}

func (c *fakeConns) TenantDSN(slug string) (string, error) {
	return "postgres://admin@main/city_" + slug, nil
}

type fakeControlPlane struct {
	cities map[string]*controlplane.City
	urls   map[string]string
}

func (f *fakeControlPlane) GetCity(_ context.Context, slug string) (*controlplane.City, error) {
	c, ok := f.cities[slug]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "city %q not found", slug)
	}
	return c, nil
}

func (f *fakeControlPlane) SetCityDBURL(_ context.Context, slug, url string) error {
	f.urls[slug] = url
	return nil
}

// fakeSyncer reports a fixed dependency order per module. runOrder, when
// set, overrides the order across modules.
type fakeSyncer struct {
	order    map[string][]string
	runOrder []string
	calls    []string
}

func (f *fakeSyncer) Sync(_ context.Context, _ schemasync.SchemaSource, _ database.DB, _ string, modules []schemasync.ModuleTables) (*schemasync.RunResult, error) {
	run := &schemasync.RunResult{}
	owner := make(map[string]*schemasync.Result)
	for _, m := range modules {
		f.calls = append(f.calls, m.Module)
		order, ok := f.order[m.Module]
		if !ok {
			order = m.Tables
		}
		res := &schemasync.Result{Module: m.Module}
		for _, t := range order {
			owner[t] = res
		}
		run.Modules = append(run.Modules, res)
		run.Order = append(run.Order, order...)
	}
	if f.runOrder != nil {
		run.Order = f.runOrder
	}
	for _, t := range run.Order {
		owner[t].Order = append(owner[t].Order, t)
		owner[t].Created = append(owner[t].Created, t)
	}
	return run, nil
}

type fakeMigrator struct {
	failOn string
	calls  []migrate.Options
}

func (f *fakeMigrator) MigrateTable(_ context.Context, _ database.Querier, _ database.DB, opts migrate.Options) (*migrate.Result, error) {
	f.calls = append(f.calls, opts)
	if opts.Table == f.failOn {
		return nil, errs.Wrap(errs.ErrKindTransaction, "migrate public."+opts.Table, errors.New("check constraint violated"))
	}
	return &migrate.Result{Table: opts.Table, RowsRead: 2, RowsMigrated: 2}, nil
}

type captureReporter struct{ got []*Result }

func (c *captureReporter) Report(_ context.Context, res *Result) { c.got = append(c.got, res) }

type harness struct {
	conns    *fakeConns
	cp       *fakeControlPlane
	syncer   *fakeSyncer
	migrator *fakeMigrator
	reporter *captureReporter
	orch     *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		conns: &fakeConns{
			admin:  &adminDB{},
			source: &namedDB{name: "source"},
			tenant: &namedDB{name: "tenant"},
		},
		cp: &fakeControlPlane{
			cities: map[string]*controlplane.City{
				"springfield": {ID: "c1", Slug: "springfield", Name: "Springfield"},
			},
			urls: map[string]string{},
		},
		syncer: &fakeSyncer{order: map[string][]string{
			// departments sorted ahead of employees
			"core": {"departments", "employees"},
		}},
		migrator: &fakeMigrator{},
		reporter: &captureReporter{},
	}
	reg := registry.MustNew([]registry.Module{
		{Key: "core", Tables: []string{"employees", "departments"}},
		{Key: "events", Tables: []string{"events"}},
	})
	h.orch = New(h.conns, h.cp, reg, h.syncer, h.migrator, h.reporter, Options{}, nil)
	return h
}

func TestProvision_NewCity(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Provision(context.Background(), Request{City: "springfield", Flow: FlowNewCity})
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, StateControlPlaneUpdated, res.FinalState)
	assert.Nil(t, res.FailedAt)
	assert.True(t, res.DatabaseCreated)
	assert.Equal(t, "city_springfield", res.Database)
	assert.Equal(t, []string{`CREATE DATABASE "city_springfield"`}, h.conns.admin.execs)

	assert.Equal(t, []string{"core", "events"}, h.syncer.calls)
	assert.Empty(t, h.migrator.calls, "a new city has no data to copy")
	assert.Equal(t, "postgres://admin@main/city_springfield", h.cp.urls["springfield"])

	require.Len(t, h.reporter.got, 1)
	assert.Same(t, res, h.reporter.got[0])
}

func TestProvision_ExistingData(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Provision(context.Background(), Request{
		City:           "springfield",
		Modules:        []string{"core"},
		Flow:           FlowExistingData,
		SkipIfNotEmpty: true,
		BatchSize:      500,
	})
	require.NoError(t, err)
	require.Len(t, res.Modules, 1)
	assert.Equal(t, int64(4), res.Modules[0].RowsMigrated())

	require.Len(t, h.migrator.calls, 2)
	assert.Equal(t, "departments", h.migrator.calls[0].Table)
	assert.Equal(t, "employees", h.migrator.calls[1].Table)

	opts := h.migrator.calls[0]
	assert.Equal(t, "public", opts.Schema)
	assert.Equal(t, 500, opts.BatchSize)
	assert.True(t, opts.SkipIfNotEmpty)
	require.NotNil(t, opts.Tenant)
	assert.Equal(t, "city_id", opts.Tenant.Column)
	require.NotNil(t, opts.Tenant.Value)
	assert.Equal(t, "c1", *opts.Tenant.Value)
}

func TestProvision_Filters(t *testing.T) {
	tests := []struct {
		mode   FilterMode
		assert func(t *testing.T, f *migrate.TenantFilter)
	}{
		{FilterLegacy, func(t *testing.T, f *migrate.TenantFilter) {
			require.NotNil(t, f)
			assert.Nil(t, f.Value)
		}},
		{FilterNone, func(t *testing.T, f *migrate.TenantFilter) {
			assert.Nil(t, f)
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := newHarness()
			_, err := h.orch.Provision(context.Background(), Request{
				City: "springfield", Modules: []string{"events"}, Flow: FlowExistingData, Filter: tt.mode,
			})
			require.NoError(t, err)
			require.Len(t, h.migrator.calls, 1)
			tt.assert(t, h.migrator.calls[0].Tenant)
		})
	}
}

func TestProvision_CrossModuleDataOrder(t *testing.T) {
	h := newHarness()
	// employees references events, which belongs to the later module
	h.syncer.runOrder = []string{"departments", "events", "employees"}

	res, err := h.orch.Provision(context.Background(), Request{City: "springfield", Flow: FlowExistingData})
	require.NoError(t, err)

	var tables []string
	for _, c := range h.migrator.calls {
		tables = append(tables, c.Table)
	}
	assert.Equal(t, []string{"departments", "events", "employees"}, tables)

	require.Len(t, res.Modules, 2)
	require.Len(t, res.Modules[0].Tables, 2)
	assert.Equal(t, "departments", res.Modules[0].Tables[0].Table)
	assert.Equal(t, "employees", res.Modules[0].Tables[1].Table)
	require.Len(t, res.Modules[1].Tables, 1)
	assert.Equal(t, "events", res.Modules[1].Tables[0].Table)
}

func TestProvision_SchemaFailureNamesModule(t *testing.T) {
	h := newHarness()
	h.orch.syncer = failingSyncer{}

	_, err := h.orch.Provision(context.Background(), Request{City: "springfield"})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateSchemaSynced, stepErr.At)
	assert.Equal(t, "events", stepErr.Module)
	assert.Equal(t, "events", stepErr.Table)
	assert.True(t, errs.IsQueryFailed(err))
}

type failingSyncer struct{}

func (failingSyncer) Sync(context.Context, schemasync.SchemaSource, database.DB, string, []schemasync.ModuleTables) (*schemasync.RunResult, error) {
	return nil, &schemasync.TableError{
		Module: "events",
		Table:  "events",
		Err:    errs.New(errs.ErrKindQueryFailed, "syntax error"),
	}
}

func TestProvision_DatabaseAlreadyExists(t *testing.T) {
	h := newHarness()
	h.conns.admin.exists = true

	res, err := h.orch.Provision(context.Background(), Request{City: "springfield"})
	require.NoError(t, err)
	assert.False(t, res.DatabaseCreated)
	assert.Empty(t, h.conns.admin.execs)
}

func TestProvision_UnknownCity(t *testing.T) {
	h := newHarness()

	res, err := h.orch.Provision(context.Background(), Request{City: "atlantis"})
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateNotStarted, stepErr.At)
	assert.Equal(t, "atlantis", stepErr.City)

	assert.Equal(t, StateFailed, res.FinalState)
	require.NotNil(t, res.FailedAt)
	assert.Equal(t, StateNotStarted, *res.FailedAt)
	assert.Empty(t, h.conns.admin.execs)
	require.Len(t, h.reporter.got, 1)
}

func TestProvision_MigrationFailureAbortsRun(t *testing.T) {
	h := newHarness()
	h.migrator.failOn = "departments"

	res, err := h.orch.Provision(context.Background(), Request{City: "springfield", Flow: FlowExistingData})
	require.Error(t, err)
	assert.True(t, errs.IsTransaction(err))

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateDataMigrated, stepErr.At)
	assert.Equal(t, "core", stepErr.Module)
	assert.Equal(t, "departments", stepErr.Table)
	assert.True(t, strings.HasPrefix(err.Error(), "provision springfield failed at data_migrated (module core, table departments)"))

	// employees and the events module were never attempted
	assert.Len(t, h.migrator.calls, 1)
	assert.Empty(t, h.cp.urls, "db_url stays unset until the run completes")
	assert.Equal(t, StateFailed, res.FinalState)
}

func TestProvision_TargetUnreachable(t *testing.T) {
	h := newHarness()
	h.conns.tenantErr = errs.New(errs.ErrKindConnectionFailed, "connection refused")

	_, err := h.orch.Provision(context.Background(), Request{City: "springfield"})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StateConnectedToTarget, stepErr.At)
	assert.True(t, errs.IsConnectionFailed(err))
}

func TestProvision_InvalidRequest(t *testing.T) {
	h := newHarness()

	tests := []Request{
		{},
		{City: "springfield", Flow: "sideways"},
		{City: "springfield", Filter: "everything"},
		{City: "sao-paulo"},
	}
	for _, req := range tests {
		_, err := h.orch.Provision(context.Background(), req)
		assert.True(t, errs.IsInvalidInput(err), "%+v", req)
	}

	_, err := h.orch.Provision(context.Background(), Request{City: "springfield", Modules: []string{"billing"}})
	assert.True(t, errs.IsNotFound(err))
}

func TestEnableModule(t *testing.T) {
	h := newHarness()

	res, err := h.orch.EnableModule(context.Background(), "springfield", "events", FilterCity)
	require.NoError(t, err)
	assert.Equal(t, FlowExistingData, res.Flow)
	assert.Equal(t, []string{"events"}, h.syncer.calls)
	require.Len(t, h.migrator.calls, 1)
	assert.True(t, h.migrator.calls[0].SkipIfNotEmpty)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "schema_synced", StateSchemaSynced.String())
	text, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}

func TestFilterMode(t *testing.T) {
	m, err := ParseFilterMode("")
	require.NoError(t, err)
	assert.Equal(t, FilterCity, m)

	_, err = ParseFilterMode("all")
	assert.True(t, errs.IsInvalidInput(err))

	f := FilterCity.For("city_id", "c1")
	require.NotNil(t, f)
	assert.Equal(t, "c1", *f.Value)
	assert.Nil(t, FilterNone.For("city_id", "c1"))
}
