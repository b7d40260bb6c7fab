package schemasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/ddl"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
)

// DeferredFK is a foreign key that was not added because the table it
// references does not exist in the target.
type DeferredFK struct {
	Table      string `json:"table"`
	Constraint string `json:"constraint"`
	RefTable   string `json:"ref_table"`
	Reason     string `json:"reason"`
}

// Result summarises the schema sync of one module.
type Result struct {
	Module      string        `json:"module"`
	Order       []string      `json:"order"` // the module's tables in run order
	Created     []string      `json:"created"`
	Skipped     []string      `json:"skipped"` // already present in the target
	Statements  int           `json:"statements"`
	DeferredFKs []DeferredFK  `json:"deferred_fks,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ModuleTables names the tables one module contributes to a run.
type ModuleTables struct {
	Module string
	Tables []string
}

// RunResult summarises a schema sync over several modules.
type RunResult struct {
	Order   []string  `json:"order"` // dependency order across every module
	Modules []*Result `json:"modules"`
}

// TableError names the module and table a sync failed on.
type TableError struct {
	Module string
	Table  string
	Err    error
}

func (e *TableError) Error() string {
	return e.Err.Error()
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// SchemaSource describes source tables. *catalog.Reader implements it.
type SchemaSource interface {
	ReadTableSchema(ctx context.Context, schema, table string) (*catalog.TableSchema, error)
}

// Syncer creates a module's tables in a target database from their source
// definitions.
type Syncer struct {
	log *logger.Logger
}

// New creates a Syncer.
func New(log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Nop()
	}
	return &Syncer{log: log}
}

// tablePlan is one table's generated DDL split by execution pass.
type tablePlan struct {
	name      string
	immediate []ddl.Statement
	deferred  []ddl.Statement
}

// SyncModule recreates the given tables of a single module in target.
// It is Sync over a run of one module.
func (s *Syncer) SyncModule(ctx context.Context, source SchemaSource, target database.DB, schema, module string, tables []string) (*Result, error) {
	run, err := s.Sync(ctx, source, target, schema, []ModuleTables{{Module: module, Tables: tables}})
	if err != nil {
		return nil, err
	}
	return run.Modules[0], nil
}

// Sync recreates the tables of every module in target.
//
// The tables of all modules form one dependency graph, so a foreign key may
// point into a module synced later in the same run. The first pass creates
// each missing table with its types, sequences, constraints and indexes in
// one transaction; tables that already exist are left untouched. The second
// pass adds foreign keys once every table of the run exists: constraints
// already present are skipped, and constraints whose referenced table is
// outside the run and missing from the target are recorded in the owning
// module's DeferredFKs instead of failing the sync. A table listed by two
// modules belongs to the first.
//
// Running Sync again over the same target is a no-op. Errors are
// *TableError values wrapping the errs kind.
func (s *Syncer) Sync(ctx context.Context, source SchemaSource, target database.DB, schema string, modules []ModuleTables) (*RunResult, error) {
	start := time.Now()
	run := &RunResult{}

	var tables []string
	owner := make(map[string]*Result)
	for _, m := range modules {
		res := &Result{Module: m.Module}
		run.Modules = append(run.Modules, res)
		for _, t := range m.Tables {
			if _, ok := owner[t]; !ok {
				owner[t] = res
				tables = append(tables, t)
			}
		}
	}

	plans, order, err := s.plan(ctx, source, schema, tables)
	if err != nil {
		var te *TableError
		if errors.As(err, &te) {
			te.Module = owner[te.Table].Module
		}
		return nil, err
	}
	run.Order = order
	for _, t := range order {
		owner[t].Order = append(owner[t].Order, t)
	}

	targetCatalog := catalog.NewReader(target)

	for _, p := range plans {
		res := owner[p.name]
		tlog := s.log.Module(res.Module).Table(p.name)

		exists, err := targetCatalog.TableExists(ctx, schema, p.name)
		if err != nil {
			return nil, &TableError{Module: res.Module, Table: p.name, Err: err}
		}
		if exists {
			tlog.Debug("table exists in target, skipping")
			res.Skipped = append(res.Skipped, p.name)
			continue
		}

		n, err := s.createTable(ctx, target, p)
		if err != nil {
			return nil, &TableError{
				Module: res.Module,
				Table:  p.name,
				Err:    errs.Annotate(err, fmt.Sprintf("create table %s.%s", schema, p.name)),
			}
		}
		res.Created = append(res.Created, p.name)
		res.Statements += n
		tlog.Infof("table created with %d statements", n)
	}

	for _, p := range plans {
		res := owner[p.name]
		for _, stmt := range p.deferred {
			added, reason, err := s.addForeignKey(ctx, targetCatalog, target, stmt)
			if err != nil {
				return nil, &TableError{
					Module: res.Module,
					Table:  p.name,
					Err:    errs.Annotate(err, fmt.Sprintf("add foreign key %s on %s", stmt.Object, stmt.Table)),
				}
			}
			if added {
				res.Statements++
				continue
			}
			if reason == "" {
				continue
			}
			res.DeferredFKs = append(res.DeferredFKs, DeferredFK{
				Table:      stmt.Table,
				Constraint: stmt.Object,
				RefTable:   stmt.RefTable,
				Reason:     reason,
			})
			s.log.Module(res.Module).Table(stmt.Table).WarnWith("foreign key deferred", map[string]interface{}{
				"kind":       errs.ErrKindConstraintDeferred.String(),
				"constraint": stmt.Object,
				"ref_table":  stmt.RefTable,
			})
		}
	}

	elapsed := time.Since(start)
	for _, res := range run.Modules {
		res.Elapsed = elapsed
		s.log.Module(res.Module).InfoWith("module schema synced", map[string]interface{}{
			"created":  len(res.Created),
			"skipped":  len(res.Skipped),
			"deferred": len(res.DeferredFKs),
		})
	}
	return run, nil
}

// Plan reads the tables from source and returns their statements in
// creation order without touching a target. It backs DDL previews.
func (s *Syncer) Plan(ctx context.Context, source SchemaSource, schema string, tables []string) ([]ddl.Statement, error) {
	plans, _, err := s.plan(ctx, source, schema, tables)
	if err != nil {
		return nil, err
	}

	var immediate, deferred []ddl.Statement
	enums := make(map[string]bool)
	for _, p := range plans {
		for _, stmt := range p.immediate {
			if stmt.Kind == ddl.KindEnum {
				key := stmt.Schema + "." + stmt.Object
				if enums[key] {
					continue
				}
				enums[key] = true
			}
			immediate = append(immediate, stmt)
		}
		deferred = append(deferred, p.deferred...)
	}
	return append(immediate, deferred...), nil
}

func (s *Syncer) plan(ctx context.Context, source SchemaSource, schema string, tables []string) ([]tablePlan, []string, error) {
	schemas := make(map[string]*catalog.TableSchema, len(tables))
	deps := make(map[string][]string, len(tables))
	for _, t := range tables {
		if _, ok := schemas[t]; ok {
			continue
		}
		ts, err := source.ReadTableSchema(ctx, schema, t)
		if err != nil {
			return nil, nil, &TableError{Table: t, Err: err}
		}
		schemas[t] = ts
		deps[t] = ts.ReferencedTables()
	}

	order := ddl.OrderTables(tables, deps)
	plans := make([]tablePlan, len(order))
	for i, t := range order {
		immediate, deferred := ddl.Split(ddl.Generate(schemas[t]))
		plans[i] = tablePlan{name: t, immediate: immediate, deferred: deferred}
	}
	return plans, order, nil
}

// createTable runs a table's immediate statements in one transaction and
// returns how many were executed. Enum types that already exist are skipped.
func (s *Syncer) createTable(ctx context.Context, target database.DB, p tablePlan) (int, error) {
	tx, err := target.Begin(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.ErrKindTransaction, "begin schema transaction", err)
	}
	defer tx.Rollback(ctx)

	txCatalog := catalog.NewReader(tx)
	executed := 0
	for _, stmt := range p.immediate {
		if stmt.Kind == ddl.KindEnum {
			exists, err := txCatalog.TypeExists(ctx, stmt.Schema, stmt.Object)
			if err != nil {
				return 0, err
			}
			if exists {
				continue
			}
		}
		if _, err := tx.Exec(ctx, stmt.SQL); err != nil {
			return 0, errs.Annotate(err, fmt.Sprintf("%s %s", stmt.Kind, stmt.Object))
		}
		executed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Wrap(errs.ErrKindTransaction, "commit schema transaction", err)
	}
	return executed, nil
}

// addForeignKey adds stmt when its referenced table exists. It reports a
// non-empty reason when the constraint had to be deferred; an existing
// constraint yields neither.
func (s *Syncer) addForeignKey(ctx context.Context, targetCatalog *catalog.Reader, target database.Querier, stmt ddl.Statement) (bool, string, error) {
	present, err := targetCatalog.ConstraintExists(ctx, stmt.Schema, stmt.Table, stmt.Object)
	if err != nil || present {
		return false, "", err
	}

	refSchema := stmt.RefSchema
	if refSchema == "" {
		refSchema = stmt.Schema
	}
	refExists, err := targetCatalog.TableExists(ctx, refSchema, stmt.RefTable)
	if err != nil {
		return false, "", err
	}
	if !refExists {
		return false, fmt.Sprintf("referenced table %s.%s does not exist in target", refSchema, stmt.RefTable), nil
	}

	if _, err := target.Exec(ctx, stmt.SQL); err != nil {
		return false, "", err
	}
	return true, "", nil
}
