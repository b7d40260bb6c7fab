package migrate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
)

const (
	// DefaultBatchSize is the page size used when Options.BatchSize is unset.
	DefaultBatchSize = 1000

	// DefaultMaxRows bounds a runaway copy. It is not a semantic limit.
	DefaultMaxRows = 1_000_000

	reasonTableMissing = "table missing"
)

// TenantFilter selects which source rows belong to a tenant.
// A nil Value matches rows whose tenant column IS NULL.
type TenantFilter struct {
	Column string
	Value  *string
}

// ForTenant matches rows whose column equals value.
func ForTenant(column, value string) *TenantFilter {
	return &TenantFilter{Column: column, Value: &value}
}

// ForLegacy matches rows whose column is NULL.
func ForLegacy(column string) *TenantFilter {
	return &TenantFilter{Column: column}
}

func (f *TenantFilter) String() string {
	if f == nil {
		return "none"
	}
	if f.Value == nil {
		return f.Column + " IS NULL"
	}
	return fmt.Sprintf("%s = %q", f.Column, *f.Value)
}

// Options control a single table copy.
type Options struct {
	Schema string
	Table  string

	// Tenant is applied only when the source table has Tenant.Column.
	// nil copies every row.
	Tenant *TenantFilter

	BatchSize            int
	SkipIfNotEmpty       bool
	TruncateBeforeInsert bool
	MaxRows              int

	// ResetSequences advances sequences behind target columns past the
	// copied keys.
	ResetSequences bool
}

// Result summarises one table copy.
type Result struct {
	Table          string        `json:"table"`
	RowsRead       int64         `json:"rows_read"`
	RowsMigrated   int64         `json:"rows_migrated"`
	Skipped        bool          `json:"skipped"`
	Reason         string        `json:"reason,omitempty"`
	CeilingReached bool          `json:"ceiling_reached,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Migrator copies rows between a source and a target Postgres database.
type Migrator struct {
	log *logger.Logger
}

// New creates a Migrator.
func New(log *logger.Logger) *Migrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Migrator{log: log}
}

// MigrateTable copies one table from source into target inside a single
// target transaction. Either every page is committed or none is: a failure
// rolls back the inserts and an optional truncate together.
//
// A missing target table, or a non-empty one when SkipIfNotEmpty is set,
// produces a skipped result rather than an error. A missing source table
// is an errs NotFound error. Failures inside the transaction are errs
// Transaction errors.
func (m *Migrator) MigrateTable(ctx context.Context, source database.Querier, target database.DB, opts Options) (*Result, error) {
	start := time.Now()
	opts = withDefaults(opts)
	log := m.log.Table(opts.Table)

	res := &Result{Table: opts.Table}
	finish := func() *Result {
		res.Elapsed = time.Since(start)
		return res
	}

	srcCatalog := catalog.NewReader(source)
	tgtCatalog := catalog.NewReader(target)

	exists, err := tgtCatalog.TableExists(ctx, opts.Schema, opts.Table)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.WarnWith("target table missing, skipping data copy", map[string]interface{}{
			"kind": errs.ErrKindSchemaMismatch.String(),
		})
		res.Skipped, res.Reason = true, reasonTableMissing
		return finish(), nil
	}

	if opts.SkipIfNotEmpty && !opts.TruncateBeforeInsert {
		n, err := countRows(ctx, target, opts.Schema, opts.Table)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Infof("target already holds %d rows, skipping", n)
			res.Skipped, res.Reason = true, fmt.Sprintf("target not empty (%d rows)", n)
			return finish(), nil
		}
	}

	srcCols, err := srcCatalog.ColumnNames(ctx, opts.Schema, opts.Table)
	if err != nil {
		return nil, err
	}
	if len(srcCols) == 0 {
		return nil, errs.Newf(errs.ErrKindNotFound, "source table %s.%s not found", opts.Schema, opts.Table)
	}

	tgtCols, err := tgtCatalog.WritableColumnNames(ctx, opts.Schema, opts.Table)
	if err != nil {
		return nil, err
	}
	cols := commonColumns(tgtCols, srcCols)
	if len(cols) == 0 {
		log.Warn("no columns in common between source and target, skipping")
		res.Skipped, res.Reason = true, "no common columns"
		return finish(), nil
	}

	var sequences map[string]string
	if opts.ResetSequences {
		if sequences, err = tgtCatalog.SerialColumns(ctx, opts.Schema, opts.Table); err != nil {
			return nil, err
		}
	}

	filter := opts.Tenant
	if filter != nil && !slices.Contains(srcCols, filter.Column) {
		// tables without the tenant column are global
		filter = nil
	}
	log.Debugf("copying %d columns, filter %s", len(cols), filter)

	tx, err := target.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindTransaction, "begin target transaction", err)
	}
	defer tx.Rollback(ctx)

	p := plan{
		opts:      opts,
		columns:   cols,
		orderBy:   srcCols[0],
		filter:    filter,
		sequences: sequences,
	}
	if err := p.run(ctx, source, tx, res, log); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.ErrorWith("rollback failed", rbErr, nil)
		}
		return nil, errs.Wrap(errs.ErrKindTransaction, fmt.Sprintf("migrate %s.%s", opts.Schema, opts.Table), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.ErrKindTransaction, fmt.Sprintf("commit %s.%s", opts.Schema, opts.Table), err)
	}

	finish()
	log.InfoWith("table migrated", map[string]interface{}{
		"rows_read":     res.RowsRead,
		"rows_migrated": res.RowsMigrated,
		"elapsed_ms":    res.Elapsed.Milliseconds(),
	})
	return res, nil
}

func withDefaults(opts Options) Options {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	return opts
}

func countRows(ctx context.Context, db database.Querier, schema, table string) (int64, error) {
	sql, args, err := database.Count(table, database.DialectPostgres).Schema(schema).Build()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, errs.Annotate(err, fmt.Sprintf("count %s.%s", schema, table))
	}
	return n, nil
}

// commonColumns returns the target columns that also exist in the source,
// in target order.
func commonColumns(target, source []string) []string {
	var out []string
	for _, c := range target {
		if slices.Contains(source, c) {
			out = append(out, c)
		}
	}
	return out
}
