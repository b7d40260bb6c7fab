package migrate

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	cols []string
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *fakeRows) Columns() ([]string, error) { return r.cols, nil }
func (r *fakeRows) Close()                     {}
func (r *fakeRows) Err() error                 { return nil }

// fakeDB answers the catalog lookups the migrator makes and serves rows
// by the LIMIT and OFFSET of each page query. Writes are recorded, not
// applied.
type fakeDB struct {
	exists    bool
	rowCount  int64
	columns   []string
	generated []string
	rows      [][]any

	failInsert int // 1-based insert statement that fails, 0 = never

	selects    []string
	execs      []string
	inserts    int
	committed  bool
	rolledBack bool
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (database.Rows, error) {
	if strings.Contains(sql, "information_schema.columns") {
		var data [][]any
		for _, c := range f.columns {
			if strings.Contains(sql, "is_generated") && slices.Contains(f.generated, c) {
				continue
			}
			data = append(data, []any{c})
		}
		return &fakeRows{data: data}, nil
	}
	if !strings.Contains(sql, " LIMIT ") {
		return &fakeRows{}, nil
	}
	f.selects = append(f.selects, sql)
	limit, offset := args[len(args)-2].(int), args[len(args)-1].(int)
	start := min(offset, len(f.rows))
	end := min(offset+limit, len(f.rows))
	return &fakeRows{cols: make([]string, len(f.columns)), data: f.rows[start:end]}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) database.Row {
	switch {
	case strings.Contains(sql, "information_schema.tables"):
		return &fakeRows{data: [][]any{{f.exists}}, pos: 1}
	case strings.Contains(sql, "count(*)"):
		return &fakeRows{data: [][]any{{f.rowCount}}, pos: 1}
	}
	return &fakeRows{data: [][]any{{nil}}, pos: 1}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	f.execs = append(f.execs, sql)
	if strings.HasPrefix(sql, "INSERT") {
		f.inserts++
		if f.inserts == f.failInsert {
			return 0, errors.New(`new row violates check constraint "employees_id_check"`)
		}
		return int64(strings.Count(sql, "), (") + 1), nil
	}
	return 0, nil
}

func (f *fakeDB) Ping(context.Context) error                 { return nil }
func (f *fakeDB) Begin(context.Context) (database.Tx, error) { return &fakeTx{f}, nil }
func (f *fakeDB) Close()                                     {}

type fakeTx struct{ db *fakeDB }

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.db.committed {
		t.db.rolledBack = true
	}
	return nil
}

func employeesSource() *fakeDB {
	return &fakeDB{
		exists:  true,
		columns: []string{"id", "city_id", "name"},
		rows: [][]any{
			{int64(2), "c1", "B"},
			{int64(3), "c1", "C"},
			{int64(4), "c1", "D"},
		},
	}
}

func employeesTarget() *fakeDB {
	// extra nullable column, different order
	return &fakeDB{exists: true, columns: []string{"name", "id", "note", "city_id"}}
}

func TestMigrateTable_CopiesInBatches(t *testing.T) {
	src, dst := employeesSource(), employeesTarget()

	res, err := New(logger.Nop()).MigrateTable(context.Background(), src, dst, Options{
		Table:     "employees",
		Tenant:    ForTenant("city_id", "c1"),
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, int64(3), res.RowsRead)
	assert.Equal(t, int64(3), res.RowsMigrated)
	assert.False(t, res.CeilingReached)
	assert.True(t, dst.committed)

	require.Len(t, src.selects, 2)
	assert.Equal(t,
		`SELECT "name", "id", "city_id" FROM "public"."employees" WHERE "city_id"::text = $1 ORDER BY "id" ASC LIMIT $2 OFFSET $3`,
		src.selects[0])

	require.Len(t, dst.execs, 2)
	assert.True(t, strings.HasPrefix(dst.execs[0],
		`INSERT INTO "public"."employees" ("name", "id", "city_id") OVERRIDING SYSTEM VALUE VALUES`))
	assert.Contains(t, dst.execs[0], "ON CONFLICT DO NOTHING")
}

func TestMigrateTable_SkipsGeneratedTargetColumns(t *testing.T) {
	src, dst := employeesSource(), employeesTarget()
	src.columns = append(src.columns, "label")
	dst.columns = append(dst.columns, "label")
	dst.generated = []string{"label"}

	res, err := New(nil).MigrateTable(context.Background(), src, dst, Options{Table: "employees"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsMigrated)

	require.Len(t, dst.execs, 1)
	assert.True(t, strings.HasPrefix(dst.execs[0],
		`INSERT INTO "public"."employees" ("name", "id", "city_id") OVERRIDING SYSTEM VALUE VALUES`))
	assert.NotContains(t, src.selects[0], `"label"`)
}

func TestMigrateTable_TargetMissing(t *testing.T) {
	dst := &fakeDB{exists: false}

	res, err := New(nil).MigrateTable(context.Background(), employeesSource(), dst, Options{Table: "employees"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "table missing", res.Reason)
	assert.Empty(t, dst.execs)
}

func TestMigrateTable_SkipIfNotEmpty(t *testing.T) {
	dst := employeesTarget()
	dst.rowCount = 3

	res, err := New(nil).MigrateTable(context.Background(), employeesSource(), dst, Options{
		Table:          "employees",
		SkipIfNotEmpty: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "3 rows")
	assert.False(t, dst.committed)
}

func TestMigrateTable_TruncateIgnoresSkipIfNotEmpty(t *testing.T) {
	dst := employeesTarget()
	dst.rowCount = 3

	res, err := New(nil).MigrateTable(context.Background(), employeesSource(), dst, Options{
		Table:                "employees",
		SkipIfNotEmpty:       true,
		TruncateBeforeInsert: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, `TRUNCATE TABLE "public"."employees" CASCADE`, dst.execs[0])
}

func TestMigrateTable_FailureRollsBack(t *testing.T) {
	src, dst := employeesSource(), employeesTarget()
	dst.failInsert = 2

	res, err := New(nil).MigrateTable(context.Background(), src, dst, Options{
		Table:                "employees",
		BatchSize:            2,
		TruncateBeforeInsert: true,
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errs.IsTransaction(err))
	assert.Contains(t, err.Error(), "employees_id_check")
	assert.True(t, dst.rolledBack)
	assert.False(t, dst.committed)
}

func TestMigrateTable_NoTenantColumnIgnoresFilter(t *testing.T) {
	src := &fakeDB{
		exists:  true,
		columns: []string{"id", "name"},
		rows:    [][]any{{int64(1), "boot"}, {int64(2), "deploy"}},
	}
	dst := &fakeDB{exists: true, columns: []string{"id", "name"}}

	res, err := New(nil).MigrateTable(context.Background(), src, dst, Options{
		Table:  "events",
		Tenant: ForTenant("city_id", "c1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsRead)
	assert.NotContains(t, src.selects[0], "WHERE")
}

func TestMigrateTable_Ceiling(t *testing.T) {
	src, dst := employeesSource(), employeesTarget()

	res, err := New(nil).MigrateTable(context.Background(), src, dst, Options{
		Table:     "employees",
		BatchSize: 2,
		MaxRows:   2,
	})
	require.NoError(t, err)
	assert.True(t, res.CeilingReached)
	assert.Equal(t, int64(2), res.RowsRead)
	assert.Len(t, src.selects, 1)
	assert.True(t, dst.committed)
}

func TestMigrateTable_ExactlyMaxRowsIsNotCeiling(t *testing.T) {
	for _, batch := range []int{2, 3, 10} {
		src, dst := employeesSource(), employeesTarget()

		res, err := New(nil).MigrateTable(context.Background(), src, dst, Options{
			Table:     "employees",
			BatchSize: batch,
			MaxRows:   3,
		})
		require.NoError(t, err)
		assert.False(t, res.CeilingReached, "batch %d", batch)
		assert.Equal(t, int64(3), res.RowsRead, "batch %d", batch)
		assert.Equal(t, int64(3), res.RowsMigrated, "batch %d", batch)
	}
}

func TestMigrateTable_SourceMissing(t *testing.T) {
	src := &fakeDB{exists: true}

	_, err := New(nil).MigrateTable(context.Background(), src, employeesTarget(), Options{Table: "employees"})
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestPlanSQL(t *testing.T) {
	p := plan{
		opts:    withDefaults(Options{Table: "employees"}),
		columns: []string{"id", "name"},
		orderBy: "id",
		filter:  ForLegacy("city_id"),
	}

	sql, args, err := p.selectSQL(500, 1000)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "name" FROM "public"."employees" WHERE "city_id" IS NULL ORDER BY "id" ASC LIMIT $1 OFFSET $2`, sql)
	assert.Equal(t, []any{500, 1000}, args)

	assert.Equal(t,
		`SELECT setval($1::text::regclass, COALESCE(max("id"), 1), max("id") IS NOT NULL) FROM "public"."employees"`,
		p.setvalSQL("id"))
}

func TestTenantFilterString(t *testing.T) {
	var none *TenantFilter
	assert.Equal(t, "none", none.String())
	assert.Equal(t, "city_id IS NULL", ForLegacy("city_id").String())
	assert.Equal(t, `city_id = "c1"`, ForTenant("city_id", "c1").String())
}

func TestCommonColumns(t *testing.T) {
	assert.Equal(t, []string{"name", "id"}, commonColumns([]string{"name", "extra", "id"}, []string{"id", "name", "legacy"}))
	assert.Nil(t, commonColumns([]string{"a"}, []string{"b"}))
}
