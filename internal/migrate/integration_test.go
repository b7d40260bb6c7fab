//go:build integration

package migrate_test

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var server *testpg.Server

func TestMain(m *testing.M) {
	var err error
	server, err = testpg.Start("migrate", io.Discard)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	if err := server.CreateDatabase(ctx, "source"); err != nil {
		panic(err)
	}
	if err := server.Seed(ctx, "source", testpg.SourceSchema, testpg.SourceRows); err != nil {
		panic(err)
	}

	code := m.Run()
	_ = server.Stop()
	os.Exit(code)
}

// target creates a database holding a plain employees table plus extra
// column or constraint definitions, and the shared events table.
func target(t *testing.T, name string, extra ...string) database.DB {
	t.Helper()
	require.NoError(t, server.CreateDatabase(context.Background(), name))
	db := server.Connect(t, name)

	cols := `id serial PRIMARY KEY, name text NOT NULL, status employee_status NOT NULL DEFAULT 'active',
		salary numeric(10,2), department_id integer, badge_id integer, city_id text`
	for _, e := range extra {
		cols += ", " + e
	}
	testpg.Exec(t, db,
		`CREATE TYPE employee_status AS ENUM ('active', 'on_leave', 'terminated')`,
		`CREATE TABLE employees (`+cols+`)`,
		`CREATE TABLE events (id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY, title text NOT NULL, happened_at timestamptz NOT NULL DEFAULT now())`,
	)
	return db
}

func ids(t *testing.T, db database.Querier, table string) []string {
	t.Helper()
	rows, err := db.Query(context.Background(), `SELECT id::text FROM `+database.QuoteIdent(table)+` ORDER BY id`)
	require.NoError(t, err)
	out, err := database.ScanStrings(rows)
	require.NoError(t, err)
	return out
}

func TestIntegration_TenantFilter(t *testing.T) {
	ctx := context.Background()
	source := server.Connect(t, "source")
	m := migrate.New(nil)

	tests := []struct {
		name   string
		filter *migrate.TenantFilter
		want   []string
	}{
		{"legacy rows", migrate.ForLegacy("city_id"), []string{"1"}},
		{"city c1", migrate.ForTenant("city_id", "c1"), []string{"2", "3"}},
		{"everything", nil, []string{"1", "2", "3", "4"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := target(t, "filter_"+string(rune('a'+i)))

			res, err := m.MigrateTable(ctx, source, db, migrate.Options{Table: "employees", Tenant: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.want)), res.RowsMigrated)
			assert.Equal(t, tt.want, ids(t, db, "employees"))
		})
	}
}

func TestIntegration_NoTenantColumnCopiesAll(t *testing.T) {
	ctx := context.Background()
	db := target(t, "shared_events")

	res, err := migrate.New(nil).MigrateTable(ctx, server.Connect(t, "source"), db, migrate.Options{
		Table:  "events",
		Tenant: migrate.ForTenant("city_id", "c1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsMigrated)
	assert.Equal(t, []string{"1", "2", "3"}, ids(t, db, "events"))
}

func TestIntegration_RepeatedRunsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	source := server.Connect(t, "source")
	db := target(t, "idempotent")
	m := migrate.New(nil)

	opts := migrate.Options{Table: "employees", Tenant: migrate.ForTenant("city_id", "c1"), BatchSize: 1, ResetSequences: true}
	for run := 0; run < 3; run++ {
		res, err := m.MigrateTable(ctx, source, db, opts)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.RowsRead)
		if run == 0 {
			assert.Equal(t, int64(2), res.RowsMigrated)
		} else {
			assert.Zero(t, res.RowsMigrated, "run %d", run)
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids(t, db, "employees"))

	// the sequence continues after the copied ids
	var next int
	require.NoError(t, db.QueryRow(ctx, `INSERT INTO employees (name) VALUES ('new') RETURNING id`).Scan(&next))
	assert.Equal(t, 4, next)
}

func TestIntegration_SkipIfNotEmptyRunsThreeTimes(t *testing.T) {
	ctx := context.Background()
	source := server.Connect(t, "source")
	db := target(t, "skip_three")
	m := migrate.New(nil)

	opts := migrate.Options{Table: "employees", Tenant: migrate.ForTenant("city_id", "c1"), SkipIfNotEmpty: true}
	var migrated []int64
	for run := 0; run < 3; run++ {
		res, err := m.MigrateTable(ctx, source, db, opts)
		require.NoError(t, err)
		migrated = append(migrated, res.RowsMigrated)
	}
	assert.Equal(t, []int64{2, 0, 0}, migrated)
	assert.Equal(t, []string{"2", "3"}, ids(t, db, "employees"))
}

func TestIntegration_FailedCopyRollsBack(t *testing.T) {
	ctx := context.Background()
	db := target(t, "atomic", "CONSTRAINT low_ids CHECK (id < 3)")
	testpg.Exec(t, db, `INSERT INTO employees (id, name) VALUES (1, 'kept')`)

	_, err := migrate.New(nil).MigrateTable(ctx, server.Connect(t, "source"), db, migrate.Options{
		Table:                "employees",
		BatchSize:            1,
		TruncateBeforeInsert: true,
	})
	require.Error(t, err)
	assert.True(t, errs.IsTransaction(err))

	// the truncate and the batches that succeeded were undone together
	var name string
	require.NoError(t, db.QueryRow(ctx, `SELECT name FROM employees`).Scan(&name))
	assert.Equal(t, "kept", name)
	assert.Equal(t, []string{"1"}, ids(t, db, "employees"))
}

func TestIntegration_ExtraTargetColumn(t *testing.T) {
	ctx := context.Background()
	db := target(t, "extra_column", "nickname text")

	res, err := migrate.New(nil).MigrateTable(ctx, server.Connect(t, "source"), db, migrate.Options{
		Table:  "employees",
		Tenant: migrate.ForTenant("city_id", "c1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsMigrated)

	var nulls int
	require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM employees WHERE nickname IS NULL`).Scan(&nulls))
	assert.Equal(t, 2, nulls)
}

func TestIntegration_SkipIfNotEmpty(t *testing.T) {
	ctx := context.Background()
	db := target(t, "not_empty")
	testpg.Exec(t, db, `INSERT INTO employees (id, name) VALUES (99, 'local')`)

	res, err := migrate.New(nil).MigrateTable(ctx, server.Connect(t, "source"), db, migrate.Options{
		Table:          "employees",
		SkipIfNotEmpty: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, []string{"99"}, ids(t, db, "employees"))
}

func TestIntegration_MissingTargetTable(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, server.CreateDatabase(ctx, "empty_target"))

	res, err := migrate.New(nil).MigrateTable(ctx, server.Connect(t, "source"), server.Connect(t, "empty_target"),
		migrate.Options{Table: "employees"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "table missing", res.Reason)
}

func TestIntegration_JSONValuesCopiedVerbatim(t *testing.T) {
	ctx := context.Background()
	table := `CREATE TABLE documents (id integer PRIMARY KEY, body jsonb NOT NULL, raw json, history jsonb[])`

	require.NoError(t, server.CreateDatabase(ctx, "json_source"))
	source := server.Connect(t, "json_source")
	testpg.Exec(t, source, table,
		`INSERT INTO documents VALUES
			(1, '"s"', '"s"', ARRAY['"s"'::jsonb]),
			(2, 'null', 'null', ARRAY['null'::jsonb]),
			(3, '{"n": 9007199254740993}', '{"n":   9007199254740993}', NULL),
			(4, '[1, {"a": null}]', NULL, ARRAY[]::jsonb[])`,
	)

	require.NoError(t, server.CreateDatabase(ctx, "json_target"))
	dst := server.Connect(t, "json_target")
	testpg.Exec(t, dst, table)

	res, err := migrate.New(nil).MigrateTable(ctx, source, dst, migrate.Options{Table: "documents"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.RowsMigrated)

	const q = `SELECT id || ' ' || body::text || ' ' || coalesce(raw::text, 'NULL') || ' ' || coalesce(history::text, 'NULL')
		FROM documents ORDER BY id`
	dump := func(db database.Querier) []string {
		rows, err := db.Query(ctx, q)
		require.NoError(t, err)
		out, err := database.ScanStrings(rows)
		require.NoError(t, err)
		return out
	}

	want := dump(source)
	assert.Equal(t, want, dump(dst))
	assert.Equal(t, `3 {"n": 9007199254740993} {"n":   9007199254740993} NULL`, want[2])
}

func TestIntegration_GeneratedAndIdentityColumns(t *testing.T) {
	ctx := context.Background()
	table := `CREATE TABLE books (
		id    bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		title text NOT NULL,
		slug  text GENERATED ALWAYS AS (lower(title)) STORED
	)`

	require.NoError(t, server.CreateDatabase(ctx, "books_source"))
	source := server.Connect(t, "books_source")
	testpg.Exec(t, source, table, `INSERT INTO books (title) VALUES ('Dune'), ('Emma'), ('Ulysses')`)

	require.NoError(t, server.CreateDatabase(ctx, "books_target"))
	dst := server.Connect(t, "books_target")
	testpg.Exec(t, dst, table)

	res, err := migrate.New(nil).MigrateTable(ctx, source, dst, migrate.Options{Table: "books"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsMigrated)

	rows, err := dst.Query(ctx, `SELECT id || ' ' || slug FROM books ORDER BY id`)
	require.NoError(t, err)
	got, err := database.ScanStrings(rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"1 dune", "2 emma", "3 ulysses"}, got)
}
