package ddl

import (
	"strings"
	"testing"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func ticketsSchema() *catalog.TableSchema {
	return &catalog.TableSchema{
		Schema: "public",
		Name:   "tickets",
		Columns: []catalog.Column{
			{Name: "id", DataType: "integer", FormattedType: "integer", Default: strPtr("nextval('tickets_id_seq'::regclass)"), Position: 1},
			{Name: "status", DataType: "USER-DEFINED", UDTSchema: "public", UDTName: "ticket_status", FormattedType: "ticket_status", Position: 2},
			{Name: "assignee_id", DataType: "integer", FormattedType: "integer", Nullable: true, Position: 3},
			{Name: "opened_at", DataType: "timestamp with time zone", FormattedType: "timestamp with time zone", Default: strPtr("now()"), Position: 4},
		},
		PrimaryKey: &catalog.PrimaryKey{Name: "tickets_pkey", Columns: []string{"id"}},
		ForeignKeys: []catalog.ForeignKey{{
			Name:       "tickets_assignee_fk",
			Columns:    []string{"assignee_id"},
			RefSchema:  "public",
			RefTable:   "agents",
			RefColumns: []string{"id"},
			OnUpdate:   "NO ACTION",
			OnDelete:   "SET NULL",
		}},
		Uniques: []catalog.UniqueConstraint{{Name: "tickets_opened_key", Columns: []string{"opened_at", "id"}}},
		Checks:  []catalog.CheckConstraint{{Name: "tickets_id_check", Expression: "(id > 0)"}},
		Indexes: []catalog.Index{
			{Name: "tickets_status_idx", Method: "hash", Columns: []string{"status"}},
			{Name: "tickets_open_idx", Method: "btree", Columns: []string{"opened_at"}, Predicate: strPtr("(status <> 'closed'::ticket_status)")},
			{Name: "tickets_lower_idx", Method: "btree", Complex: true, Definition: "CREATE INDEX tickets_lower_idx ON public.tickets USING btree (lower((status)::text))"},
		},
		Sequences: []catalog.Sequence{{
			Schema: "public", Name: "tickets_id_seq", Column: "id", DataType: "integer",
			Start: 1, Increment: 1, Min: 1, Max: 2147483647, Cache: 1,
		}},
		Enums: []catalog.EnumType{{Schema: "public", Name: "ticket_status", Labels: []string{"open", "closed", "won't fix"}}},
	}
}

func kinds(stmts []Statement) []Kind {
	out := make([]Kind, len(stmts))
	for i, s := range stmts {
		out[i] = s.Kind
	}
	return out
}

func TestGenerate_Order(t *testing.T) {
	stmts := Generate(ticketsSchema())

	assert.Equal(t, []Kind{
		KindEnum,
		KindSequence,
		KindTable,
		KindSequenceOwner,
		KindPrimaryKey,
		KindUnique,
		KindCheck,
		KindIndex, KindIndex, KindIndex,
		KindForeignKey,
	}, kinds(stmts))
}

func TestGenerate_SQL(t *testing.T) {
	stmts := Generate(ticketsSchema())

	assert.Equal(t, `CREATE TYPE "public"."ticket_status" AS ENUM ('open', 'closed', 'won''t fix')`, stmts[0].SQL)
	assert.Equal(t, "ticket_status", stmts[0].Object)

	assert.Equal(t,
		`CREATE SEQUENCE IF NOT EXISTS "public"."tickets_id_seq" AS integer INCREMENT BY 1 MINVALUE 1 MAXVALUE 2147483647 START WITH 1 CACHE 1 NO CYCLE`,
		stmts[1].SQL)

	assert.Equal(t, `CREATE TABLE "public"."tickets" (
    "id" integer DEFAULT nextval('tickets_id_seq'::regclass) NOT NULL,
    "status" ticket_status NOT NULL,
    "assignee_id" integer,
    "opened_at" timestamp with time zone DEFAULT now() NOT NULL
)`, stmts[2].SQL)

	assert.Equal(t, `ALTER SEQUENCE "public"."tickets_id_seq" OWNED BY "public"."tickets"."id"`, stmts[3].SQL)
	assert.Equal(t, `ALTER TABLE "public"."tickets" ADD CONSTRAINT "tickets_pkey" PRIMARY KEY ("id")`, stmts[4].SQL)
	assert.Equal(t, `ALTER TABLE "public"."tickets" ADD CONSTRAINT "tickets_opened_key" UNIQUE ("opened_at", "id")`, stmts[5].SQL)
	assert.Equal(t, `ALTER TABLE "public"."tickets" ADD CONSTRAINT "tickets_id_check" CHECK ((id > 0))`, stmts[6].SQL)

	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "tickets_status_idx" ON "public"."tickets" USING hash ("status")`, stmts[7].SQL)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "tickets_open_idx" ON "public"."tickets" USING btree ("opened_at") WHERE (status <> 'closed'::ticket_status)`, stmts[8].SQL)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS tickets_lower_idx ON public.tickets USING btree (lower((status)::text))`, stmts[9].SQL)

	fk := stmts[10]
	assert.Equal(t, `ALTER TABLE "public"."tickets" ADD CONSTRAINT "tickets_assignee_fk" FOREIGN KEY ("assignee_id") REFERENCES "public"."agents" ("id") ON DELETE SET NULL`, fk.SQL)
	assert.Equal(t, "agents", fk.RefTable)
	assert.True(t, fk.Deferred())
}

// An enum column plus a foreign key to a table the target does not have
// yet: enum, then table, then the tagged foreign key.
func TestGenerate_EnumTableThenDeferredFK(t *testing.T) {
	ts := &catalog.TableSchema{
		Schema: "public",
		Name:   "employees",
		Columns: []catalog.Column{
			{Name: "id", DataType: "integer", FormattedType: "integer", Position: 1},
			{Name: "role", DataType: "USER-DEFINED", UDTSchema: "public", UDTName: "role", FormattedType: "role", Nullable: true, Position: 2},
			{Name: "dept_id", DataType: "integer", FormattedType: "integer", Nullable: true, Position: 3},
		},
		ForeignKeys: []catalog.ForeignKey{{
			Name: "employees_dept_fk", Columns: []string{"dept_id"},
			RefSchema: "public", RefTable: "departments", RefColumns: []string{"id"},
		}},
		Enums: []catalog.EnumType{{Schema: "public", Name: "role", Labels: []string{"staff", "lead"}}},
	}

	stmts := Generate(ts)
	require.Len(t, stmts, 3)
	assert.Equal(t, []Kind{KindEnum, KindTable, KindForeignKey}, kinds(stmts))
	assert.False(t, stmts[0].Deferred())
	assert.False(t, stmts[1].Deferred())
	assert.True(t, stmts[2].Deferred())
	assert.Equal(t, "departments", stmts[2].RefTable)

	immediate, deferred := Split(stmts)
	assert.Len(t, immediate, 2)
	assert.Len(t, deferred, 1)
}

func TestGenerate_IdentityColumn(t *testing.T) {
	ts := &catalog.TableSchema{
		Schema: "public",
		Name:   "events",
		Columns: []catalog.Column{
			{Name: "id", DataType: "bigint", FormattedType: "bigint", Identity: "ALWAYS", Position: 1},
			{Name: "name", DataType: "text", FormattedType: "text", Nullable: true, Position: 2},
		},
		Sequences: []catalog.Sequence{{Schema: "public", Name: "events_id_seq", Column: "id"}},
	}

	stmts := Generate(ts)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].SQL, `"id" bigint GENERATED ALWAYS AS IDENTITY NOT NULL`)
}

func TestGenerate_StoredGeneratedColumn(t *testing.T) {
	ts := &catalog.TableSchema{
		Schema: "public",
		Name:   "badges",
		Columns: []catalog.Column{
			{Name: "serial", DataType: "text", FormattedType: "text", Position: 1},
			{Name: "serial_key", DataType: "text", FormattedType: "text", Nullable: true, Generated: strPtr("lower(serial)"), Position: 2},
		},
	}

	stmts := Generate(ts)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].SQL, `"serial_key" text GENERATED ALWAYS AS (lower(serial)) STORED`)
	assert.NotContains(t, stmts[0].SQL, "DEFAULT")
}

func TestAddForeignKey_Deferral(t *testing.T) {
	fk := catalog.ForeignKey{
		Name: "employees_dept_fk", Columns: []string{"dept_id"},
		RefSchema: "public", RefTable: "departments", RefColumns: []string{"id"},
	}
	table := `"public"."employees"`

	assert.NotContains(t, addForeignKey(table, fk), "DEFERRABLE")

	fk.Deferrable = true
	assert.True(t, strings.HasSuffix(addForeignKey(table, fk), `("id") DEFERRABLE`))

	fk.InitiallyDeferred = true
	assert.True(t, strings.HasSuffix(addForeignKey(table, fk), `("id") DEFERRABLE INITIALLY DEFERRED`))
}

func TestColumnType_Fallbacks(t *testing.T) {
	n := func(i int) *int { return &i }

	assert.Equal(t, "character varying(40)", columnType(catalog.Column{DataType: "character varying", CharMaxLength: n(40)}))
	assert.Equal(t, "numeric(10,2)", columnType(catalog.Column{DataType: "numeric", NumericPrec: n(10), NumericScale: n(2)}))
	assert.Equal(t, `"billing"."plan"`, columnType(catalog.Column{DataType: "USER-DEFINED", UDTSchema: "billing", UDTName: "plan"}))
	assert.Equal(t, "text", columnType(catalog.Column{DataType: "text"}))
}

func TestIfNotExists(t *testing.T) {
	assert.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS a ON t USING btree (lower(x))",
		ifNotExists("CREATE UNIQUE INDEX a ON t USING btree (lower(x))"))
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS b ON t (x)", ifNotExists("CREATE INDEX b ON t (x)"))
}

func TestScript(t *testing.T) {
	script := Script(Generate(ticketsSchema()))

	assert.True(t, strings.HasPrefix(script, "CREATE TYPE"))
	assert.Contains(t, script, "-- deferred until agents exists\nALTER TABLE")
	assert.Equal(t, 11, strings.Count(script, ";\n"))
}

func TestOrderTables(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		deps   map[string][]string
		want   []string
	}{
		{
			name:   "already ordered",
			tables: []string{"departments", "employees"},
			deps:   map[string][]string{"employees": {"departments"}},
			want:   []string{"departments", "employees"},
		},
		{
			name:   "child declared first",
			tables: []string{"employees", "departments", "events"},
			deps:   map[string][]string{"employees": {"departments"}},
			want:   []string{"departments", "employees", "events"},
		},
		{
			name:   "outside reference ignored",
			tables: []string{"grades", "students"},
			deps:   map[string][]string{"grades": {"students", "courses"}},
			want:   []string{"students", "grades"},
		},
		{
			name:   "self reference",
			tables: []string{"nodes"},
			deps:   map[string][]string{"nodes": {"nodes"}},
			want:   []string{"nodes"},
		},
		{
			name:   "cycle falls back to declared order",
			tables: []string{"a", "b", "c"},
			deps:   map[string][]string{"a": {"b"}, "b": {"a"}},
			want:   []string{"c", "a", "b"},
		},
		{
			name:   "duplicates collapse",
			tables: []string{"a", "a", "b"},
			want:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OrderTables(tt.tables, tt.deps))
		})
	}
}
