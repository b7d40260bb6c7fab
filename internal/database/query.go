package database

import (
	"fmt"
	"strings"

	"github.com/koustreak/tenantdb/internal/errs"
)

// Dialect controls which SQL placeholder and quoting style the builders emit.
type Dialect int

const (
	// DialectPostgres uses $1, $2, … placeholders and "double quotes".
	DialectPostgres Dialect = iota

	// DialectMySQL uses ? placeholders and `backticks`.
	DialectMySQL
)

// MaxBindParams is the largest number of bind parameters Postgres accepts
// in one statement.
const MaxBindParams = 65535

// validOps is the allowlist of comparison operators for WHERE clauses.
// Any operator not in this list is rejected to prevent SQL injection
// through the operator position (which cannot be parameterized).
var validOps = map[string]bool{
	"=":     true,
	"!=":    true,
	"<>":    true,
	"<":     true,
	">":     true,
	"<=":    true,
	">=":    true,
	"LIKE":  true,
	"ILIKE": true,
}

// SortDirection controls the ORDER BY direction.
type SortDirection bool

const (
	Asc  SortDirection = false
	Desc SortDirection = true
)

type whereClause struct {
	column string
	op     string
	value  any
	isNull bool // render "column IS NULL", value ignored
	asText bool // compare column::text, Postgres only
}

type orderClause struct {
	column string
	dir    SortDirection
}

// SelectBuilder constructs a parameterized SELECT query using a fluent API.
// Values are never interpolated into the SQL string; they are always passed as args.
//
// Usage (Postgres):
//
//	sql, args, err := Select("employees", DialectPostgres).
//	    Schema("public").
//	    Columns("id", "city_id", "name").
//	    WhereIsNull("city_id").
//	    OrderBy("id", Asc).
//	    Limit(1000).
//	    Offset(0).
//	    Build()
type SelectBuilder struct {
	schema  string
	table   string
	dialect Dialect
	columns []string
	where   []whereClause
	orderBy []orderClause
	limit   *int
	offset  *int
}

// Select starts a new SelectBuilder for the given table and dialect.
func Select(table string, d Dialect) *SelectBuilder {
	return &SelectBuilder{table: table, dialect: d}
}

// Schema qualifies the table name.
func (b *SelectBuilder) Schema(schema string) *SelectBuilder {
	b.schema = schema
	return b
}

// Columns restricts the SELECT to the specified columns.
// If not called, SELECT * is used.
func (b *SelectBuilder) Columns(cols ...string) *SelectBuilder {
	b.columns = cols
	return b
}

// WhereIsNull adds a "column IS NULL" condition.
func (b *SelectBuilder) WhereIsNull(column string) *SelectBuilder {
	b.where = append(b.where, whereClause{column: column, isNull: true})
	return b
}

// WhereTextEquals adds "column::text = value". The cast lets a textual
// tenant key match integer, uuid and text columns alike.
func (b *SelectBuilder) WhereTextEquals(column, value string) *SelectBuilder {
	b.where = append(b.where, whereClause{column: column, op: "=", value: value, asText: true})
	return b
}

// OrderBy appends an ORDER BY clause for the given column and direction.
func (b *SelectBuilder) OrderBy(column string, dir SortDirection) *SelectBuilder {
	b.orderBy = append(b.orderBy, orderClause{column, dir})
	return b
}

// Limit sets the maximum number of rows to return.
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = &n
	return b
}

// Offset sets the number of rows to skip (for pagination).
func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = &n
	return b
}

// Build produces the final SQL string and argument slice.
// Returns an error if any WHERE operator is not in the allowlist.
func (b *SelectBuilder) Build() (string, []any, error) {
	cols := "*"
	if len(b.columns) > 0 {
		cols = b.dialect.quoteList(b.columns)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(b.dialect.qualified(b.schema, b.table))

	args, err := writeWhere(&sb, b.dialect, b.where, nil)
	if err != nil {
		return "", nil, err
	}

	if len(b.orderBy) > 0 {
		parts := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			dir := "ASC"
			if o.dir == Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", b.dialect.quote(o.column), dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if b.limit != nil {
		args = append(args, *b.limit)
		sb.WriteString(" LIMIT " + b.dialect.placeholder(len(args)))
	}
	if b.offset != nil {
		args = append(args, *b.offset)
		sb.WriteString(" OFFSET " + b.dialect.placeholder(len(args)))
	}

	return sb.String(), args, nil
}

// CountBuilder constructs SELECT count(*) over a whole table.
type CountBuilder struct {
	sel *SelectBuilder
}

// Count starts a count(*) query for the given table.
func Count(table string, d Dialect) *CountBuilder {
	return &CountBuilder{sel: Select(table, d)}
}

func (c *CountBuilder) Schema(schema string) *CountBuilder {
	c.sel.Schema(schema)
	return c
}

func (c *CountBuilder) Build() (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT count(*) FROM ")
	sb.WriteString(c.sel.dialect.qualified(c.sel.schema, c.sel.table))
	args, err := writeWhere(&sb, c.sel.dialect, c.sel.where, nil)
	if err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

// InsertBuilder constructs a multi-row parameterized INSERT.
//
//	sql, args, err := Insert("employees", DialectPostgres).
//	    Schema("public").
//	    Columns("id", "name").
//	    Row(1, "A").
//	    Row(2, "B").
//	    OnConflictDoNothing().
//	    Build()
type InsertBuilder struct {
	schema    string
	table     string
	dialect   Dialect
	columns   []string
	rows      [][]any
	doNothing bool
	overrides bool
}

// Insert starts a new InsertBuilder for the given table and dialect.
func Insert(table string, d Dialect) *InsertBuilder {
	return &InsertBuilder{table: table, dialect: d}
}

func (b *InsertBuilder) Schema(schema string) *InsertBuilder {
	b.schema = schema
	return b
}

func (b *InsertBuilder) Columns(cols ...string) *InsertBuilder {
	b.columns = cols
	return b
}

// Row appends one row of values, in Columns order.
func (b *InsertBuilder) Row(values ...any) *InsertBuilder {
	b.rows = append(b.rows, values)
	return b
}

// OverridingSystemValue lets explicit values into GENERATED ALWAYS
// identity columns.
func (b *InsertBuilder) OverridingSystemValue() *InsertBuilder {
	b.overrides = true
	return b
}

// OnConflictDoNothing makes rows that collide with an existing key a no-op.
func (b *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	b.doNothing = true
	return b
}

func (b *InsertBuilder) Build() (string, []any, error) {
	if len(b.columns) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "insert needs at least one column")
	}
	if len(b.rows) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "insert needs at least one row")
	}
	if len(b.rows)*len(b.columns) > MaxBindParams {
		return "", nil, errs.Newf(errs.ErrKindInvalidInput,
			"insert of %d rows x %d columns exceeds %d bind parameters",
			len(b.rows), len(b.columns), MaxBindParams)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.dialect.qualified(b.schema, b.table))
	sb.WriteString(" (")
	sb.WriteString(b.dialect.quoteList(b.columns))
	sb.WriteString(") ")
	if b.overrides {
		if b.dialect == DialectMySQL {
			return "", nil, errs.New(errs.ErrKindInvalidInput, "OVERRIDING SYSTEM VALUE is not supported by mysql")
		}
		sb.WriteString("OVERRIDING SYSTEM VALUE ")
	}
	sb.WriteString("VALUES ")

	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			return "", nil, errs.Newf(errs.ErrKindInvalidInput,
				"row %d has %d values, want %d", i, len(row), len(b.columns))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, v)
			sb.WriteString(b.dialect.placeholder(len(args)))
		}
		sb.WriteByte(')')
	}

	if b.doNothing {
		if b.dialect == DialectMySQL {
			return "", nil, errs.New(errs.ErrKindInvalidInput, "ON CONFLICT is not supported by mysql")
		}
		sb.WriteString(" ON CONFLICT DO NOTHING")
	}
	return sb.String(), args, nil
}

// UpdateBuilder constructs a parameterized UPDATE ... SET ... WHERE.
type UpdateBuilder struct {
	schema  string
	table   string
	dialect Dialect
	sets    []whereClause
	where   []whereClause
}

// Update starts a new UpdateBuilder for the given table and dialect.
func Update(table string, d Dialect) *UpdateBuilder {
	return &UpdateBuilder{table: table, dialect: d}
}

func (b *UpdateBuilder) Schema(schema string) *UpdateBuilder {
	b.schema = schema
	return b
}

func (b *UpdateBuilder) Set(column string, value any) *UpdateBuilder {
	b.sets = append(b.sets, whereClause{column: column, value: value})
	return b
}

func (b *UpdateBuilder) Where(column, op string, value any) *UpdateBuilder {
	b.where = append(b.where, whereClause{column: column, op: op, value: value})
	return b
}

// Build refuses to emit an UPDATE without a WHERE clause.
func (b *UpdateBuilder) Build() (string, []any, error) {
	if len(b.sets) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "update needs at least one SET column")
	}
	if len(b.where) == 0 {
		return "", nil, errs.New(errs.ErrKindInvalidInput, "update without WHERE is not allowed")
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(b.dialect.qualified(b.schema, b.table))
	sb.WriteString(" SET ")

	args := make([]any, 0, len(b.sets)+len(b.where))
	for i, s := range b.sets {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, s.value)
		sb.WriteString(b.dialect.quote(s.column) + " = " + b.dialect.placeholder(len(args)))
	}

	args, err := writeWhere(&sb, b.dialect, b.where, args)
	if err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

// writeWhere renders the WHERE clause and appends its arguments to args.
func writeWhere(sb *strings.Builder, d Dialect, where []whereClause, args []any) ([]any, error) {
	if len(where) == 0 {
		return args, nil
	}

	parts := make([]string, 0, len(where))
	for _, w := range where {
		col := d.quote(w.column)
		if w.isNull {
			parts = append(parts, col+" IS NULL")
			continue
		}
		op := strings.ToUpper(w.op)
		if !validOps[op] {
			return nil, errs.Newf(errs.ErrKindInvalidInput, "unsupported WHERE operator: %q", w.op)
		}
		if w.asText {
			if d == DialectMySQL {
				return nil, errs.New(errs.ErrKindInvalidInput, "text cast is not supported by mysql")
			}
			col += "::text"
		}
		args = append(args, w.value)
		parts = append(parts, fmt.Sprintf("%s %s %s", col, op, d.placeholder(len(args))))
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(parts, " AND "))
	return args, nil
}

// placeholder returns the correct parameter placeholder for the dialect.
// Postgres: $1, $2, …   MySQL: ? (index is ignored)
func (d Dialect) placeholder(idx int) string {
	if d == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", idx)
}

func (d Dialect) quote(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return QuoteIdent(name)
}

func (d Dialect) quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (d Dialect) qualified(schema, name string) string {
	if schema == "" {
		return d.quote(name)
	}
	return d.quote(schema) + "." + d.quote(name)
}

// QuoteIdent wraps a SQL identifier in double-quotes (ANSI standard).
// This safely handles reserved words and mixed-case names.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteQualified renders "schema"."name", or just "name" when schema is empty.
func QuoteQualified(schema, name string) string {
	return DialectPostgres.qualified(schema, name)
}

// QuoteIdents quotes and comma-joins a list of identifiers.
func QuoteIdents(names []string) string {
	return DialectPostgres.quoteList(names)
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
