package ddl

import (
	"fmt"
	"strings"

	"github.com/koustreak/tenantdb/internal/catalog"
	"github.com/koustreak/tenantdb/internal/database"
)

// Generate turns a table description into the statements that recreate it
// in an empty schema. Postgres rejects forward references, so the order is
// fixed:
//
//  1. enum types
//  2. owned sequences
//  3. the table itself
//  4. sequence ownership
//  5. primary key
//  6. unique and check constraints
//  7. indexes
//  8. foreign keys (deferred)
//
// Generate is pure. Default expressions are copied verbatim.
func Generate(ts *catalog.TableSchema) []Statement {
	table := database.QuoteQualified(ts.Schema, ts.Name)
	var out []Statement

	add := func(kind Kind, object, sql string) {
		out = append(out, Statement{Kind: kind, Schema: ts.Schema, Table: ts.Name, Object: object, SQL: sql})
	}

	// Schema of an enum statement is the type's own schema.
	for _, e := range ts.Enums {
		out = append(out, Statement{Kind: KindEnum, Schema: e.Schema, Table: ts.Name, Object: e.Name, SQL: createEnum(e)})
	}

	var owned []catalog.Sequence
	for _, s := range ts.Sequences {
		// identity columns create their own sequence
		if c, ok := ts.Column(s.Column); ok && c.Identity != "" {
			continue
		}
		owned = append(owned, s)
		add(KindSequence, s.Name, createSequence(s))
	}

	add(KindTable, ts.Name, createTable(table, ts.Columns))

	for _, s := range owned {
		add(KindSequenceOwner, s.Name, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
			database.QuoteQualified(s.Schema, s.Name), table, database.QuoteIdent(s.Column)))
	}

	if pk := ts.PrimaryKey; pk != nil {
		add(KindPrimaryKey, pk.Name, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
			table, database.QuoteIdent(pk.Name), database.QuoteIdents(pk.Columns)))
	}

	for _, u := range ts.Uniques {
		add(KindUnique, u.Name, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			table, database.QuoteIdent(u.Name), database.QuoteIdents(u.Columns)))
	}
	for _, c := range ts.Checks {
		add(KindCheck, c.Name, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)",
			table, database.QuoteIdent(c.Name), c.Expression))
	}

	for _, idx := range ts.Indexes {
		add(KindIndex, idx.Name, createIndex(table, idx))
	}

	for _, fk := range ts.ForeignKeys {
		out = append(out, Statement{
			Kind:      KindForeignKey,
			Schema:    ts.Schema,
			Table:     ts.Name,
			Object:    fk.Name,
			RefSchema: fk.RefSchema,
			RefTable:  fk.RefTable,
			SQL:       addForeignKey(table, fk),
		})
	}

	return out
}

func createEnum(e catalog.EnumType) string {
	labels := make([]string, len(e.Labels))
	for i, l := range e.Labels {
		labels[i] = database.QuoteLiteral(l)
	}
	return fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)",
		database.QuoteQualified(e.Schema, e.Name), strings.Join(labels, ", "))
}

func createSequence(s catalog.Sequence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE SEQUENCE IF NOT EXISTS %s", database.QuoteQualified(s.Schema, s.Name))
	if s.DataType != "" {
		fmt.Fprintf(&sb, " AS %s", s.DataType)
	}
	fmt.Fprintf(&sb, " INCREMENT BY %d MINVALUE %d MAXVALUE %d START WITH %d CACHE %d",
		s.Increment, s.Min, s.Max, s.Start, max(s.Cache, 1))
	if s.Cycle {
		sb.WriteString(" CYCLE")
	} else {
		sb.WriteString(" NO CYCLE")
	}
	return sb.String()
}

func createTable(table string, cols []catalog.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = "    " + columnDef(c)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", table, strings.Join(defs, ",\n"))
}

func columnDef(c catalog.Column) string {
	var sb strings.Builder
	sb.WriteString(database.QuoteIdent(c.Name))
	sb.WriteString(" ")
	sb.WriteString(columnType(c))

	switch {
	case c.Identity != "":
		fmt.Fprintf(&sb, " GENERATED %s AS IDENTITY", c.Identity)
	case c.Generated != nil:
		fmt.Fprintf(&sb, " GENERATED ALWAYS AS (%s) STORED", *c.Generated)
	case c.Default != nil:
		sb.WriteString(" DEFAULT ")
		sb.WriteString(*c.Default)
	}

	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	return sb.String()
}

// columnType prefers the format_type rendering, which carries length,
// precision and array dimensions.
func columnType(c catalog.Column) string {
	if c.FormattedType != "" {
		return c.FormattedType
	}
	if c.IsUserDefined() {
		return database.QuoteQualified(c.UDTSchema, c.UDTName)
	}
	if c.CharMaxLength != nil {
		return fmt.Sprintf("%s(%d)", c.DataType, *c.CharMaxLength)
	}
	if c.DataType == "numeric" && c.NumericPrec != nil {
		if c.NumericScale != nil {
			return fmt.Sprintf("numeric(%d,%d)", *c.NumericPrec, *c.NumericScale)
		}
		return fmt.Sprintf("numeric(%d)", *c.NumericPrec)
	}
	return c.DataType
}

func createIndex(table string, idx catalog.Index) string {
	if idx.Complex && idx.Definition != "" {
		return ifNotExists(idx.Definition)
	}

	var sb strings.Builder
	sb.WriteString("CREATE ")
	if idx.Unique {
		sb.WriteString("UNIQUE ")
	}
	method := idx.Method
	if method == "" {
		method = "btree"
	}
	fmt.Fprintf(&sb, "INDEX IF NOT EXISTS %s ON %s USING %s (%s)",
		database.QuoteIdent(idx.Name), table, method, database.QuoteIdents(idx.Columns))
	if idx.Predicate != nil {
		fmt.Fprintf(&sb, " WHERE %s", *idx.Predicate)
	}
	return sb.String()
}

// ifNotExists rewrites a pg_get_indexdef statement to be re-runnable.
func ifNotExists(def string) string {
	for _, prefix := range []string{"CREATE UNIQUE INDEX ", "CREATE INDEX "} {
		if rest, ok := strings.CutPrefix(def, prefix); ok {
			return prefix + "IF NOT EXISTS " + rest
		}
	}
	return def
}

func addForeignKey(table string, fk catalog.ForeignKey) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		table,
		database.QuoteIdent(fk.Name),
		database.QuoteIdents(fk.Columns),
		database.QuoteQualified(fk.RefSchema, fk.RefTable),
		database.QuoteIdents(fk.RefColumns),
	)
	if fk.OnUpdate != "" && fk.OnUpdate != "NO ACTION" {
		fmt.Fprintf(&sb, " ON UPDATE %s", fk.OnUpdate)
	}
	if fk.OnDelete != "" && fk.OnDelete != "NO ACTION" {
		fmt.Fprintf(&sb, " ON DELETE %s", fk.OnDelete)
	}
	if fk.Deferrable {
		sb.WriteString(" DEFERRABLE")
		if fk.InitiallyDeferred {
			sb.WriteString(" INITIALLY DEFERRED")
		}
	}
	return sb.String()
}
