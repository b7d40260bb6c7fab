package catalog

// TableSchema is the structural snapshot of one source table. It is built
// fresh per sync run and never mutated once ReadTableSchema returns.
type TableSchema struct {
	Schema      string
	Name        string
	Columns     []Column // source column order, Position 1..n
	PrimaryKey  *PrimaryKey
	ForeignKeys []ForeignKey
	Uniques     []UniqueConstraint
	Checks      []CheckConstraint
	Indexes     []Index    // excludes the primary key and constraint-backed indexes
	Sequences   []Sequence // auto-owned by a column of this table
	Enums       []EnumType // enum types used by a column of this table
}

// ColumnNames returns the column names in source order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t *TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ReferencedTables returns the distinct tables this table's foreign keys
// point at, excluding itself, in constraint order.
func (t *TableSchema) ReferencedTables() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == t.Name || seen[fk.RefTable] {
			continue
		}
		seen[fk.RefTable] = true
		refs = append(refs, fk.RefTable)
	}
	return refs
}

// Column describes a single column in a table
type Column struct {
	Name          string
	DataType      string // information_schema data_type: integer, USER-DEFINED, ARRAY, …
	UDTSchema     string
	UDTName       string // underlying type: int4, mood, _text, …
	FormattedType string // format_type() rendering, used verbatim in DDL
	Nullable      bool
	Default       *string // verbatim SQL expression, nil if no default
	CharMaxLength *int
	NumericPrec   *int
	NumericScale  *int
	Position      int
	Identity      string  // "", "ALWAYS" or "BY DEFAULT"
	Generated     *string // stored generation expression, nil for ordinary columns
}

// IsUserDefined reports whether the column uses a user-defined type.
func (c Column) IsUserDefined() bool {
	return c.DataType == "USER-DEFINED"
}

// PrimaryKey is the table's primary key constraint.
type PrimaryKey struct {
	Name    string
	Columns []string // key order
}

// ForeignKey describes a relationship from this table to another.
type ForeignKey struct {
	Name       string
	Columns    []string // key order
	RefSchema  string
	RefTable   string
	RefColumns []string // paired with Columns
	OnUpdate   string   // NO ACTION, RESTRICT, CASCADE, SET NULL, SET DEFAULT
	OnDelete   string
	Deferrable bool

	InitiallyDeferred bool
}

// UniqueConstraint is a named UNIQUE constraint.
type UniqueConstraint struct {
	Name    string
	Columns []string // key order
}

// CheckConstraint is a named CHECK constraint.
type CheckConstraint struct {
	Name       string
	Expression string // pg_get_expr output, without the CHECK keyword
}

// Index is a non-primary index that does not back a constraint.
type Index struct {
	Name       string
	Unique     bool
	Method     string   // btree, gin, gist, hash, brin, …
	Columns    []string // key columns; incomplete when Complex
	Complex    bool     // expression keys, INCLUDE columns or non-default ordering
	Predicate  *string  // partial index WHERE clause
	Definition string   // pg_get_indexdef output
}

// Sequence is a sequence auto-owned by a column of the table.
type Sequence struct {
	Schema    string
	Name      string
	Column    string
	DataType  string
	Start     int64
	Increment int64
	Min       int64
	Max       int64
	Cache     int64
	Cycle     bool
}

// EnumType is an enum used by at least one column of the table.
type EnumType struct {
	Schema string
	Name   string
	Labels []string // sort order
}
