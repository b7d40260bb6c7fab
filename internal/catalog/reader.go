package catalog

import (
	"context"
	"fmt"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
	"golang.org/x/sync/errgroup"
)

// Reader reads table structure from the Postgres system catalogs.
// All queries are read-only.
type Reader struct {
	db database.Querier
}

// NewReader creates a catalog reader. ReadTableSchema issues queries
// concurrently, so db must be a pool rather than a transaction.
func NewReader(db database.Querier) *Reader {
	return &Reader{db: db}
}

// ReadTableSchema returns the complete structural description of one table.
// It fails with an errs NotFound error when the table does not exist.
func (r *Reader) ReadTableSchema(ctx context.Context, schema, table string) (*TableSchema, error) {
	exists, err := r.TableExists(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.Newf(errs.ErrKindNotFound, "table %s.%s not found", schema, table)
	}

	rel := database.QuoteQualified(schema, table)
	ts := &TableSchema{Schema: schema, Name: table}

	// Each query fills its own field, so no locking is needed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ts.Columns, err = r.columns(gctx, schema, table, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.PrimaryKey, err = r.primaryKey(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.ForeignKeys, err = r.foreignKeys(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.Uniques, err = r.uniques(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.Checks, err = r.checks(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.Indexes, err = r.indexes(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.Sequences, err = r.sequences(gctx, rel)
		return err
	})
	g.Go(func() (err error) {
		ts.Enums, err = r.enums(gctx, rel)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, errs.Annotate(err, fmt.Sprintf("read schema of %s.%s", schema, table))
	}
	if len(ts.Columns) == 0 {
		return nil, errs.Newf(errs.ErrKindNotFound, "table %s.%s has no columns", schema, table)
	}
	return ts, nil
}

// TableExists checks whether a specific table exists
func (r *Reader) TableExists(ctx context.Context, schema, table string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1
			  AND table_name   = $2
			  AND table_type   = 'BASE TABLE'
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, q, schema, table).Scan(&exists); err != nil {
		return false, errs.Annotate(err, "table exists check")
	}
	return exists, nil
}

// ColumnNames returns a table's column names in ordinal order.
// A missing table yields an empty list.
func (r *Reader) ColumnNames(ctx context.Context, schema, table string) ([]string, error) {
	const q = `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := r.db.Query(ctx, q, schema, table)
	if err != nil {
		return nil, errs.Annotate(err, fmt.Sprintf("list columns of %s.%s", schema, table))
	}
	return database.ScanStrings(rows)
}

// WritableColumnNames is ColumnNames without generated columns, which
// refuse explicit values on INSERT.
func (r *Reader) WritableColumnNames(ctx context.Context, schema, table string) ([]string, error) {
	const q = `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		  AND is_generated = 'NEVER'
		ORDER BY ordinal_position`

	rows, err := r.db.Query(ctx, q, schema, table)
	if err != nil {
		return nil, errs.Annotate(err, fmt.Sprintf("list writable columns of %s.%s", schema, table))
	}
	return database.ScanStrings(rows)
}

// TypeExists reports whether a type with the given name exists in schema.
func (r *Reader) TypeExists(ctx context.Context, schema, name string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1
			FROM pg_catalog.pg_type t
			JOIN pg_catalog.pg_namespace n ON n.oid = t.typnamespace
			WHERE n.nspname = $1 AND t.typname = $2
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, q, schema, name).Scan(&exists); err != nil {
		return false, errs.Annotate(err, "type exists check")
	}
	return exists, nil
}

// ConstraintExists reports whether table already has a constraint named name.
func (r *Reader) ConstraintExists(ctx context.Context, schema, table, name string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1
			FROM pg_catalog.pg_constraint con
			JOIN pg_catalog.pg_class c     ON c.oid = con.conrelid
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2 AND con.conname = $3
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, q, schema, table, name).Scan(&exists); err != nil {
		return false, errs.Annotate(err, "constraint exists check")
	}
	return exists, nil
}

// DatabaseExists reports whether the server has a database named name.
func (r *Reader) DatabaseExists(ctx context.Context, name string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_database WHERE datname = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, q, name).Scan(&exists); err != nil {
		return false, errs.Annotate(err, "database exists check")
	}
	return exists, nil
}

// SerialColumns maps each column backed by a sequence (serial-style
// default or identity) to that sequence's qualified name.
func (r *Reader) SerialColumns(ctx context.Context, schema, table string) (map[string]string, error) {
	const q = `
		SELECT a.attname::text, pg_get_serial_sequence($1, a.attname)
		FROM pg_catalog.pg_attribute a
		WHERE a.attrelid = ($1::text)::regclass
		  AND a.attnum > 0
		  AND NOT a.attisdropped
		  AND pg_get_serial_sequence($1, a.attname) IS NOT NULL
		ORDER BY a.attnum`

	rows, err := r.db.Query(ctx, q, database.QuoteQualified(schema, table))
	if err != nil {
		return nil, errs.Annotate(err, fmt.Sprintf("serial columns of %s.%s", schema, table))
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var col, seq string
		if err := rows.Scan(&col, &seq); err != nil {
			return nil, err
		}
		out[col] = seq
	}
	return out, rows.Err()
}

func (r *Reader) columns(ctx context.Context, schema, table, rel string) ([]Column, error) {
	const q = `
		SELECT
			c.column_name,
			c.data_type,
			c.udt_schema,
			c.udt_name,
			format_type(a.atttypid, a.atttypmod),
			c.is_nullable = 'YES',
			c.column_default,
			c.character_maximum_length::int,
			c.numeric_precision::int,
			c.numeric_scale::int,
			COALESCE(c.identity_generation, ''),
			CASE WHEN c.is_generated = 'ALWAYS' THEN c.generation_expression END
		FROM information_schema.columns c
		JOIN pg_catalog.pg_attribute a
			ON a.attrelid = ($3::text)::regclass
			AND a.attname = c.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`

	rows, err := r.db.Query(ctx, q, schema, table, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch columns")
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(
			&c.Name,
			&c.DataType,
			&c.UDTSchema,
			&c.UDTName,
			&c.FormattedType,
			&c.Nullable,
			&c.Default,
			&c.CharMaxLength,
			&c.NumericPrec,
			&c.NumericScale,
			&c.Identity,
			&c.Generated,
		); err != nil {
			return nil, err
		}
		// ordinal_position keeps gaps left by dropped columns
		c.Position = len(cols) + 1
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (r *Reader) primaryKey(ctx context.Context, rel string) (*PrimaryKey, error) {
	keys, err := r.keyConstraints(ctx, rel, "p")
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return &PrimaryKey{Name: keys[0].Name, Columns: keys[0].Columns}, nil
}

func (r *Reader) uniques(ctx context.Context, rel string) ([]UniqueConstraint, error) {
	return r.keyConstraints(ctx, rel, "u")
}

// keyConstraints reads PRIMARY KEY or UNIQUE constraints with their
// columns in key order.
func (r *Reader) keyConstraints(ctx context.Context, rel, contype string) ([]UniqueConstraint, error) {
	const q = `
		SELECT con.conname::text, a.attname::text
		FROM pg_catalog.pg_constraint con
		CROSS JOIN LATERAL unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_catalog.pg_attribute a
			ON a.attrelid = con.conrelid
			AND a.attnum  = k.attnum
		WHERE con.conrelid = ($1::text)::regclass
		  AND con.contype  = $2
		ORDER BY con.conname, k.ord`

	rows, err := r.db.Query(ctx, q, rel, contype)
	if err != nil {
		return nil, errs.Annotate(err, "fetch key constraints")
	}
	defer rows.Close()

	var out []UniqueConstraint
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Name == name {
			out[n-1].Columns = append(out[n-1].Columns, col)
			continue
		}
		out = append(out, UniqueConstraint{Name: name, Columns: []string{col}})
	}
	return out, rows.Err()
}

func (r *Reader) foreignKeys(ctx context.Context, rel string) ([]ForeignKey, error) {
	const q = `
		SELECT
			con.conname::text,
			la.attname::text,
			rn.nspname::text,
			rc.relname::text,
			ra.attname::text,
			con.confupdtype::text,
			con.confdeltype::text,
			con.condeferrable,
			con.condeferred
		FROM pg_catalog.pg_constraint con
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(lnum, rnum, ord)
		JOIN pg_catalog.pg_attribute la
			ON la.attrelid = con.conrelid
			AND la.attnum  = k.lnum
		JOIN pg_catalog.pg_class rc     ON rc.oid = con.confrelid
		JOIN pg_catalog.pg_namespace rn ON rn.oid = rc.relnamespace
		JOIN pg_catalog.pg_attribute ra
			ON ra.attrelid = con.confrelid
			AND ra.attnum  = k.rnum
		WHERE con.conrelid = ($1::text)::regclass
		  AND con.contype  = 'f'
		ORDER BY con.conname, k.ord`

	rows, err := r.db.Query(ctx, q, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch foreign keys")
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var (
			name, col, refSchema, refTable, refCol string
			upd, del                               string
			deferrable, deferred                   bool
		)
		if err := rows.Scan(&name, &col, &refSchema, &refTable, &refCol, &upd, &del, &deferrable, &deferred); err != nil {
			return nil, err
		}
		if n := len(fks); n > 0 && fks[n-1].Name == name {
			fks[n-1].Columns = append(fks[n-1].Columns, col)
			fks[n-1].RefColumns = append(fks[n-1].RefColumns, refCol)
			continue
		}
		fks = append(fks, ForeignKey{
			Name:       name,
			Columns:    []string{col},
			RefSchema:  refSchema,
			RefTable:   refTable,
			RefColumns: []string{refCol},
			OnUpdate:   fkAction(upd),
			OnDelete:   fkAction(del),
			Deferrable: deferrable,

			InitiallyDeferred: deferred,
		})
	}
	return fks, rows.Err()
}

// fkAction maps pg_constraint.confupdtype / confdeltype codes to SQL.
func fkAction(code string) string {
	switch code {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

func (r *Reader) checks(ctx context.Context, rel string) ([]CheckConstraint, error) {
	const q = `
		SELECT con.conname::text, pg_get_expr(con.conbin, con.conrelid)
		FROM pg_catalog.pg_constraint con
		WHERE con.conrelid = ($1::text)::regclass
		  AND con.contype  = 'c'
		ORDER BY con.conname`

	rows, err := r.db.Query(ctx, q, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch check constraints")
	}
	defer rows.Close()

	var out []CheckConstraint
	for rows.Next() {
		var c CheckConstraint
		if err := rows.Scan(&c.Name, &c.Expression); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Reader) indexes(ctx context.Context, rel string) ([]Index, error) {
	const q = `
		SELECT
			i.relname::text,
			ix.indisunique,
			am.amname::text,
			COALESCE(
				array_agg(a.attname::text ORDER BY k.ord) FILTER (WHERE k.attnum <> 0),
				'{}'::text[]
			),
			bool_or(k.attnum = 0)
				OR ix.indnatts <> ix.indnkeyatts
				OR EXISTS (SELECT 1 FROM unnest(ix.indoption::int2[]) o WHERE o <> 0),
			pg_get_expr(ix.indpred, ix.indrelid),
			pg_get_indexdef(ix.indexrelid)
		FROM pg_catalog.pg_index ix
		JOIN pg_catalog.pg_class i ON i.oid  = ix.indexrelid
		JOIN pg_catalog.pg_am am   ON am.oid = i.relam
		CROSS JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		LEFT JOIN pg_catalog.pg_attribute a
			ON a.attrelid = ix.indrelid
			AND a.attnum  = k.attnum
		WHERE ix.indrelid = ($1::text)::regclass
		  AND NOT ix.indisprimary
		  AND k.ord <= ix.indnkeyatts
		  AND NOT EXISTS (
			SELECT 1 FROM pg_catalog.pg_constraint con
			WHERE con.conindid = ix.indexrelid
			  AND con.conrelid = ix.indrelid
		  )
		GROUP BY i.relname, ix.indisunique, am.amname, ix.indnatts, ix.indnkeyatts,
		         ix.indoption, ix.indpred, ix.indrelid, ix.indexrelid
		ORDER BY i.relname`

	rows, err := r.db.Query(ctx, q, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch indexes")
	}
	defer rows.Close()

	var out []Index
	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Method, &idx.Columns, &idx.Complex, &idx.Predicate, &idx.Definition); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (r *Reader) sequences(ctx context.Context, rel string) ([]Sequence, error) {
	const q = `
		SELECT
			sn.nspname::text,
			s.relname::text,
			a.attname::text,
			format_type(sq.seqtypid, NULL),
			sq.seqstart,
			sq.seqincrement,
			sq.seqmin,
			sq.seqmax,
			sq.seqcache,
			sq.seqcycle
		FROM pg_catalog.pg_depend d
		JOIN pg_catalog.pg_class s      ON s.oid = d.objid AND s.relkind = 'S'
		JOIN pg_catalog.pg_namespace sn ON sn.oid = s.relnamespace
		JOIN pg_catalog.pg_sequence sq  ON sq.seqrelid = s.oid
		JOIN pg_catalog.pg_attribute a
			ON a.attrelid = d.refobjid
			AND a.attnum  = d.refobjsubid
		WHERE d.classid    = 'pg_catalog.pg_class'::regclass
		  AND d.refclassid = 'pg_catalog.pg_class'::regclass
		  AND d.refobjid   = ($1::text)::regclass
		  AND d.deptype    = 'a'
		ORDER BY s.relname`

	rows, err := r.db.Query(ctx, q, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch owned sequences")
	}
	defer rows.Close()

	var out []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Schema, &s.Name, &s.Column, &s.DataType,
			&s.Start, &s.Increment, &s.Min, &s.Max, &s.Cache, &s.Cycle); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Reader) enums(ctx context.Context, rel string) ([]EnumType, error) {
	const q = `
		SELECT tn.nspname::text, t.typname::text, e.enumlabel::text
		FROM pg_catalog.pg_type t
		JOIN pg_catalog.pg_namespace tn ON tn.oid = t.typnamespace
		JOIN pg_catalog.pg_enum e       ON e.enumtypid = t.oid
		WHERE t.typtype = 'e'
		  AND t.oid IN (
			SELECT a.atttypid
			FROM pg_catalog.pg_attribute a
			WHERE a.attrelid = ($1::text)::regclass
			  AND a.attnum > 0
			  AND NOT a.attisdropped
		  )
		ORDER BY tn.nspname, t.typname, e.enumsortorder`

	rows, err := r.db.Query(ctx, q, rel)
	if err != nil {
		return nil, errs.Annotate(err, "fetch enum types")
	}
	defer rows.Close()

	var out []EnumType
	for rows.Next() {
		var schema, name, label string
		if err := rows.Scan(&schema, &name, &label); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Schema == schema && out[n-1].Name == name {
			out[n-1].Labels = append(out[n-1].Labels, label)
			continue
		}
		out = append(out, EnumType{Schema: schema, Name: name, Labels: []string{label}})
	}
	return out, rows.Err()
}
