package migrate

import (
	"context"
	"fmt"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/logger"
)

// plan is the resolved copy of one table, executed inside a target
// transaction.
type plan struct {
	opts      Options
	columns   []string // insert columns, target order
	orderBy   string   // first source column
	filter    *TenantFilter
	sequences map[string]string // column -> sequence
}

func (p *plan) run(ctx context.Context, source, tx database.Querier, res *Result, log *logger.Logger) error {
	if p.opts.TruncateBeforeInsert {
		if _, err := tx.Exec(ctx, p.truncateSQL()); err != nil {
			return err
		}
	}

	for offset := 0; ; {
		// Near the ceiling one extra row is read to tell a source that
		// holds exactly MaxRows rows from one that holds more.
		limit := p.opts.BatchSize
		last := false
		if remaining := p.opts.MaxRows - int(res.RowsRead); remaining <= limit {
			limit = remaining
			last = true
		}
		fetch := limit
		if last {
			fetch++
		}

		sql, args, err := p.selectSQL(fetch, offset)
		if err != nil {
			return err
		}
		rows, err := source.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		page, err := database.ScanPage(rows)
		if err != nil {
			return err
		}
		if page.Len() == 0 {
			break
		}
		overflow := page.Len() > limit
		if overflow {
			page.Rows = page.Rows[:limit]
		}

		inserted, err := p.insertPage(ctx, tx, page)
		if err != nil {
			return err
		}
		res.RowsRead += int64(page.Len())
		res.RowsMigrated += inserted
		offset += page.Len()
		log.Debugf("batch at offset %d: read %d, inserted %d", offset-page.Len(), page.Len(), inserted)

		if overflow {
			res.CeilingReached = true
			log.Warnf("row ceiling of %d reached, remaining rows not copied", p.opts.MaxRows)
			break
		}
		if last || page.Len() < limit {
			break
		}
	}

	return p.resetSequences(ctx, tx)
}

func (p *plan) truncateSQL() string {
	return fmt.Sprintf("TRUNCATE TABLE %s CASCADE", database.QuoteQualified(p.opts.Schema, p.opts.Table))
}

func (p *plan) selectSQL(limit, offset int) (string, []any, error) {
	b := database.Select(p.opts.Table, database.DialectPostgres).
		Schema(p.opts.Schema).
		Columns(p.columns...)

	if f := p.filter; f != nil {
		if f.Value == nil {
			b.WhereIsNull(f.Column)
		} else {
			b.WhereTextEquals(f.Column, *f.Value)
		}
	}

	return b.OrderBy(p.orderBy, database.Asc).Limit(limit).Offset(offset).Build()
}

// insertPage writes a page with ON CONFLICT DO NOTHING, split so no
// statement exceeds the bind parameter limit.
func (p *plan) insertPage(ctx context.Context, tx database.Querier, page *database.Page) (int64, error) {
	perStmt := database.MaxBindParams / len(p.columns)

	var total int64
	for start := 0; start < page.Len(); start += perStmt {
		end := min(start+perStmt, page.Len())

		b := database.Insert(p.opts.Table, database.DialectPostgres).
			Schema(p.opts.Schema).
			Columns(p.columns...).
			OverridingSystemValue().
			OnConflictDoNothing()
		for i := start; i < end; i++ {
			b.Row(page.Args(i)...)
		}

		sql, args, err := b.Build()
		if err != nil {
			return total, err
		}
		n, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// resetSequences moves each sequence behind a copied column to the
// column's maximum, or back to its start when the table is empty.
func (p *plan) resetSequences(ctx context.Context, tx database.Querier) error {
	for _, col := range p.columns {
		seq, ok := p.sequences[col]
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, p.setvalSQL(col), seq); err != nil {
			return err
		}
	}
	return nil
}

func (p *plan) setvalSQL(col string) string {
	c := database.QuoteIdent(col)
	return fmt.Sprintf(
		"SELECT setval($1::text::regclass, COALESCE(max(%s), 1), max(%s) IS NOT NULL) FROM %s",
		c, c, database.QuoteQualified(p.opts.Schema, p.opts.Table),
	)
}
