package database

import "github.com/koustreak/tenantdb/internal/errs"

// Page is a block of rows read from one table, in result-set column order.
// Values are kept in the form the driver produced so they can be bound
// again without conversion.
type Page struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows in the page.
func (p *Page) Len() int { return len(p.Rows) }

// Args returns row i as bind arguments.
func (p *Page) Args(i int) []any { return p.Rows[i] }

// ScanPage reads all rows from the result set into a Page.
//
// The returned page is always non-nil on success (empty on zero rows).
// ScanPage always closes the Rows, so callers do not call Close().
func ScanPage(rows Rows) (*Page, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindQueryFailed, "failed to read column names", err)
	}

	page := &Page{Columns: columns, Rows: make([][]any, 0)}

	for rows.Next() {
		// Allocate scan targets as *any so the driver can write any type.
		dest := make([]any, len(columns))
		destPtrs := make([]any, len(columns))
		for i := range dest {
			destPtrs[i] = &dest[i]
		}

		if err := rows.Scan(destPtrs...); err != nil {
			return nil, errs.Wrap(errs.ErrKindQueryFailed, "failed to scan row", err)
		}
		page.Rows = append(page.Rows, dest)
	}

	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindQueryFailed, "error during row iteration", err)
	}

	return page, nil
}

// ScanStrings reads a single text column from every row.
// Like ScanPage it always closes the Rows.
func ScanStrings(rows Rows) ([]string, error) {
	defer rows.Close()

	var list []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errs.Wrap(errs.ErrKindQueryFailed, "failed to scan value", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrKindQueryFailed, "error during row iteration", err)
	}
	return list, nil
}
