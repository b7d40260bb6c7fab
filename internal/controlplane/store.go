package controlplane

import (
	"context"
	"fmt"

	"github.com/koustreak/tenantdb/internal/database"
	"github.com/koustreak/tenantdb/internal/errs"
)

// DefaultTable is the control-plane table holding one row per city.
const DefaultTable = "cities"

// City is a tenant as recorded in the control plane.
// A nil DBURL means the city has not been provisioned yet.
type City struct {
	ID    string  `json:"id"`
	Slug  string  `json:"slug"`
	Name  string  `json:"name"`
	DBURL *string `json:"db_url,omitempty"`
}

// Provisioned reports whether the city already has its own database.
func (c *City) Provisioned() bool {
	return c.DBURL != nil
}

// Store reads and updates city records. The control plane may live in
// Postgres or MySQL; the dialect selects placeholders and quoting.
type Store struct {
	db      database.DB
	dialect database.Dialect
	table   string
}

// NewStore creates a Store over the given table, or DefaultTable when
// table is empty.
func NewStore(db database.DB, dialect database.Dialect, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, dialect: dialect, table: table}
}

// DialectFor maps a driver to its SQL dialect.
func DialectFor(d database.Driver) database.Dialect {
	if d == database.DriverMySQL {
		return database.DialectMySQL
	}
	return database.DialectPostgres
}

// GetCity returns the city with the given slug, or an errs NotFound error.
func (s *Store) GetCity(ctx context.Context, slug string) (*City, error) {
	var c City
	err := s.db.QueryRow(ctx, s.selectSQL(), slug).Scan(&c.ID, &c.Slug, &c.Name, &c.DBURL)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.Newf(errs.ErrKindNotFound, "city %q not found", slug)
		}
		return nil, errs.Annotate(err, fmt.Sprintf("get city %q", slug))
	}
	return &c, nil
}

// SetCityDBURL records the city's database connection string.
func (s *Store) SetCityDBURL(ctx context.Context, slug, url string) error {
	sql, args, err := database.Update(s.table, s.dialect).
		Set("db_url", url).
		Where("slug", "=", slug).
		Build()
	if err != nil {
		return err
	}

	n, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return errs.Annotate(err, fmt.Sprintf("set db_url of city %q", slug))
	}
	if n == 0 {
		return errs.Newf(errs.ErrKindNotFound, "city %q not found", slug)
	}
	return nil
}

// CreateCity inserts a new, unprovisioned city.
func (s *Store) CreateCity(ctx context.Context, c City) error {
	sql, args, err := database.Insert(s.table, s.dialect).
		Columns("id", "slug", "name").
		Row(c.ID, c.Slug, c.Name).
		Build()
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return errs.Annotate(err, fmt.Sprintf("create city %q", c.Slug))
	}
	return nil
}

// EnsureSchema creates the cities table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.createSQL()); err != nil {
		return errs.Annotate(err, "create control-plane table")
	}
	return nil
}

func (s *Store) selectSQL() string {
	if s.dialect == database.DialectMySQL {
		return fmt.Sprintf("SELECT CAST(`id` AS CHAR), `slug`, `name`, `db_url` FROM `%s` WHERE `slug` = ?", s.table)
	}
	return fmt.Sprintf(`SELECT "id"::text, "slug", "name", "db_url" FROM %s WHERE "slug" = $1`,
		database.QuoteIdent(s.table))
}

func (s *Store) createSQL() string {
	if s.dialect == database.DialectMySQL {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
			"`id` VARCHAR(64) PRIMARY KEY, "+
			"`slug` VARCHAR(128) NOT NULL UNIQUE, "+
			"`name` VARCHAR(255) NOT NULL, "+
			"`db_url` TEXT NULL)", s.table)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (`+
		`"id" text PRIMARY KEY, `+
		`"slug" text NOT NULL UNIQUE, `+
		`"name" text NOT NULL, `+
		`"db_url" text)`, database.QuoteIdent(s.table))
}
