package report

import (
	"context"

	"github.com/koustreak/tenantdb/internal/ddl"
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/koustreak/tenantdb/internal/schemasync"
)

// Planner produces the ordered DDL for a set of tables.
// *schemasync.Syncer implements it.
type Planner interface {
	Plan(ctx context.Context, source schemasync.SchemaSource, schema string, tables []string) ([]ddl.Statement, error)
}

// TableLister maps module keys to tables. *registry.Registry implements it.
type TableLister interface {
	TablesForModule(key string) ([]string, error)
}

// SchemaScript returns a ScriptFunc rendering the DDL of every module the
// run touched, read from source at archive time.
func SchemaScript(planner Planner, source schemasync.SchemaSource, modules TableLister, schema string) ScriptFunc {
	return func(ctx context.Context, res *provision.Result) (string, error) {
		var tables []string
		for _, m := range res.Modules {
			t, err := modules.TablesForModule(m.Module)
			if err != nil {
				return "", err
			}
			tables = append(tables, t...)
		}
		if len(tables) == 0 {
			return "", nil
		}

		stmts, err := planner.Plan(ctx, source, schema, tables)
		if err != nil {
			return "", err
		}
		return ddl.Script(stmts), nil
	}
}
