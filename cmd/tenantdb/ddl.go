package main

import (
	"fmt"

	"github.com/koustreak/tenantdb/internal/ddl"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/spf13/cobra"
)

var ddlModules []string

var ddlCmd = &cobra.Command{
	Use:   "ddl [table]...",
	Short: "Print the DDL a city database would receive",
	Long: `Reads tables from the source database and prints the statements schema
sync would execute, in creation order. Foreign keys are listed last and
marked with the table they wait for. Nothing is executed.`,
	RunE: runDDL,
}

func init() {
	rootCmd.AddCommand(ddlCmd)
	ddlCmd.Flags().StringSliceVarP(&ddlModules, "modules", "m", nil, "Print the tables of these modules as well")
}

func runDDL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tables := append([]string(nil), args...)
	for _, m := range ddlModules {
		t, err := a.registry.TablesForModule(m)
		if err != nil {
			return err
		}
		tables = append(tables, t...)
	}
	if len(tables) == 0 {
		return errs.New(errs.ErrKindInvalidInput, "name at least one table or --modules")
	}

	source, err := a.sourceCatalog(ctx)
	if err != nil {
		return err
	}
	stmts, err := a.syncer.Plan(ctx, source, a.cfg.Tenant.Schema, tables)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), ddl.Script(stmts))
	return err
}
