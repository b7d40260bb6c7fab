package main

import (
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/migrate"
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/spf13/cobra"
)

var migrateFlags struct {
	filter         string
	truncate       bool
	skipIfNotEmpty bool
	batchSize      int
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <city> <table>...",
	Short: "Copy a city's rows of individual tables into its database",
	Long: `Copies rows from the source into an already provisioned city database,
one table at a time and in the order given. Each table is copied in a
single transaction. Tables missing from the target are skipped.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	f := migrateCmd.Flags()
	f.StringVar(&migrateFlags.filter, "filter", string(provision.FilterCity), "Rows to copy: city, legacy or none")
	f.BoolVar(&migrateFlags.truncate, "truncate", false, "Empty target tables before copying")
	f.BoolVar(&migrateFlags.skipIfNotEmpty, "skip-if-not-empty", false, "Leave target tables that already hold rows untouched")
	f.IntVar(&migrateFlags.batchSize, "batch-size", 0, "Rows per page (default from config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	slug, tables := args[0], args[1:]

	mode, err := provision.ParseFilterMode(migrateFlags.filter)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	for _, t := range tables {
		if _, ok := a.registry.ModuleOf(t); !ok {
			return errs.Newf(errs.ErrKindInvalidInput, "table %q is not part of any module", t)
		}
	}

	cp, err := a.controlPlane(ctx)
	if err != nil {
		return err
	}
	city, err := cp.GetCity(ctx, slug)
	if err != nil {
		return err
	}
	if !city.Provisioned() {
		return errs.Newf(errs.ErrKindInvalidInput, "city %q has no database yet, run provision first", slug)
	}

	source, err := a.conns.Source(ctx)
	if err != nil {
		return err
	}
	target, err := a.conns.Tenant(ctx, slug)
	if err != nil {
		return err
	}

	batch := migrateFlags.batchSize
	if batch == 0 {
		batch = a.cfg.Migration.BatchSize
	}

	results := make([]*migrate.Result, 0, len(tables))
	for _, t := range tables {
		res, err := a.migrator.MigrateTable(ctx, source, target, migrate.Options{
			Schema:               a.cfg.Tenant.Schema,
			Table:                t,
			Tenant:               mode.For(a.cfg.Tenant.Column, city.ID),
			BatchSize:            batch,
			SkipIfNotEmpty:       migrateFlags.skipIfNotEmpty,
			TruncateBeforeInsert: migrateFlags.truncate,
			MaxRows:              a.cfg.Migration.MaxRows,
			ResetSequences:       a.cfg.Migration.ResetSequences,
		})
		if err != nil {
			_ = printJSON(cmd.OutOrStdout(), results)
			return err
		}
		results = append(results, res)
	}
	return printJSON(cmd.OutOrStdout(), results)
}
