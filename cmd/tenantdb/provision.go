package main

import (
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/spf13/cobra"
)

var provisionFlags struct {
	modules        []string
	flow           string
	filter         string
	truncate       bool
	skipIfNotEmpty bool
	batchSize      int
}

var provisionCmd = &cobra.Command{
	Use:   "provision <city>",
	Short: "Create a city's database, its module schemas and, optionally, its data",
	Long: `Runs the provisioning state machine for one city:

  database created → connected to target → schema synced →
  data migrated → control plane updated

Every step is idempotent; a failed run is simply started again.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

var enableFilter string

var enableModuleCmd = &cobra.Command{
	Use:   "enable-module <city> <module>",
	Short: "Add a module's tables and the city's rows to an existing city database",
	Args:  cobra.ExactArgs(2),
	RunE:  runEnableModule,
}

func init() {
	rootCmd.AddCommand(provisionCmd, enableModuleCmd)

	f := provisionCmd.Flags()
	f.StringSliceVarP(&provisionFlags.modules, "modules", "m", nil, "Modules to provision (default: all)")
	f.StringVar(&provisionFlags.flow, "flow", string(provision.FlowNewCity), "new: schema only; existing: schema and data")
	f.StringVar(&provisionFlags.filter, "filter", string(provision.FilterCity), "Rows to copy: city, legacy (tenant column NULL) or none")
	f.BoolVar(&provisionFlags.truncate, "truncate", false, "Empty target tables before copying")
	f.BoolVar(&provisionFlags.skipIfNotEmpty, "skip-if-not-empty", false, "Leave target tables that already hold rows untouched")
	f.IntVar(&provisionFlags.batchSize, "batch-size", 0, "Rows per page (default from config)")

	enableModuleCmd.Flags().StringVar(&enableFilter, "filter", string(provision.FilterCity), "Rows to copy: city, legacy or none")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	batch := provisionFlags.batchSize
	if batch == 0 {
		batch = a.cfg.Migration.BatchSize
	}

	res, err := orch.Provision(ctx, provision.Request{
		City:                 args[0],
		Modules:              provisionFlags.modules,
		Flow:                 provision.Flow(provisionFlags.flow),
		Filter:               provision.FilterMode(provisionFlags.filter),
		SkipIfNotEmpty:       provisionFlags.skipIfNotEmpty,
		TruncateBeforeInsert: provisionFlags.truncate,
		BatchSize:            batch,
	})
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func runEnableModule(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	res, err := orch.EnableModule(ctx, args[0], args[1], provision.FilterMode(enableFilter))
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}
