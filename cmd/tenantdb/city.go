package main

import (
	"github.com/koustreak/tenantdb/internal/controlplane"
	"github.com/spf13/cobra"
)

var cityID string

var cityCmd = &cobra.Command{
	Use:   "city",
	Short: "Manage city records in the control plane",
}

var cityAddCmd = &cobra.Command{
	Use:   "add <slug> <name>",
	Short: "Register a city, creating the control-plane table if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		// a slug that cannot name its own database is refused up front
		if _, err := a.conns.TenantDatabase(args[0]); err != nil {
			return err
		}

		cp, err := a.controlPlane(ctx)
		if err != nil {
			return err
		}
		if err := cp.EnsureSchema(ctx); err != nil {
			return err
		}

		id := cityID
		if id == "" {
			id = args[0]
		}
		if err := cp.CreateCity(ctx, controlplane.City{ID: id, Slug: args[0], Name: args[1]}); err != nil {
			return err
		}
		a.log.City(args[0]).Info("city registered")
		return nil
	},
}

var cityShowCmd = &cobra.Command{
	Use:   "show <slug>",
	Short: "Print a city record and whether it is provisioned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		cp, err := a.controlPlane(ctx)
		if err != nil {
			return err
		}
		city, err := cp.GetCity(ctx, args[0])
		if err != nil {
			return err
		}
		dbName, err := a.conns.TenantDatabase(city.Slug)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), struct {
			*controlplane.City
			Provisioned bool   `json:"provisioned"`
			Database    string `json:"database"`
		}{city, city.Provisioned(), dbName})
	},
}

func init() {
	rootCmd.AddCommand(cityCmd)
	cityCmd.AddCommand(cityAddCmd, cityShowCmd)
	cityAddCmd.Flags().StringVar(&cityID, "id", "", "Tenant ID stored in the source's tenant column (default: the slug)")
}
