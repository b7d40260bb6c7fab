package main

import (
	"context"
	"fmt"

	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/report"
	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Browse archived provisioning reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list <city>",
	Short: "List the archived report objects of a city",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchiver(cmd.Context(), func(arch *report.Archiver) error {
			objects, err := arch.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, o := range objects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", o.LastModified.Format("2006-01-02 15:04:05"), o.Size, o.Key)
			}
			return nil
		})
	},
}

var reportsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print an archived object, e.g. springfield/20261015T101500Z/result.json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchiver(cmd.Context(), func(arch *report.Archiver) error {
			return arch.Fetch(cmd.Context(), args[0], cmd.OutOrStdout())
		})
	},
}

func withArchiver(ctx context.Context, fn func(*report.Archiver) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	arch, err := a.archiver(ctx)
	if err != nil {
		return err
	}
	if arch == nil {
		return errs.New(errs.ErrKindConfiguration, "report archive is disabled, set report.enabled")
	}
	return fn(arch)
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd, reportsGetCmd)
}
