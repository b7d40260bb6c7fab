package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modulesJSON bool

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the configured modules and their tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if modulesJSON {
			return printJSON(cmd.OutOrStdout(), a.registry.Modules())
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODULE\tTABLES")
		for _, m := range a.registry.Modules() {
			fmt.Fprintf(w, "%s\t%s\n", m.Key, strings.Join(m.Tables, ", "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.Flags().BoolVar(&modulesJSON, "json", false, "Print JSON")
}
