// leadctl inspects and exports leads stored in the application database.
package main

import (
	"fmt"
	"os"

	"github.com/ashureev/leadfunnel/internal/funnel"
	"github.com/ashureev/leadfunnel/internal/leads"
	"github.com/ashureev/leadfunnel/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "leadctl",
		Short:         "Inspect and export captured leads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "./data/leadfunnel.db", "SQLite database path")

	root.AddCommand(newListCmd(&dbPath))
	root.AddCommand(newExportCmd(&dbPath))
	return root
}

func newListCmd(dbPath *string) *cobra.Command {
	var xlsxPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print stored leads as JSON lines",
		Long: "Print stored leads as JSON lines. The database only holds leads when the\n" +
			"server runs with LEADS_BACKEND=sqlite or both; use --xlsx to read the\n" +
			"spreadsheet written by the default xlsx backend.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if xlsxPath != "" {
				return listRows(cmd.Context(), leads.NewXLSXStore(xlsxPath, funnel.Keys()), cmd.OutOrStdout())
			}
			repo, err := store.NewSQLite(*dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()
			return listLeads(cmd.Context(), repo, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "read this lead spreadsheet instead of the database")
	return cmd
}

func newExportCmd(dbPath *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored leads to a spreadsheet, replacing its contents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := store.NewSQLite(*dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			dst := leads.NewXLSXStore(out, funnel.Keys())
			n, err := exportLeads(cmd.Context(), repo, dst)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d leads to %s\n", n, dst.Path())
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "./data/leads_export.xlsx", "spreadsheet to write")
	return cmd
}
