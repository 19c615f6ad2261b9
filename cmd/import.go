package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-sync/internal/importer"
)

var importDetectRemoved bool

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a catalog file (CSV or XLSX) synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Importer.ProcessFile(ctx, args[0], importer.Options{
			DetectRemoved: importDetectRemoved,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	importCmd.Flags().BoolVar(&importDetectRemoved, "detect-removed", false, "mark products missing from the file as removed")
	rootCmd.AddCommand(importCmd)
}
