package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/risetech/openfiscal/internal/export"
)

var (
	exportFormats []string
	exportDir     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the joined dataset to JSON, CSV and XLSX artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportDir != "" {
			cfg.Export.Dir = exportDir
		}
		if err := cfg.Validate("export"); err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		return export.Export(cmd.Context(), st, cfg.Export.Dir, exportFormats)
	},
}

func init() {
	exportCmd.Flags().StringSliceVar(&exportFormats, "format",
		[]string{export.FormatJSON, export.FormatCSV, export.FormatXLSX},
		"formats to write (json, csv, xlsx)")
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "output directory (default from config)")
	rootCmd.AddCommand(exportCmd)
}
