package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nnbackend/internal/registry"
)

func newModelsCmd(opts *cliOptions) *cobra.Command {
	var (
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List *.gguf models in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("models-dir") {
				cfg.Server.ModelsDir = dir
			}
			models, err := registry.LoadDir(cfg.Server.ModelsDir)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIZE_MB\tVERSION")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", m.ID, m.SizeBytes>>20, m.Version)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "models-dir", "~/models/llm", "Directory to scan")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
