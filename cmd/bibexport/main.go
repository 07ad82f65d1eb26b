package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/bibexport/cmd/bibexport/commands"
	"github.com/teranos/bibexport/logger"
)

var rootCmd = &cobra.Command{
	Use:   "bibexport",
	Short: "bibexport - export bibliographic libraries to citation formats",
	Long: `bibexport - export bibliographic libraries to citation formats.

Records from a library snapshot are converted by a background worker into
BibTeX, BibLaTeX, CSL JSON/YAML and more. Converted records are cached per
converter and settings, so repeated exports only convert what changed.

Available commands:
  export      - Run one export
  autoexport  - Run or inspect configured auto-exports
  cache       - Inspect and maintain the output cache
  jobs        - Show export job history
  serve       - Start the HTTP/websocket server with auto-exports
  version     - Show version information

Examples:
  bibexport export --converter bibtex --path ~/refs.bib
  bibexport export -c csljson --scope collection:THESIS
  bibexport cache stats
  bibexport serve`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: layered am.toml lookup)")

	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.AutoExportCmd)
	rootCmd.AddCommand(commands.CacheCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
