package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/bibexport/logger"
	"github.com/teranos/bibexport/worker"
)

// WorkerCmd runs the converter worker on stdin/stdout. The exporter starts
// it; it is not meant to be run by hand.
var WorkerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the converter worker (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := worker.NewRuntime(nil, logger.Named("worker"))
		return rt.Serve(os.Stdin, os.Stdout)
	},
}
