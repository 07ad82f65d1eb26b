package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bibexport/errors"
)

// AutoExportCmd runs and inspects configured auto-exports
var AutoExportCmd = &cobra.Command{
	Use:     "autoexport",
	Aliases: []string{"ae"},
	Short:   "Run or inspect configured auto-exports",
	Long: `Auto-exports are configured under [[autoexport]] in am.toml. "bibexport serve"
keeps them up to date; these commands run them on demand.

Examples:
  bibexport autoexport run             # Run every auto-export once
  bibexport autoexport run thesis-bib  # Run one
  bibexport autoexport status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var autoExportRunCmd = &cobra.Command{
	Use:   "run [id...]",
	Short: "Run auto-exports now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		runner, err := a.runner()
		if err != nil {
			return err
		}
		a.maintainCache(ctx, runner)

		if len(args) == 0 {
			if len(runner.IDs()) == 0 {
				pterm.Info.Println("No auto-exports configured")
				return nil
			}
			if err := runner.RunAll(ctx); err != nil {
				return err
			}
			pterm.Success.Printfln("Ran %d auto-exports", len(runner.IDs()))
			return nil
		}

		var failed int
		for _, id := range args {
			if err := runner.RunOnce(ctx, id); err != nil {
				pterm.Error.Printfln("%s: %v", id, err)
				failed++
				continue
			}
			pterm.Success.Printfln("%s done", id)
		}
		if failed > 0 {
			return errors.Newf("%d of %d auto-exports failed", failed, len(args))
		}
		return nil
	},
}

var autoExportStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last outcome of each auto-export",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		states, err := a.autoexports.List()
		if err != nil {
			return err
		}
		if len(states) == 0 {
			pterm.Println("No auto-exports registered")
			return nil
		}

		data := pterm.TableData{{"ID", "Status", "Path", "Last run", "Error"}}
		for _, st := range states {
			lastRun := "never"
			if st.LastRun != nil {
				lastRun = st.LastRun.Local().Format("2006-01-02 15:04:05")
			}
			data = append(data, []string{st.ID, string(st.Status), st.Path, lastRun, st.Error})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	AutoExportCmd.AddCommand(autoExportRunCmd)
	AutoExportCmd.AddCommand(autoExportStatusCmd)
}
