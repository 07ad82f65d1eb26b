package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bibexport/am"
)

// CacheCmd groups cache maintenance
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the output cache",
	Long: `The cache keeps each record's converted output per converter, display
options and preferences. Entries are dropped when a converter changes and
reaped when untouched for longer than cache.ttl_hours.

Examples:
  bibexport cache stats
  bibexport cache reap
  bibexport cache clear
  bibexport cache disable`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached entries per converter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		stats, err := a.cache.Stats(ctx)
		if err != nil {
			return err
		}
		state := "enabled"
		if !a.cache.Enabled() {
			state = "disabled"
		}
		pterm.Info.Printfln("Cache %s (backend %s)", state, a.cfg.Cache.Backend)
		if len(stats) == 0 {
			pterm.Println("No cached entries")
			return nil
		}

		data := pterm.TableData{{"Converter", "Entries", "Oldest", "Newest"}}
		for _, st := range stats {
			data = append(data, []string{
				st.Converter,
				strconv.Itoa(st.Entries),
				st.Oldest.Local().Format("2006-01-02 15:04"),
				st.Newest.Local().Format("2006-01-02 15:04"),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var cacheReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Evict entries older than the configured TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		n, err := a.cache.Reap(ctx, a.cfg.Cache.TTL())
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Reaped %d entries older than %s", n, a.cfg.Cache.TTL())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		n, err := a.cache.Clear(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Cleared %d entries", n)
		return nil
	},
}

func cacheToggleCmd(enabled bool) *cobra.Command {
	use := "disable"
	if enabled {
		use = "enable"
	}
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s the cache in the user config", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := am.SetCacheEnabled(enabled); err != nil {
				return err
			}
			pterm.Success.Printfln("Cache %sd in %s", use, am.UserConfigPath())
			return nil
		},
	}
}

func init() {
	CacheCmd.AddCommand(cacheStatsCmd)
	CacheCmd.AddCommand(cacheReapCmd)
	CacheCmd.AddCommand(cacheClearCmd)
	CacheCmd.AddCommand(cacheToggleCmd(true))
	CacheCmd.AddCommand(cacheToggleCmd(false))
}
