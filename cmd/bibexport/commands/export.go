package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/export"
	"github.com/teranos/bibexport/pulse"
)

// ExportCmd runs a single export
var ExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run one export",
	Long: `Export records with one converter.

The converter may be given by id, label or shortcut (bibtex, biblatex,
csljson, cslyaml, json, ids). Without --scope the default library is
exported. Without --path the result is written to stdout.

Display options and preferences take key=value pairs; values are parsed as
YAML scalars, so true, 3 and "text" keep their types.

Examples:
  bibexport export -c bibtex --path ~/refs.bib
  bibexport export -c biblatex --scope collection:THESIS -o exportNotes=true
  bibexport export -c csljson --scope library:2 --pref ascii_bibtex=true`,
	RunE: runExport,
}

var (
	exportConverter string
	exportScope     string
	exportPath      string
	exportOptions   []string
	exportPrefs     []string
	exportQuiet     bool
)

func init() {
	ExportCmd.Flags().StringVarP(&exportConverter, "converter", "c", "", "Converter id, label or shortcut (required)")
	ExportCmd.Flags().StringVarP(&exportScope, "scope", "s", "", "library:<id> or collection:<id|key> (default: configured library)")
	ExportCmd.Flags().StringVarP(&exportPath, "path", "p", "", "Destination file (default: stdout)")
	ExportCmd.Flags().StringArrayVarP(&exportOptions, "option", "o", nil, "Display option key=value (repeatable)")
	ExportCmd.Flags().StringArrayVar(&exportPrefs, "pref", nil, "Preference override key=value (repeatable)")
	ExportCmd.Flags().BoolVarP(&exportQuiet, "quiet", "q", false, "Hide the progress bar")
	ExportCmd.MarkFlagRequired("converter")
}

func runExport(cmd *cobra.Command, args []string) error {
	options, err := parseKeyValues(exportOptions)
	if err != nil {
		return errors.Wrap(err, "invalid --option")
	}
	prefs, err := parseKeyValues(exportPrefs)
	if err != nil {
		return errors.Wrap(err, "invalid --pref")
	}
	var scope *export.Scope
	if exportScope != "" {
		if scope, err = export.ParseScope(exportScope); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	a.maintainCache(ctx, nil)

	job := &export.Job{
		ConverterID:    exportConverter,
		DisplayOptions: options,
		Scope:          scope,
		Path:           exportPath,
		Preferences:    prefs,
	}

	if !exportQuiet {
		bar := startProgress(a.events)
		defer bar.stop()
	}

	future, err := a.exporter.Submit(job)
	if err != nil {
		return err
	}

	select {
	case <-future.Done():
	case <-ctx.Done():
		// jobs already handed to the worker still finish
		job.Cancel()
		<-future.Done()
	}
	res, err := future.Result()
	if err != nil {
		return err
	}
	if res.Canceled {
		pterm.Warning.Println("Export cancelled")
		return nil
	}

	if exportPath == "" {
		fmt.Fprint(cmd.OutOrStdout(), res.Output)
		return nil
	}
	pterm.Success.Printfln("Exported to %s (%d bytes)", job.Path, len(res.Output))
	return nil
}

// parseKeyValues turns key=value pairs into a map, typing values as YAML
// scalars
func parseKeyValues(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("expected key=value, got %q", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}

// progressBar renders bus progress events on stderr
type progressBar struct {
	events *pulse.Bus
	sub    chan pulse.Event
	done   chan struct{}
	quit   chan struct{}
}

func startProgress(events *pulse.Bus) *progressBar {
	p := &progressBar{
		events: events,
		sub:    events.Subscribe(),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *progressBar) run() {
	defer close(p.done)

	var bar *pterm.ProgressbarPrinter
	var title string
	current := 0
	for {
		select {
		case <-p.quit:
			if bar != nil {
				bar.Stop()
			}
			return
		case e := <-p.sub:
			switch e.Kind {
			case pulse.EventNotice:
				fmt.Fprintln(os.Stderr, pterm.Warning.Sprint(e.Message))
			case pulse.EventProgress:
				// each phase (preparing, converting) gets its own bar
				if bar == nil || e.Message != title {
					if bar != nil {
						bar.Stop()
					}
					title, current = e.Message, 0
					bar, _ = pterm.DefaultProgressbar.
						WithTotal(100).
						WithTitle(title).
						WithWriter(os.Stderr).
						WithRemoveWhenDone(true).
						Start()
					if bar == nil {
						continue
					}
				}
				if e.Percent > current {
					bar.Add(e.Percent - current)
					current = e.Percent
				}
			case pulse.EventDone:
				if bar != nil {
					bar.Stop()
					bar = nil
				}
			}
		}
	}
}

func (p *progressBar) stop() {
	close(p.quit)
	<-p.done
	p.events.Unsubscribe(p.sub)
}
