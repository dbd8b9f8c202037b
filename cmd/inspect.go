package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cadence-cli/internal/browser/dom"
	"github.com/xkilldash9x/cadence-cli/internal/config"
	"github.com/xkilldash9x/cadence-cli/internal/detector"
	"github.com/xkilldash9x/cadence-cli/internal/locator"
	"github.com/xkilldash9x/cadence-cli/internal/observability"
)

// InspectReport is what inspect prints for one snapshot.
type InspectReport struct {
	File    string                  `json:"file"`
	State   string                  `json:"state"`
	Reason  string                  `json:"reason,omitempty"`
	Detail  string                  `json:"detail,omitempty"`
	Actions map[string]ActionReport `json:"actions"`
}

// ActionReport is the locator result for one logical action.
type ActionReport struct {
	Found    bool   `json:"found"`
	Strategy string `json:"strategy,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Label    string `json:"label,omitempty"`
	Text     string `json:"text,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var pageURL string
	cmd := &cobra.Command{
		Use:   "inspect <file.html>",
		Short: "Classify a saved page snapshot and show what each action resolves to",
		Long: `Inspect loads an HTML snapshot, such as one written to debug.snapshot_dir,
and prints the detected page state and the locator result for every configured
action. Iframes are only followed when their document is inlined with srcdoc.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := inspectFile(cmd.Context(), config.Get(), args[0], pageURL)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "URL to attribute to the snapshot (defaults to target.url)")
	return cmd
}

func inspectFile(ctx context.Context, cfg *config.Config, path, pageURL string) (*InspectReport, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if pageURL == "" {
		pageURL = cfg.Target.URL
	}
	page, err := dom.New(pageURL, string(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	logger := observability.GetLogger()
	loc := locator.NewFromConfig(cfg.Locator, logger)
	state := detector.New(cfg, loc, logger).Detect(ctx, page)

	report := &InspectReport{
		File:    filepath.Base(path),
		State:   state.Kind.String(),
		Reason:  state.Reason,
		Detail:  state.Detail,
		Actions: make(map[string]ActionReport),
	}

	names := make([]string, 0, len(cfg.Actions))
	for name := range cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target, err := loc.Probe(ctx, page, locator.ActionFromConfig(cfg, name))
		switch {
		case errors.Is(err, locator.ErrNotFound):
			report.Actions[name] = ActionReport{}
		case err != nil:
			return nil, fmt.Errorf("probing %q: %w", name, err)
		default:
			el := target.Element
			report.Actions[name] = ActionReport{
				Found:    true,
				Strategy: target.Strategy,
				Tag:      el.Tag,
				Label:    el.Label,
				Text:     el.Text,
			}
		}
	}
	return report, nil
}

func writeReport(w io.Writer, report *InspectReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
