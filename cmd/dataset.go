package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/app"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/spf13/cobra"
)

var (
	showView    string
	showWait    bool
	showRefresh bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file.csv>",
	Short: "Upload a CSV file and make it the active dataset",
	Long: `Upload sends a CSV file to the backend for parsing. The result replaces the
active dataset: the previous conversation is cleared and the view returns to
the overview.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)

		d, err := a.Upload(cmd.Context(), args[0])
		if err != nil {
			return signedOut(err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Uploaded %s (%d rows, %d columns)\n\n", d.Filename, d.Rows, len(d.Columns))
		renderOverview(out, d)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active dataset in the selected view",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)

		if showRefresh {
			if _, err := a.RefreshDataset(cmd.Context()); err != nil {
				return signedOut(err)
			}
		}
		view, err := a.Session.ActiveView()
		if err != nil {
			return err
		}
		if showView != "" {
			if view, err = model.ParseView(showView); err != nil {
				return err
			}
		}
		return renderView(cmd.Context(), cmd.OutOrStdout(), a, view, showWait)
	},
}

var viewCmd = &cobra.Command{
	Use:       "view <overview|charts|stats|ask>",
	Short:     "Switch the active view and show it",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"overview", "charts", "stats", "ask"},
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := model.ParseView(args[0])
		if err != nil {
			return err
		}
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)

		if err := a.Session.SetActiveView(v); err != nil {
			return err
		}
		return renderView(cmd.Context(), cmd.OutOrStdout(), a, v, true)
	},
}

// renderView draws v for the active dataset. Statistics-backed views wait
// for the fetch started at boot when wait is set.
func renderView(ctx context.Context, w io.Writer, a *app.App, v model.View, wait bool) error {
	snap, err := a.Session.Snapshot()
	if err != nil {
		return err
	}
	if snap.Dataset == nil {
		fmt.Fprintln(w, "No dataset loaded. Run `datadash upload <file.csv>` to get started.")
		return nil
	}
	switch v {
	case model.ViewOverview:
		renderOverview(w, snap.Dataset)
	case model.ViewAsk:
		fmt.Fprintf(w, "Ask about %s\n\n", snap.Dataset.Filename)
		renderConversation(w, snap.Messages, "")
	case model.ViewCharts, model.ViewStats:
		if wait && cfg.StatsWaitSec > 0 {
			wctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.StatsWaitSec)*time.Second)
			err := a.Stats.Wait(wctx)
			cancel()
			if err != nil {
				fmt.Fprintf(w, "⚠ Statistics are still loading (%v)\n", err)
				return nil
			}
		}
		st, ok := a.Stats.Current()
		if !ok {
			if a.Stats.Loading() {
				fmt.Fprintln(w, "⚠ Statistics are loading…")
			} else {
				fmt.Fprintln(w, "⚠ Statistics are unavailable for this dataset")
			}
			return nil
		}
		if v == model.ViewCharts {
			renderCharts(w, st)
		} else {
			renderStats(w, snap.Dataset, st)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(viewCmd)
	showCmd.Flags().StringVar(&showView, "view", "", "view to show without switching: overview|charts|stats|ask")
	showCmd.Flags().BoolVar(&showWait, "wait", true, "wait for statistics before rendering charts or stats")
	showCmd.Flags().BoolVar(&showRefresh, "refresh", false, "re-read the dataset descriptor from the backend")
}
