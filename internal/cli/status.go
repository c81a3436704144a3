package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/tsimport/internal/client"
)

var (
	statusSketchID   int
	statusTimelineID int
	statusWatch      bool
	statusTimeout    time.Duration
	statusInterval   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the indexing status of a sketch or timeline",
	Long: `Show the timelines of a sketch and their indexing status.

With --timeline-id only that timeline is shown. Add --watch to poll until
indexing finished.

Examples:
  tsimport status --sketch-id 3
  tsimport status --sketch-id 3 --timeline-id 12 --watch`,
	RunE: runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.IntVar(&statusSketchID, "sketch-id", 0, "sketch to inspect")
	f.IntVar(&statusTimelineID, "timeline-id", 0, "timeline to inspect")
	f.BoolVar(&statusWatch, "watch", false, "poll until the timeline is ready or failed")
	f.DurationVar(&statusTimeout, "timeout", client.DefaultPollTimeout, "maximum time to watch")
	f.DurationVar(&statusInterval, "interval", client.DefaultPollInterval, "time between polls")
	_ = statusCmd.MarkFlagRequired("sketch-id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusWatch && statusTimelineID == 0 {
		return fmt.Errorf("--watch requires --timeline-id")
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := newClient(nil)
	out := cmd.OutOrStdout()

	if statusTimelineID == 0 {
		sketch, err := c.GetSketch(ctx, statusSketchID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sketch %d: %s\n", sketch.ID, sketch.Name)
		if len(sketch.Timelines) == 0 {
			fmt.Fprintln(out, "No timelines.")
			return nil
		}
		for _, tl := range sketch.Timelines {
			printStatusLine(cmd, tl)
		}
		return nil
	}

	tl, err := c.GetTimeline(ctx, statusSketchID, statusTimelineID)
	if err != nil {
		return err
	}
	if !statusWatch || tl.Status.Terminal() {
		printStatusLine(cmd, *tl)
		return nil
	}

	opts := client.WaitOptions{Interval: statusInterval, Timeout: statusTimeout}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		_, err := RunTimelineProgress(ctx, c, statusSketchID, tl, opts)
		return err
	}

	opts.OnStatus = func(tl client.Timeline) {
		logger.Info("timeline status", "timeline_id", tl.ID, "status", tl.Status)
	}
	tl, err = c.WaitForTimeline(ctx, statusSketchID, statusTimelineID, opts)
	if tl != nil {
		printStatusLine(cmd, *tl)
	}
	return err
}

func printStatusLine(cmd *cobra.Command, tl client.Timeline) {
	line := fmt.Sprintf("  %-6d %-12s %s", tl.ID, tl.Status, tl.Name)
	if verbose && tl.IndexName != "" {
		line += fmt.Sprintf(" [%s]", tl.IndexName)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}
