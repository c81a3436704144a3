package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/tsimport/internal/batch"
	"github.com/raphaelgruber/tsimport/internal/client"
	"github.com/raphaelgruber/tsimport/internal/config"
	"github.com/raphaelgruber/tsimport/internal/importer"
	"github.com/raphaelgruber/tsimport/internal/metrics"
	"github.com/raphaelgruber/tsimport/internal/rules"
)

// importOptions holds the flags shared by the upload and s3 commands.
type importOptions struct {
	SketchID       int
	SketchName     string
	TimelineName   string
	IndexName      string
	DataLabel      string
	FormatString   string
	TimestampDesc  string
	DatetimeColumn string
	CSVDelimiter   string
	TextEncoding   string
	Sheet          string
	EntryThreshold int
	SizeThreshold  int
	ChunkSize      int
	RulesFile      string
	NoDefaultRules bool
	SkipInvalid    bool
	Wait           bool
	WaitTimeout    time.Duration
	MetricsFile    string
}

var imp importOptions

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload CSV, JSONL, Excel or evidence files into a sketch",
	Long: `Upload files into a Timesketch sketch. Each file becomes one timeline.

CSV, JSONL and Excel (.xlsx) files are shaped record by record and sent in
batches. Excel files are read from the first sheet unless --sheet names one. Plaso
storage files and Mandiant archives are sent in chunks and indexed by the
server.

Examples:
  tsimport upload --sketch-id 3 logins.csv
  tsimport upload --sketch-name "Case 42" --timeline-name web web.jsonl
  tsimport upload --sketch-id 3 --sheet Logins triage.xlsx
  tsimport upload --sketch-id 3 --wait host.plaso
  tsimport upload -c import.yaml events.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	addImportFlags(uploadCmd)
}

func addImportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&imp.SketchID, "sketch-id", 0, "sketch to import into (created when omitted)")
	f.StringVar(&imp.SketchName, "sketch-name", "", "name of the sketch to create when no sketch id is given")
	f.StringVar(&imp.TimelineName, "timeline-name", "", "timeline name (default: file name without extension)")
	f.StringVar(&imp.IndexName, "index-name", "", "existing search index to import into")
	f.StringVar(&imp.DataLabel, "data-label", "", "data label (default: file extension)")
	f.StringVar(&imp.FormatString, "format-string", "", "message format, e.g. '{user} logged in from {ip}'")
	f.StringVar(&imp.TimestampDesc, "timestamp-desc", "Time Logged", "timestamp description of records without one")
	f.StringVar(&imp.DatetimeColumn, "datetime-column", "", "column holding the event time")
	f.StringVar(&imp.CSVDelimiter, "csv-delimiter", ",", "CSV field delimiter")
	f.StringVar(&imp.TextEncoding, "text-encoding", "utf-8", "encoding of CSV and JSONL files")
	f.StringVar(&imp.Sheet, "sheet", "", "worksheet of Excel files (default: the first)")
	f.IntVar(&imp.EntryThreshold, "threshold-entry", batch.DefaultEntryThreshold, "maximum records per batch")
	f.IntVar(&imp.SizeThreshold, "threshold-size", batch.DefaultSizeThreshold, "maximum bytes per batch")
	f.IntVar(&imp.ChunkSize, "chunk-size", client.DefaultChunkSize, "chunk size for evidence files")
	f.StringVar(&imp.RulesFile, "rules", "", "YAML file with formatting rules")
	f.BoolVar(&imp.NoDefaultRules, "no-default-rules", false, "do not load the built-in formatting rules")
	f.BoolVar(&imp.SkipInvalid, "skip-invalid", false, "log and skip rows that cannot be read")
	f.BoolVar(&imp.Wait, "wait", false, "wait until the server finished indexing")
	f.DurationVar(&imp.WaitTimeout, "wait-timeout", client.DefaultPollTimeout, "maximum time to wait for indexing")
	f.StringVar(&imp.MetricsFile, "metrics-file", "", "write Prometheus metrics of the run to this file")
}

// mergeSettings fills every option whose flag was not given from the
// settings file.
func mergeSettings(o importOptions, changed func(string) bool, s config.ImportSettings) importOptions {
	str := func(flag string, dst *string, v string) {
		if !changed(flag) && v != "" {
			*dst = v
		}
	}
	num := func(flag string, dst *int, v int) {
		if !changed(flag) && v != 0 {
			*dst = v
		}
	}
	flag := func(name string, dst *bool, v bool) {
		if !changed(name) && v {
			*dst = v
		}
	}

	num("sketch-id", &o.SketchID, s.SketchID)
	str("sketch-name", &o.SketchName, s.SketchName)
	str("timeline-name", &o.TimelineName, s.TimelineName)
	str("index-name", &o.IndexName, s.IndexName)
	str("data-label", &o.DataLabel, s.DataLabel)
	str("format-string", &o.FormatString, s.FormatString)
	str("timestamp-desc", &o.TimestampDesc, s.TimestampDesc)
	str("datetime-column", &o.DatetimeColumn, s.DatetimeColumn)
	str("csv-delimiter", &o.CSVDelimiter, s.CSVDelimiter)
	str("text-encoding", &o.TextEncoding, s.TextEncoding)
	str("sheet", &o.Sheet, s.SheetName)
	num("threshold-entry", &o.EntryThreshold, s.EntryThreshold)
	num("threshold-size", &o.SizeThreshold, s.SizeThreshold)
	num("chunk-size", &o.ChunkSize, s.ChunkSize)
	str("rules", &o.RulesFile, s.RulesFile)
	flag("no-default-rules", &o.NoDefaultRules, s.NoDefaultRules)
	flag("skip-invalid", &o.SkipInvalid, s.SkipInvalidLines)
	flag("wait", &o.Wait, s.Wait)
	return o
}

// loadMatcher builds the rule matcher for a run.
func loadMatcher(opts importOptions) (*rules.Matcher, error) {
	m := rules.NewMatcher(logger)
	if !opts.NoDefaultRules {
		defaults, err := rules.Default()
		if err != nil {
			return nil, err
		}
		m.Add(defaults...)
	}
	if opts.RulesFile != "" {
		if err := m.AddFile(opts.RulesFile); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	opts := mergeSettings(imp, cmd.Flags().Changed, fileSettings)

	ctx, cancel := signalContext()
	defer cancel()

	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
	}
	return importFiles(ctx, cmd.OutOrStdout(), opts, args)
}

// importFiles runs one import session per file.
func importFiles(ctx context.Context, out io.Writer, opts importOptions, paths []string) error {
	collector := metrics.NewCollector()
	c := newClient(collector)

	matcher, err := loadMatcher(opts)
	if err != nil {
		return err
	}

	sketchID, err := resolveSketch(ctx, c, opts)
	if err != nil {
		return err
	}

	interactive := opts.Wait && term.IsTerminal(int(os.Stdout.Fd()))

	var failed []error
	for _, path := range paths {
		tl, err := importFile(ctx, c, collector, matcher, sketchID, opts, path, interactive)
		if err != nil {
			logger.Error("import failed", "file", path, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", path, err))
			if errors.Is(err, importer.ErrCancelled) {
				break
			}
			continue
		}
		printTimeline(out, path, sketchID, tl)
	}

	if verbose {
		printStats(out, collector.Snapshot())
	}
	if opts.MetricsFile != "" {
		if err := collector.WriteTextfile(opts.MetricsFile); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// resolveSketch returns the sketch to import into, creating it when needed.
func resolveSketch(ctx context.Context, c *client.Client, opts importOptions) (int, error) {
	if opts.SketchID > 0 {
		sketch, err := c.GetSketch(ctx, opts.SketchID)
		if err != nil {
			return 0, err
		}
		logger.Debug("using sketch", "sketch_id", sketch.ID, "name", sketch.Name, "timelines", len(sketch.Timelines))
		return sketch.ID, nil
	}

	name := opts.SketchName
	if name == "" {
		name = "Imported with tsimport " + time.Now().UTC().Format(time.DateTime)
	}
	sketch, err := c.CreateSketch(ctx, name, "Created by tsimport")
	if err != nil {
		return 0, err
	}
	return sketch.ID, nil
}

func importFile(
	ctx context.Context,
	c *client.Client,
	collector *metrics.Collector,
	matcher *rules.Matcher,
	sketchID int,
	opts importOptions,
	path string,
	interactive bool,
) (*client.Timeline, error) {
	s := importer.New(c, importer.Options{Logger: logger, Metrics: collector, Matcher: matcher})
	s.SetSketch(sketchID)
	s.SetTimelineName(opts.TimelineName)
	s.SetDataLabel(opts.DataLabel)
	s.SetMessageFormat(opts.FormatString)
	s.SetTimestampDesc(opts.TimestampDesc)
	s.SetDatetimeColumn(opts.DatetimeColumn)
	s.SetCSVDelimiter(opts.CSVDelimiter)
	s.SetTextEncoding(opts.TextEncoding)
	s.SetSheet(opts.Sheet)
	s.SetEntryThreshold(opts.EntryThreshold)
	s.SetSizeThreshold(opts.SizeThreshold)
	s.SetChunkSize(opts.ChunkSize)
	s.SetSkipInvalid(opts.SkipInvalid)
	if opts.IndexName != "" {
		s.SetIndexName(opts.IndexName)
	}

	waitOpts := client.WaitOptions{
		Timeout: opts.WaitTimeout,
		OnStatus: func(tl client.Timeline) {
			logger.Info("timeline status", "timeline_id", tl.ID, "status", tl.Status)
		},
	}
	// The interactive view polls by itself after the session closed.
	s.SetWait(opts.Wait && !interactive, waitOpts)

	err := s.Run(ctx, func(s *importer.Streamer) error {
		return s.AddFile(ctx, path)
	})
	if err != nil {
		return s.Timeline(), err
	}

	tl := s.Timeline()
	if interactive && tl != nil {
		return RunTimelineProgress(ctx, c, sketchID, tl, waitOpts)
	}
	return tl, nil
}

func printTimeline(w io.Writer, path string, sketchID int, tl *client.Timeline) {
	if tl == nil {
		fmt.Fprintf(w, "Uploaded %s to sketch %d\n", path, sketchID)
		return
	}
	fmt.Fprintf(w, "Uploaded %s to sketch %d: timeline %q (id %d, status %s)\n", path, sketchID, tl.Name, tl.ID, tl.Status)
	if verbose && tl.IndexName != "" {
		fmt.Fprintf(w, "  Index: %s\n", tl.IndexName)
	}
}

// printStats displays session statistics.
func printStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "\nImport Statistics\n")
	fmt.Fprintf(w, "═════════════════\n")
	fmt.Fprintf(w, "Elapsed: %.1f seconds\n", snap.ElapsedSeconds)
	fmt.Fprintf(w, "Records: %d (skipped %d)\n", snap.Records, snap.Skipped)

	if snap.BatchUpload != nil {
		fmt.Fprintf(w, "\nBatch uploads:\n")
		printOpStats(w, snap.BatchUpload)
	}
	if snap.ChunkUpload != nil {
		fmt.Fprintf(w, "\nChunk uploads:\n")
		printOpStats(w, snap.ChunkUpload)
	}
	if snap.Poll != nil {
		fmt.Fprintf(w, "\nStatus polls:\n")
		printOpStats(w, snap.Poll)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d (failed %d), Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	if op.Bytes > 0 {
		fmt.Fprintf(w, "  Sent: %d bytes\n", op.Bytes)
	}
}
