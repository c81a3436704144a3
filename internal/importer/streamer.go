// Package importer streams events and evidence files into a Timesketch sketch.
//
// A Streamer owns one import session: it applies formatting rules, shapes
// records, batches them under count and size thresholds and sends the batches
// in order under a single upload identifier. Binary evidence files switch the
// session to the chunked upload protocol.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/raphaelgruber/tsimport/internal/batch"
	"github.com/raphaelgruber/tsimport/internal/client"
	"github.com/raphaelgruber/tsimport/internal/event"
	"github.com/raphaelgruber/tsimport/internal/metrics"
	"github.com/raphaelgruber/tsimport/internal/rules"
)

// Sentinel errors.
var (
	ErrSessionMisuse   = errors.New("session misuse")
	ErrSessionFailed   = errors.New("session failed")
	ErrCancelled       = errors.New("session cancelled")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrInvalidInput    = errors.New("invalid input")
)

// State is the lifecycle position of a Streamer.
type State int

// Streamer states.
const (
	StateInit State = iota
	StateConfigured
	StateStreaming
	StateFlushed
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Uploader sends data to the server. *client.Client implements it.
type Uploader interface {
	UploadEvents(ctx context.Context, b client.EventBatch) (*client.Timeline, error)
	UploadFile(ctx context.Context, path string, u client.FileUpload) (*client.Timeline, error)
	WaitForTimeline(ctx context.Context, sketchID, timelineID int, opts client.WaitOptions) (*client.Timeline, error)
}

// Settings is the configuration of a session.
type Settings struct {
	SketchID       int
	TimelineName   string
	IndexName      string
	DataLabel      string
	DataType       string
	MessageFormat  string
	TimestampDesc  string
	DatetimeColumn string
	CSVDelimiter   string
	TextEncoding   string
	Sheet          string // worksheet of Excel files, empty for the first
	EntryThreshold int
	SizeThreshold  int
	ChunkSize      int
}

// DefaultSettings returns the settings of a new Streamer.
func DefaultSettings() Settings {
	return Settings{
		CSVDelimiter:   ",",
		TextEncoding:   "utf-8",
		EntryThreshold: batch.DefaultEntryThreshold,
		SizeThreshold:  batch.DefaultSizeThreshold,
		ChunkSize:      client.DefaultChunkSize,
	}
}

// Options configures a Streamer.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// Matcher selects formatting rules once per session. Nil disables matching.
	Matcher *rules.Matcher
}

// Streamer is a single import session. It is not safe for concurrent use;
// independent Streamers may share one Uploader.
type Streamer struct {
	up      Uploader
	logger  *slog.Logger
	metrics *metrics.Collector
	matcher *rules.Matcher

	cfg         Settings
	skipInvalid bool
	wait        bool
	waitOpts    client.WaitOptions

	state    State
	err      error
	uploadID string

	matched      bool
	labelWarned  bool
	fileAdded    bool
	eventsClosed bool

	shaper   *event.Shaper
	buf      *batch.Buffer
	timeline *client.Timeline
}

// New creates a Streamer in the init state.
func New(up Uploader, opts Options) *Streamer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Streamer{
		up:       up,
		logger:   logger,
		metrics:  collector,
		matcher:  opts.Matcher,
		cfg:      DefaultSettings(),
		uploadID: uuid.NewString(),
	}
}

// State returns the current lifecycle state.
func (s *Streamer) State() State { return s.state }

// Err returns the error that failed the session, if any.
func (s *Streamer) Err() error { return s.err }

// UploadID returns the identifier shared by the current upload's requests.
func (s *Streamer) UploadID() string { return s.uploadID }

// Settings returns the current configuration.
func (s *Streamer) Settings() Settings { return s.cfg }

// Timeline returns the last timeline acknowledged by the server, or nil.
func (s *Streamer) Timeline() *client.Timeline { return s.timeline }

// Metrics returns the session statistics.
func (s *Streamer) Metrics() *metrics.Collector { return s.metrics }

// =============================================================================
// SETTERS
// =============================================================================

func (s *Streamer) configured() {
	if s.state == StateInit {
		s.state = StateConfigured
	}
}

// reshape drops the current shaper so the next record uses new directives.
func (s *Streamer) reshape() {
	s.configured()
	s.shaper = nil
}

// SetSketch selects the target sketch.
func (s *Streamer) SetSketch(id int) {
	s.configured()
	s.cfg.SketchID = id
}

// SetTimelineName sets the name of the resulting timeline.
func (s *Streamer) SetTimelineName(name string) {
	s.configured()
	s.cfg.TimelineName = name
}

// SetIndexName sends data into an existing search index.
func (s *Streamer) SetIndexName(name string) {
	s.configured()
	s.cfg.IndexName = name
}

// GenerateIndexName sets a new random index name and returns it.
func (s *Streamer) GenerateIndexName() string {
	s.configured()
	s.cfg.IndexName = strings.ReplaceAll(uuid.NewString(), "-", "")
	return s.cfg.IndexName
}

// SetDataLabel sets the data label of the imported data.
func (s *Streamer) SetDataLabel(label string) {
	s.configured()
	s.cfg.DataLabel = label
}

// SetDataType sets the data_type of records that have none.
func (s *Streamer) SetDataType(dataType string) {
	s.reshape()
	s.cfg.DataType = dataType
}

// SetMessageFormat sets the {field} template for the message field.
func (s *Streamer) SetMessageFormat(format string) {
	s.reshape()
	s.cfg.MessageFormat = format
}

// SetTimestampDesc sets the timestamp_desc of records that have none.
func (s *Streamer) SetTimestampDesc(desc string) {
	s.reshape()
	s.cfg.TimestampDesc = desc
}

// SetDatetimeColumn names the field holding the event time.
func (s *Streamer) SetDatetimeColumn(column string) {
	s.reshape()
	s.cfg.DatetimeColumn = column
}

// SetCSVDelimiter sets the field delimiter for CSV files.
func (s *Streamer) SetCSVDelimiter(delimiter string) {
	s.configured()
	s.cfg.CSVDelimiter = delimiter
}

// SetTextEncoding sets the encoding of text files.
func (s *Streamer) SetTextEncoding(encoding string) {
	s.configured()
	s.cfg.TextEncoding = encoding
}

// SetEntryThreshold sets the maximum records per batch. It takes effect when
// the session starts streaming.
func (s *Streamer) SetEntryThreshold(n int) {
	s.configured()
	s.warnIfStarted("entry threshold")
	s.cfg.EntryThreshold = n
}

// SetSizeThreshold sets the maximum serialized bytes per batch. It takes
// effect when the session starts streaming.
func (s *Streamer) SetSizeThreshold(n int) {
	s.configured()
	s.warnIfStarted("size threshold")
	s.cfg.SizeThreshold = n
}

// SetChunkSize sets the chunk size of binary uploads.
func (s *Streamer) SetChunkSize(n int) {
	s.configured()
	s.cfg.ChunkSize = n
}

// SetSkipInvalid makes rows that cannot be read or shaped a logged skip
// instead of a session failure.
func (s *Streamer) SetSkipInvalid(skip bool) {
	s.configured()
	s.skipInvalid = skip
}

// SetWait makes Close poll the timeline until the server finished indexing.
func (s *Streamer) SetWait(wait bool, opts client.WaitOptions) {
	s.configured()
	s.wait = wait
	s.waitOpts = opts
}

func (s *Streamer) warnIfStarted(what string) {
	if s.buf != nil {
		s.logger.Warn(what + " changed after streaming started, keeping the current batch limits")
	}
}

var _ rules.Configurable = (*Streamer)(nil)

// =============================================================================
// SESSION
// =============================================================================

// check returns an error when no more input is accepted.
func (s *Streamer) check(ctx context.Context) error {
	switch s.state {
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.err)
	case StateFlushed, StateClosed:
		return fmt.Errorf("%w: session is %s", ErrSessionMisuse, s.state)
	}
	if s.cfg.SketchID <= 0 {
		return fmt.Errorf("%w: sketch has not been set", ErrSessionMisuse)
	}
	if err := ctx.Err(); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	return nil
}

// begin moves the session into streaming. The first call applies the
// matching rule for dataType and columns.
func (s *Streamer) begin(dataType string, columns []string) error {
	if s.eventsClosed {
		return fmt.Errorf("%w: events cannot follow an evidence file", ErrSessionMisuse)
	}
	if s.cfg.TimelineName == "" {
		return fmt.Errorf("%w: timeline name has not been set", ErrSessionMisuse)
	}

	if !s.matched {
		s.matched = true
		if s.matcher != nil {
			s.matcher.Configure(s, dataType, columns)
		}
	}

	if s.shaper == nil {
		sh, err := event.NewShaper(event.ShaperConfig{
			MessageFormat:  s.cfg.MessageFormat,
			TimestampDesc:  s.cfg.TimestampDesc,
			DatetimeColumn: s.cfg.DatetimeColumn,
			DataType:       s.cfg.DataType,
		})
		if err != nil {
			return s.fail(err)
		}
		s.shaper = sh
	}
	if s.buf == nil {
		s.buf = batch.NewBuffer(s.cfg.EntryThreshold, s.cfg.SizeThreshold)
	}

	if s.state != StateStreaming {
		entries, size := s.buf.Thresholds()
		s.logger.Info("streaming started",
			"sketch_id", s.cfg.SketchID,
			"timeline", s.cfg.TimelineName,
			"upload_id", s.uploadID,
			"entry_threshold", entries,
			"size_threshold", size,
		)
		s.state = StateStreaming
	}
	return nil
}

// fail moves the session into the failed state and returns err.
func (s *Streamer) fail(err error) error {
	if s.state != StateFailed {
		s.state = StateFailed
		s.err = err
		s.logger.Error("session failed", "error", err, "upload_id", s.uploadID)
	}
	return err
}

// failRequest classifies an upload error, mapping cancellation to ErrCancelled.
func (s *Streamer) failRequest(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	return s.fail(err)
}

// reject handles one unusable input row.
func (s *Streamer) reject(err error) error {
	if s.skipInvalid {
		s.metrics.AddSkipped(1)
		s.logger.Warn("skipping entry", "error", err)
		return nil
	}
	return s.fail(err)
}

// AddRecord shapes rec and adds it to the current batch.
func (s *Streamer) AddRecord(ctx context.Context, rec event.Record) error {
	if s.fileAdded {
		return fmt.Errorf("%w: records cannot be added after a file", ErrSessionMisuse)
	}
	return s.addRecord(ctx, rec, nil)
}

func (s *Streamer) addRecord(ctx context.Context, rec event.Record, order []string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.begin(rec.String(event.FieldDataType), rec.Keys()); err != nil {
		return err
	}

	if _, ok := rec[event.FieldLabel]; ok && !s.labelWarned {
		s.labelWarned = true
		s.logger.Warn("labels cannot be imported, dropping the label column")
	}

	shaped, err := s.shaper.Shape(rec, order)
	if err != nil {
		return s.reject(err)
	}
	line, err := shaped.MarshalLine()
	if err != nil {
		return s.reject(fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	if full := s.buf.Add(line); full != nil {
		if err := s.send(ctx, full, -1); err != nil {
			return err
		}
	}
	s.metrics.AddRecords(1)
	return nil
}

// Frame is a table of rows sharing one set of columns.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// AddDataFrame adds every row of f in order.
func (s *Streamer) AddDataFrame(ctx context.Context, f Frame) error {
	if s.fileAdded {
		return fmt.Errorf("%w: records cannot be added after a file", ErrSessionMisuse)
	}
	return s.addFrame(ctx, f)
}

func (s *Streamer) addFrame(ctx context.Context, f Frame) error {
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			err := fmt.Errorf("%w: row %d has %d values for %d columns", ErrInvalidInput, i, len(row), len(f.Columns))
			if err := s.reject(err); err != nil {
				return err
			}
			continue
		}
		rec := make(event.Record, len(row))
		for j, col := range f.Columns {
			rec[col] = row[j]
		}
		if err := s.addRecord(ctx, rec, f.Columns); err != nil {
			return err
		}
	}
	return nil
}

// AddJSON adds one JSON encoded entry. An object is used as is; an array is
// zipped with columns, which must have the same length.
func (s *Streamer) AddJSON(ctx context.Context, data []byte, columns []string) error {
	if s.fileAdded {
		return fmt.Errorf("%w: records cannot be added after a file", ErrSessionMisuse)
	}
	rec, err := decodeJSON(data, columns)
	if err != nil {
		if err := s.check(ctx); err != nil {
			return err
		}
		return s.reject(err)
	}
	var order []string
	if columns != nil && len(columns) == len(rec) {
		order = columns
	}
	return s.addRecord(ctx, rec, order)
}

// send uploads one batch. total is -1 for all but the final batch.
func (s *Streamer) send(ctx context.Context, b *batch.Batch, total int) error {
	if err := ctx.Err(); err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}

	tl, err := s.up.UploadEvents(ctx, client.EventBatch{
		SketchID:     s.cfg.SketchID,
		TimelineName: s.cfg.TimelineName,
		UploadID:     s.uploadID,
		DataLabel:    s.cfg.DataLabel,
		IndexName:    s.cfg.IndexName,
		Index:        b.Index,
		TotalChunks:  total,
		Events:       b.Payload(),
	})
	if err != nil {
		return s.failRequest(ctx, err)
	}
	s.observe(tl)
	return nil
}

// observe records a timeline acknowledgement. Later batches go to the index
// the server reported.
func (s *Streamer) observe(tl *client.Timeline) {
	if tl == nil {
		return
	}
	s.timeline = tl
	if s.cfg.IndexName == "" && tl.IndexName != "" {
		s.cfg.IndexName = tl.IndexName
	}
}

// finishEvents sends the pending batch as the final one.
func (s *Streamer) finishEvents(ctx context.Context) error {
	if s.buf == nil || s.eventsClosed {
		return nil
	}
	s.eventsClosed = true
	last := s.buf.Flush()
	if last == nil {
		return nil
	}
	return s.send(ctx, last, last.Index+1)
}

// Close sends the final batch and, when waiting is enabled, polls the
// timeline until the server finished processing. Closing an unused session
// sends nothing. Close is idempotent.
func (s *Streamer) Close(ctx context.Context) error {
	switch s.state {
	case StateClosed:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.err)
	case StateInit, StateConfigured:
		s.state = StateClosed
		return nil
	}

	if s.state == StateStreaming {
		if err := s.finishEvents(ctx); err != nil {
			return err
		}
		s.state = StateFlushed
		s.logger.Info("session flushed",
			"upload_id", s.uploadID,
			"batches", s.emitted(),
			"message_format", s.shaper.MessageFormat(),
		)
	}

	if s.wait && s.timeline == nil {
		s.logger.Warn("not waiting for indexing: server reported no timeline", "upload_id", s.uploadID)
	}
	if s.wait && s.timeline != nil {
		tl, err := s.up.WaitForTimeline(ctx, s.cfg.SketchID, s.timeline.ID, s.waitOpts)
		if tl != nil {
			s.timeline = tl
		}
		if err != nil {
			return s.failRequest(ctx, err)
		}
	}

	s.state = StateClosed
	return nil
}

func (s *Streamer) emitted() int {
	if s.buf == nil {
		return 0
	}
	return s.buf.Emitted()
}

// Run calls fn with the session and closes it on every exit path, including
// a panic in fn. An error from Close never replaces an error from fn.
func (s *Streamer) Run(ctx context.Context, fn func(*Streamer) error) (err error) {
	defer func() {
		closeErr := s.Close(ctx)
		switch {
		case closeErr == nil:
		case err == nil:
			err = closeErr
		case !errors.Is(closeErr, ErrSessionFailed):
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(s)
}
