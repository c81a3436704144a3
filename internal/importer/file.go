package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/raphaelgruber/tsimport/internal/client"
	"github.com/raphaelgruber/tsimport/internal/event"
)

// Kind classifies input files by extension.
type Kind int

// File kinds.
const (
	KindUnknown Kind = iota
	KindCSV
	KindJSONL
	KindExcel
	KindEvidence
)

// evidenceExtensions are sent as opaque files with the chunked protocol.
var evidenceExtensions = []string{"plaso", "mans"}

// KindOf returns the kind of the file at path.
func KindOf(path string) Kind {
	switch ext := extension(path); ext {
	case "csv":
		return KindCSV
	case "jsonl":
		return KindJSONL
	default:
		for _, e := range excelExtensions {
			if ext == e {
				return KindExcel
			}
		}
		for _, e := range evidenceExtensions {
			if ext == e {
				return KindEvidence
			}
		}
		return KindUnknown
	}
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// AddFile reads a CSV or JSONL file into the session, or uploads an evidence
// file with the chunked protocol. The timeline name defaults to the file name
// without extension and the data label to the extension.
//
// Pending events are sent as the final batch before an evidence file, and
// every evidence file gets its own upload identifier.
func (s *Streamer) AddFile(ctx context.Context, path string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	kind := KindOf(path)
	if kind == KindUnknown {
		return fmt.Errorf("%w: %s (want .csv, .jsonl, .xlsx, .plaso or .mans)", ErrUnsupportedFile, filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidInput, path)
	}

	if kind == KindEvidence {
		if err := s.finishEvents(ctx); err != nil {
			return err
		}
	}

	if s.cfg.TimelineName == "" {
		s.SetTimelineName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	if s.cfg.DataLabel == "" {
		s.SetDataLabel(extension(path))
	}
	s.fileAdded = true

	s.logger.Info("adding file", "path", path, "size", info.Size(), "timeline", s.cfg.TimelineName)

	switch kind {
	case KindCSV:
		return s.readCSV(ctx, path)
	case KindJSONL:
		return s.readJSONL(ctx, path)
	case KindExcel:
		return s.readExcel(ctx, path)
	default:
		return s.uploadEvidence(ctx, path)
	}
}

// openText opens path and decodes it from the session's text encoding to
// UTF-8. A byte order mark overrides the configured encoding.
func (s *Streamer) openText(path string) (io.Reader, io.Closer, error) {
	enc, err := htmlindex.Get(s.cfg.TextEncoding)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: text encoding %q: %w", ErrInvalidInput, s.cfg.TextEncoding, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return transform.NewReader(f, unicode.BOMOverride(enc.NewDecoder())), f, nil
}

func (s *Streamer) delimiter() (rune, error) {
	d := s.cfg.CSVDelimiter
	switch d {
	case "":
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(d)
	if size != len(d) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("%w: csv delimiter %q must be a single character", ErrInvalidInput, d)
	}
	return r, nil
}

func (s *Streamer) readCSV(ctx context.Context, path string) error {
	comma, err := s.delimiter()
	if err != nil {
		return s.fail(err)
	}
	r, closer, err := s.openText(path)
	if err != nil {
		return s.fail(err)
	}
	defer closer.Close()

	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		s.logger.Warn("csv file is empty", "path", path)
		return nil
	}
	if err != nil {
		return s.fail(fmt.Errorf("%w: read csv header: %w", ErrInvalidInput, err))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			if err := s.reject(fmt.Errorf("%w: %s line %d: %w", ErrInvalidInput, filepath.Base(path), line, err)); err != nil {
				return err
			}
			continue
		}

		values := make([]any, len(row))
		for i, v := range row {
			values[i] = v
		}
		if err := s.addFrame(ctx, Frame{Columns: header, Rows: [][]any{values}}); err != nil {
			return err
		}
	}
}

func (s *Streamer) readJSONL(ctx context.Context, path string) error {
	r, closer, err := s.openText(path)
	if err != nil {
		return s.fail(err)
	}
	defer closer.Close()

	br := bufio.NewReader(r)
	for line := 1; ; line++ {
		data, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return s.fail(fmt.Errorf("%w: read %s: %w", ErrInvalidInput, path, readErr))
		}

		if data = bytes.TrimSpace(data); len(data) > 0 {
			rec, err := decodeJSON(data, nil)
			if err != nil {
				s.metrics.AddSkipped(1)
				s.logger.Error("unable to decode line", "path", path, "line", line, "error", err)
			} else if err := s.addRecord(ctx, rec, nil); err != nil {
				return err
			}
		}

		if readErr != nil {
			return nil
		}
	}
}

func (s *Streamer) uploadEvidence(ctx context.Context, path string) error {
	s.eventsClosed = true
	s.uploadID = uuid.NewString()
	s.state = StateStreaming

	tl, err := s.up.UploadFile(ctx, path, client.FileUpload{
		SketchID:     s.cfg.SketchID,
		TimelineName: s.cfg.TimelineName,
		UploadID:     s.uploadID,
		DataLabel:    s.cfg.DataLabel,
		IndexName:    s.cfg.IndexName,
		FileName:     path,
		ChunkSize:    s.cfg.ChunkSize,
	})
	if err != nil {
		return s.failRequest(ctx, err)
	}
	s.observe(tl)
	return nil
}

// decodeJSON turns a JSON object, or an array zipped with columns, into a
// record. Numbers keep their textual form until normalization.
func decodeJSON(data []byte, columns []string) (event.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: data is not JSON: %w", ErrInvalidInput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidInput)
	}

	switch obj := v.(type) {
	case map[string]any:
		return event.Record(obj), nil
	case []any:
		if len(columns) == 0 {
			return nil, fmt.Errorf("%w: data is a list, but there are no column names", ErrInvalidInput)
		}
		if len(obj) != len(columns) {
			return nil, fmt.Errorf("%w: %d column names for a list of %d values", ErrInvalidInput, len(columns), len(obj))
		}
		rec := make(event.Record, len(obj))
		for i, c := range columns {
			rec[c] = obj[i]
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("%w: JSON value must be an object or a list", ErrInvalidInput)
	}
}
