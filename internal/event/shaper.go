package event

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrShaper is matched by every *ShaperError.
var ErrShaper = errors.New("shaper error")

// ShaperError reports a record that cannot satisfy the record invariants.
type ShaperError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ShaperError) Error() string {
	if e.Field == "" {
		return "shape record: " + e.Reason
	}
	return fmt.Sprintf("shape record: field %q: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrShaper.
func (e *ShaperError) Is(target error) bool {
	return target == ErrShaper
}

func (e *ShaperError) Unwrap() error {
	return e.Err
}

// ShaperConfig holds the formatting directives for a session.
type ShaperConfig struct {
	MessageFormat  string // {field} template; empty means auto-generate
	TimestampDesc  string // used when a record has no timestamp_desc
	DatetimeColumn string // field holding the event time
	DataType       string // used when a record has no data_type
}

// Shaper turns raw input rows into records carrying message, datetime,
// timestamp, timestamp_desc and data_type. Its output depends only on its
// configuration and the input; the generated template is fixed by the first
// record that needs one.
type Shaper struct {
	cfg  ShaperConfig
	tmpl *Template

	autoOnce sync.Once
	auto     *Template
	autoErr  error
}

// NewShaper validates the configuration and parses the message format.
func NewShaper(cfg ShaperConfig) (*Shaper, error) {
	s := &Shaper{cfg: cfg}
	if cfg.MessageFormat != "" {
		t, err := ParseTemplate(cfg.MessageFormat)
		if err != nil {
			return nil, &ShaperError{Field: FieldMessage, Reason: "invalid message format", Err: err}
		}
		s.tmpl = t
	}
	return s, nil
}

// MessageFormat returns the template used for missing messages: the
// configured one, or the generated one once a record has been shaped.
func (s *Shaper) MessageFormat() string {
	if s == nil {
		return ""
	}
	if s.tmpl != nil {
		return s.tmpl.String()
	}
	if s.auto != nil {
		return s.auto.String()
	}
	return ""
}

// Shape returns a shaped copy of raw. order gives the field order used when a
// message template has to be generated; when nil the sorted field names are
// used.
func (s *Shaper) Shape(raw Record, order []string) (Record, error) {
	rec := raw.Clone().Normalize()
	delete(rec, FieldLabel)

	if msg, _ := rec[FieldMessage].(string); msg == "" {
		tmpl, err := s.template(rec, order)
		if err != nil {
			return nil, err
		}
		rec[FieldMessage] = tmpl.Execute(rec)
	}

	if desc, ok := rec[FieldTimestampDesc]; !ok || desc == nil {
		rec[FieldTimestampDesc] = s.cfg.TimestampDesc
	} else {
		rec[FieldTimestampDesc] = Stringify(desc)
	}

	if dt, ok := rec[FieldDataType]; !ok || dt == nil || dt == "" {
		rec[FieldDataType] = s.cfg.DataType
	} else {
		rec[FieldDataType] = Stringify(dt)
	}

	s.shapeDatetime(rec)

	for k := range rec {
		if strings.HasPrefix(k, "_") {
			delete(rec, k)
		}
	}

	if msg, _ := rec[FieldMessage].(string); msg == "" {
		return nil, &ShaperError{Field: FieldMessage, Reason: "message is empty"}
	}
	return rec, nil
}

// template returns the configured template or the generated one.
func (s *Shaper) template(rec Record, order []string) (*Template, error) {
	if s.tmpl != nil {
		return s.tmpl, nil
	}
	s.autoOnce.Do(func() {
		fields := order
		if fields == nil {
			fields = rec.Keys()
			slices.Sort(fields)
		}
		s.auto, s.autoErr = ParseTemplate(AutoTemplate(fields))
	})
	if s.autoErr != nil {
		return nil, &ShaperError{Field: FieldMessage, Reason: "cannot generate message format", Err: s.autoErr}
	}
	return s.auto, nil
}

// shapeDatetime sets datetime (ISO-8601, UTC) and timestamp (microseconds).
// Unparseable input yields an empty datetime and a zero timestamp.
func (s *Shaper) shapeDatetime(rec Record) {
	var candidates []string
	if _, ok := rec[FieldDatetime]; ok {
		candidates = append(candidates, FieldDatetime)
	} else {
		if s.cfg.DatetimeColumn != "" {
			candidates = append(candidates, s.cfg.DatetimeColumn)
		}
		candidates = append(candidates, timeFields(rec, s.cfg.DatetimeColumn)...)
	}

	for _, field := range candidates {
		v, ok := rec[field]
		if !ok || v == nil || v == "" {
			continue
		}
		if t, ok := ParseDatetime(v); ok {
			rec[FieldDatetime] = FormatDatetime(t)
			rec[FieldTimestamp] = t.UnixMicro()
			return
		}
	}

	rec[FieldDatetime] = ""
	rec[FieldTimestamp] = int64(0)
}

// timeFields lists, in sorted order, fields whose name mentions "time" and
// that may hold the event time.
func timeFields(rec Record, exclude string) []string {
	var fields []string
	for k := range rec {
		lower := strings.ToLower(k)
		if k == exclude || lower == FieldTimestampDesc || !strings.Contains(lower, "time") {
			continue
		}
		fields = append(fields, k)
	}
	slices.Sort(fields)
	return fields
}
