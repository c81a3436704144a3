package event

import (
	"fmt"
	"slices"
	"strings"
)

// fieldsToSkip are left out of generated message templates.
var fieldsToSkip = []string{
	"timestamp_desc", "time", "timestamp", "data_type", "datetime",
	"source", "source_short", "source_long",
}

// Template is a parsed message format using {field} placeholders.
// A placeholder may carry a conversion or format suffix ({f!s}, {f:d}) which
// is accepted and ignored. {{ and }} produce literal braces.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	field   string
	isField bool
}

// ParseTemplate parses a message format.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed placeholder at offset %d in %q", i, s)
			}
			name := placeholderName(s[i+1 : i+1+end])
			if name == "" {
				return nil, fmt.Errorf("empty placeholder at offset %d in %q", i, s)
			}
			flush()
			t.segments = append(t.segments, segment{field: name, isField: true})
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// placeholderName strips the conversion and format suffix.
func placeholderName(p string) string {
	if i := strings.IndexAny(p, "!:"); i >= 0 {
		p = p[:i]
	}
	return strings.TrimSpace(p)
}

// String returns the template source.
func (t *Template) String() string {
	return t.raw
}

// Fields returns the placeholder names in order of appearance.
func (t *Template) Fields() []string {
	var fields []string
	for _, s := range t.segments {
		if s.isField {
			fields = append(fields, s.field)
		}
	}
	return fields
}

// Execute substitutes every placeholder with the field value. Missing fields
// become the empty string.
func (t *Template) Execute(r Record) string {
	var b strings.Builder
	for _, s := range t.segments {
		if s.isField {
			b.WriteString(r.String(s.field))
			continue
		}
		b.WriteString(s.literal)
	}
	return b.String()
}

// AutoTemplate builds a message format listing every field as
// "[f] = {f}", in the given order, leaving out the fixed skip set, fields
// starting with an underscore and names that cannot be used as placeholders.
func AutoTemplate(fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if skipInTemplate(f) {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] = {%s}", f, f))
	}
	return strings.Join(parts, ", ")
}

func skipInTemplate(f string) bool {
	return f == "" ||
		strings.HasPrefix(f, "_") ||
		slices.Contains(fieldsToSkip, f) ||
		strings.ContainsAny(f, "{}!:")
}
