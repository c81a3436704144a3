// Package rules loads per-input formatting rules and picks the rule that
// matches a data type or a set of columns.
package rules

import (
	"errors"
	"slices"
	"strings"
)

// ErrConfigMalformed is returned when a rule file does not have the expected
// shape.
var ErrConfigMalformed = errors.New("config malformed")

// Rule keys recognized inside a rule mapping.
const (
	KeyMessage       = "message"
	KeyTimestampDesc = "timestamp_desc"
	KeySeparator     = "separator"
	KeyEncoding      = "encoding"
	KeyDatetime      = "datetime"
	KeyDataType      = "data_type"
	KeyColumns       = "columns"
	KeyColumnsSubset = "columns_subset"
)

var knownKeys = []string{
	KeyMessage, KeyTimestampDesc, KeySeparator, KeyEncoding,
	KeyDatetime, KeyDataType, KeyColumns, KeyColumnsSubset,
}

// Rule describes how to format one kind of input. Rules are not modified
// after they are loaded.
type Rule struct {
	Name          string
	Message       string // message format template
	TimestampDesc string
	Separator     string // CSV delimiter
	Encoding      string // text encoding of the input file
	Datetime      string // column holding the event time
	DataType      string
	Columns       string // comma separated, must equal the input columns
	ColumnsSubset string // comma separated, must be a subset of the input columns
}

// Matchable reports whether the rule has at least one matching criterion.
func (r Rule) Matchable() bool {
	return r.DataType != "" || r.Columns != "" || r.ColumnsSubset != ""
}

// matches applies the per-rule matching steps in order: data type, exact
// column set, column subset.
func (r Rule) matches(dataType string, columns map[string]struct{}) bool {
	if dataType != "" && r.DataType != "" && r.DataType == dataType {
		return true
	}
	if len(columns) == 0 {
		return false
	}
	if r.Columns != "" && setEqual(splitColumns(r.Columns), columns) {
		return true
	}
	if r.ColumnsSubset != "" && isSubset(splitColumns(r.ColumnsSubset), columns) {
		return true
	}
	return false
}

func splitColumns(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range strings.Split(s, ",") {
		set[strings.TrimSpace(c)] = struct{}{}
	}
	return set
}

func columnSet(columns []string) map[string]struct{} {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return set
}

func setEqual(a, b map[string]struct{}) bool {
	return len(a) == len(b) && isSubset(a, b)
}

func isSubset(sub, set map[string]struct{}) bool {
	for k := range sub {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

func isKnownKey(k string) bool {
	return slices.Contains(knownKeys, k)
}
