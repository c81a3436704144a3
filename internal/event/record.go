// Package event models import records and shapes raw input rows into
// records that carry message, datetime, timestamp_desc and data_type.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Mandatory fields of a shaped record.
const (
	FieldMessage       = "message"
	FieldDatetime      = "datetime"
	FieldTimestamp     = "timestamp"
	FieldTimestampDesc = "timestamp_desc"
	FieldDataType      = "data_type"
	FieldLabel         = "label"
)

// Record maps field names to values. After Normalize every value is one of
// string, int64, float64, time.Time or nil.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record field names.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	return keys
}

// String returns the field rendered as text, or "" when it is missing.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Normalize converts every value into the record value domain in place.
func (r Record) Normalize() Record {
	for k, v := range r {
		r[k] = NormalizeValue(v)
	}
	return r
}

// MarshalLine encodes the record as a single JSON line without the trailing
// newline.
func (r Record) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// NormalizeValue maps v onto string, int64, float64, time.Time or nil.
// Anything else falls back to its string form.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return x.String()
	case time.Time:
		return x.UTC()
	case bool:
		return strconv.FormatBool(x)
	case []byte:
		return string(x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}

// normalizeFloat keeps finite floats; NaN and infinities cannot be encoded as
// JSON and become strings.
func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// Stringify renders a value the way it appears in a message.
func Stringify(v any) string {
	switch x := NormalizeValue(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
