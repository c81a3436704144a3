package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatetimeEpochUnits(t *testing.T) {
	want := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"seconds", int64(1614834367), want},
		{"fractional seconds", 1614834367.5, want.Add(500 * time.Millisecond)},
		{"microseconds", int64(1614834367000000), want},
		{"just below threshold is seconds", int64(99_999_999_999), time.Unix(99_999_999_999, 0).UTC()},
		{"threshold is microseconds", int64(100_000_000_000), time.Date(1970, 1, 2, 3, 46, 40, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDatetime(tt.in)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
