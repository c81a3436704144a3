package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/tsimport/internal/event"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func decodeLines(t *testing.T, lines []string) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(lines))
	for i, l := range lines {
		require.NoError(t, json.Unmarshal([]byte(l), &out[i]))
	}
	return out
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		path string
		want Kind
	}{
		{"a.csv", KindCSV},
		{"A.CSV", KindCSV},
		{"dir/b.jsonl", KindJSONL},
		{"triage.xlsx", KindExcel},
		{"Macro.XLSM", KindExcel},
		{"legacy.xls", KindUnknown},
		{"case.plaso", KindEvidence},
		{"triage.mans", KindEvidence},
		{"notes.txt", KindUnknown},
		{"noext", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.path))
		})
	}
}

func TestAddFileCSV(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetTimelineName("")
	s.SetMessageFormat("{user} logged in from {ip}")
	s.SetDatetimeColumn("when")

	path := writeFile(t, "logins.csv", []byte("user,ip,when\nalice,10.0.0.1,2021-03-04 05:06:07\nbob,10.0.0.2,1614834367\n"))

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	got := ft.received()
	require.Len(t, got, 1)
	assert.Equal(t, "logins", got[0].Fields["name"])
	assert.Equal(t, "csv", got[0].Fields["data_label"])

	recs := decodeLines(t, got[0].events())
	require.Len(t, recs, 2)
	assert.Equal(t, "alice logged in from 10.0.0.1", recs[0]["message"])
	assert.Equal(t, "2021-03-04T05:06:07Z", recs[0]["datetime"])
	assert.Equal(t, "bob logged in from 10.0.0.2", recs[1]["message"])
	assert.Equal(t, "2021-03-04T05:06:07Z", recs[1]["datetime"])
}

func TestAddFileCSVDelimiterAndEncoding(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetCSVDelimiter(";")
	s.SetTextEncoding("iso-8859-1")
	s.SetMessageFormat("{city}")

	// "Reykjavík" in Latin-1.
	data := []byte("city;n\nReykjav\xedk;1\n")
	path := writeFile(t, "cities.csv", data)

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	recs := decodeLines(t, ft.received()[0].events())
	require.Len(t, recs, 1)
	assert.Equal(t, "Reykjavík", recs[0]["message"])
	assert.Equal(t, "1", recs[0]["n"])
}

func TestAddFileCSVByteOrderMark(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetMessageFormat("{msg}")

	path := writeFile(t, "bom.csv", []byte("\xef\xbb\xbfmsg\nhello\n"))

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	recs := decodeLines(t, ft.received()[0].events())
	require.Len(t, recs, 1)
	assert.Equal(t, "hello", recs[0]["message"])
}

func TestAddFileCSVShortRow(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetSkipInvalid(true)

	path := writeFile(t, "short.csv", []byte("a,b\n1,2\n3\n4,5\n"))

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	assert.Len(t, ft.received()[0].events(), 2)
	assert.Equal(t, int64(1), s.Metrics().Snapshot().Skipped)
}

func TestAddFileUnknownEncoding(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetTextEncoding("secret-formula")

	path := writeFile(t, "x.csv", []byte("a\n1\n"))
	err := s.AddFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, StateFailed, s.State())
}

func TestAddFileJSONL(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})

	data := []byte(`{"message":"first","datetime":"2020-01-01T00:00:00Z","_hidden":1}
not json at all

{"message":"second","timestamp_desc":"Created","label":"evil"}
`)
	path := writeFile(t, "events.jsonl", data)

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	got := ft.received()
	require.Len(t, got, 1)
	assert.Equal(t, "test timeline", got[0].Fields["name"])
	assert.Equal(t, "jsonl", got[0].Fields["data_label"])

	recs := decodeLines(t, got[0].events())
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0]["message"])
	assert.Equal(t, float64(1577836800000000), recs[0]["timestamp"])
	assert.NotContains(t, recs[0], "_hidden")
	assert.Equal(t, "Created", recs[1]["timestamp_desc"])
	assert.NotContains(t, recs[1], "label")
	assert.Equal(t, int64(1), s.Metrics().Snapshot().Skipped)
}

func TestAddFileEvidence(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetChunkSize(4)

	ctx := context.Background()
	require.NoError(t, s.AddRecord(ctx, event.Record{"message": "pending"}))
	eventUploadID := s.UploadID()

	path := writeFile(t, "case.plaso", []byte("ABCDEFGHI"))
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	got := ft.received()
	require.Len(t, got, 4)

	// The pending event batch goes out first, marked final.
	assert.Equal(t, "1", got[0].Fields["chunk_total_chunks"])
	assert.Equal(t, eventUploadID, got[0].Fields["upload_id"])

	chunks := got[1:]
	for i, want := range []string{"ABCD", "EFGH", "I"} {
		assert.Equal(t, want, string(chunks[i].File))
		assert.Equal(t, "3", chunks[i].Fields["chunk_total_chunks"])
		assert.Equal(t, "9", chunks[i].Fields["total_file_size"])
		assert.Equal(t, "plaso", chunks[i].Fields["data_label"])
		assert.Equal(t, s.UploadID(), chunks[i].Fields["upload_id"])
	}
	assert.NotEqual(t, eventUploadID, s.UploadID())
	assert.Equal(t, StateClosed, s.State())
}

func TestRecordsRejectedAfterFile(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, writeFile(t, "case.plaso", []byte("data"))))

	err := s.AddRecord(ctx, event.Record{"message": "late"})
	assert.ErrorIs(t, err, ErrSessionMisuse)
	err = s.AddFile(ctx, writeFile(t, "more.csv", []byte("message\nx\n")))
	assert.ErrorIs(t, err, ErrSessionMisuse)
	require.NoError(t, s.Close(ctx))
}

func TestAddFileUnsupported(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})

	err := s.AddFile(context.Background(), writeFile(t, "notes.txt", []byte("hi")))
	assert.ErrorIs(t, err, ErrUnsupportedFile)
	assert.NotEqual(t, StateFailed, s.State())
}

func TestAddFileMissing(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})

	err := s.AddFile(context.Background(), filepath.Join(t.TempDir(), "gone.csv"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{"", ',', false},
		{",", ',', false},
		{">", '>', false},
		{`\t`, '\t', false},
		{"þ", 'þ', false},
		{"ab", 0, true},
		{`"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s := New(nil, Options{Logger: quietLogger()})
			s.SetCSVDelimiter(tt.in)
			got, err := s.delimiter()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
