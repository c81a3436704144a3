package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// writeWorkbook saves a workbook whose sheets hold the given rows, in order.
func writeWorkbook(t *testing.T, name string, sheets map[string][][]any, order ...string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range order {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", sheet))
		} else {
			_, err := f.NewSheet(sheet)
			require.NoError(t, err)
		}
		for r, row := range sheets[sheet] {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(sheet, cell, &row))
		}
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestAddFileExcel(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetTimelineName("")
	s.SetMessageFormat("{user} logged in from {ip}")
	s.SetDatetimeColumn("when")

	path := writeWorkbook(t, "logins.xlsx", map[string][][]any{
		"Logins": {
			{" user ", "ip", "when"},
			{"alice", "10.0.0.1", "2021-03-04 05:06:07"},
			{},
			{"bob", "10.0.0.2", "2021-03-04 05:06:08"},
		},
		"Other": {
			{"user", "ip", "when"},
			{"mallory", "10.6.6.6", "2021-03-04 05:06:09"},
		},
	}, "Logins", "Other")

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	got := ft.received()
	require.Len(t, got, 1)
	assert.Equal(t, "logins", got[0].Fields["name"])
	assert.Equal(t, "xlsx", got[0].Fields["data_label"])

	recs := decodeLines(t, got[0].events())
	require.Len(t, recs, 2, "the blank row is skipped and only the first sheet is read")
	assert.Equal(t, "alice logged in from 10.0.0.1", recs[0]["message"])
	assert.Equal(t, "2021-03-04T05:06:07Z", recs[0]["datetime"])
	assert.Equal(t, "bob logged in from 10.0.0.2", recs[1]["message"])
}

func TestAddFileExcelNamedSheet(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetMessageFormat("{user}")
	s.SetSheet("Other")

	path := writeWorkbook(t, "book.xlsx", map[string][][]any{
		"First": {{"user"}, {"alice"}},
		"Other": {{"user", "note"}, {"mallory"}},
	}, "First", "Other")

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	recs := decodeLines(t, ft.received()[0].events())
	require.Len(t, recs, 1)
	assert.Equal(t, "mallory", recs[0]["message"])
	assert.Equal(t, "", recs[0]["note"], "short rows are padded to the header")
}

func TestAddFileExcelMissingSheet(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetSheet("Nope")

	path := writeWorkbook(t, "book.xlsx", map[string][][]any{
		"First": {{"user"}, {"alice"}},
	}, "First")

	err := s.AddFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), `"Nope"`)
	assert.Equal(t, StateFailed, s.State())
}

func TestAddFileExcelNotAWorkbook(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})

	path := writeFile(t, "fake.xlsx", []byte("user,ip\nalice,10.0.0.1\n"))
	err := s.AddFile(context.Background(), path)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, StateFailed, s.State())
}

func TestAddFileExcelBatches(t *testing.T) {
	ft := newFakeTimesketch(t)
	s := newTestStreamer(t, ft, Options{})
	s.SetMessageFormat("row {n}")
	s.SetEntryThreshold(2)

	rows := [][]any{{"n"}}
	for i := range 5 {
		rows = append(rows, []any{fmt.Sprint(i)})
	}
	path := writeWorkbook(t, "many.xlsx", map[string][][]any{"Data": rows}, "Data")

	ctx := context.Background()
	require.NoError(t, s.AddFile(ctx, path))
	require.NoError(t, s.Close(ctx))

	assert.Len(t, ft.received(), 3)
	assert.Equal(t, int64(5), s.Metrics().Snapshot().Records)
}
