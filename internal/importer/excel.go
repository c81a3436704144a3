package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// excelExtensions are Office Open XML workbooks.
var excelExtensions = []string{"xlsx", "xlsm"}

// SetSheet selects the worksheet read from Excel files. Empty means the
// first sheet.
func (s *Streamer) SetSheet(name string) {
	s.configured()
	s.cfg.Sheet = name
}

// readExcel streams one worksheet. The first non-empty row is the header;
// blank rows are skipped and short rows are padded with empty cells.
func (s *Streamer) readExcel(ctx context.Context, path string) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return s.fail(fmt.Errorf("%w: open workbook %s: %w", ErrInvalidInput, filepath.Base(path), err))
	}
	defer f.Close()

	sheet := s.cfg.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			s.logger.Warn("workbook has no sheets", "path", path)
			return nil
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return s.fail(fmt.Errorf("%w: sheet %q: %w", ErrInvalidInput, sheet, err))
	}
	defer rows.Close()

	s.logger.Debug("reading sheet", "path", path, "sheet", sheet)

	var header []string
	line := 0
	for rows.Next() {
		line++
		cells, err := rows.Columns()
		if err != nil {
			if err := s.reject(fmt.Errorf("%w: %s sheet %q row %d: %w", ErrInvalidInput, filepath.Base(path), sheet, line, err)); err != nil {
				return err
			}
			continue
		}
		if blankRow(cells) {
			continue
		}

		if header == nil {
			header = make([]string, len(cells))
			for i, c := range cells {
				header[i] = strings.TrimSpace(c)
			}
			continue
		}

		values := make([]any, max(len(cells), len(header)))
		for i := range values {
			values[i] = ""
		}
		for i, c := range cells {
			values[i] = c
		}
		if err := s.addFrame(ctx, Frame{Columns: header, Rows: [][]any{values}}); err != nil {
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return s.fail(fmt.Errorf("%w: read sheet %q: %w", ErrInvalidInput, sheet, err))
	}
	if header == nil {
		s.logger.Warn("sheet is empty", "path", path, "sheet", sheet)
	}
	return nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
