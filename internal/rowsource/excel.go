package rowsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// DataSheetName is the worksheet the engine reads input rows from,
// grounded on the original source's "批量数据" (batch data) sheet
// convention — renamed in English for this repository.
const DataSheetName = "Data"

// Excel reads input rows from an .xlsx file on a local filesystem path.
// Row 1 is the header (parameter names); data starts at row 2. Blank rows
// are skipped, grounded on the original source's parse_excel_file (which
// drops fully-empty rows and rows that look like description/example
// placeholders — this implementation keeps the blank-row skip and drops
// the description/example heuristics, which were workarounds for a
// human-edited template this engine does not need to reproduce).
type Excel struct{}

// NewExcel returns an excelize-backed RowSource.
func NewExcel() *Excel {
	return &Excel{}
}

func (x *Excel) Iterate(ctx context.Context, sourceRef string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("open source spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := DataSheetName
	if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
		// Fall back to the first sheet if "Data" is absent — tolerant of
		// spreadsheets produced outside this engine's own template.
		if list := f.GetSheetList(); len(list) > 0 {
			sheet = list[0]
		}
	}

	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	header := all[0]
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	var rows []Row
	rowIndex := 0
	for _, record := range all[1:] {
		if isBlankRow(record) {
			continue
		}
		inputs := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			var v string
			if i < len(record) {
				v = record[i]
			}
			inputs[col] = v
		}
		rows = append(rows, Row{RowIndex: rowIndex, Inputs: inputs})
		rowIndex++
	}
	return rows, nil
}

func isBlankRow(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
