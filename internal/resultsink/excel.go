package resultsink

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/wwlabs/batchengine/internal/rowsource"
)

// ResultSheetName is the worksheet the result artifact is written to,
// grounded on the original source's "执行结果" (execution result) sheet
// naming convention — renamed in English here.
const ResultSheetName = "Results"

// ResultColumnHeader is the header of the appended result column.
const ResultColumnHeader = "Result"

// Excel writes a result artifact by copying the source's input columns and
// appending a Result column, grounded on the original source's
// generate_result_file (read original rows in row_index order, append a
// single rendered result/error string per row, save as a new sheet).
type Excel struct {
	Source  rowsource.RowSource
	Format  Formatter
	OutDir  string
}

// NewExcel returns an excelize-backed ResultSink. format may be nil, in
// which case DefaultFormatter is used.
func NewExcel(source rowsource.RowSource, format Formatter, outDir string) *Excel {
	if format == nil {
		format = DefaultFormatter
	}
	return &Excel{Source: source, Format: format, OutDir: outDir}
}

func (x *Excel) Assemble(ctx context.Context, sourceRef string, perRowResults []RowResult) (string, error) {
	rows, err := x.Source.Iterate(ctx, sourceRef)
	if err != nil {
		return "", fmt.Errorf("re-read source for result assembly: %w", err)
	}

	byIndex := make(map[int]RowResult, len(perRowResults))
	for _, r := range perRowResults {
		byIndex[r.RowIndex] = r
	}

	src, err := excelize.OpenFile(sourceRef)
	if err != nil {
		return "", fmt.Errorf("open source spreadsheet: %w", err)
	}
	defer src.Close()

	sheet := rowsource.DataSheetName
	if idx, _ := src.GetSheetIndex(sheet); idx == -1 {
		if list := src.GetSheetList(); len(list) > 0 {
			sheet = list[0]
		}
	}
	header, err := src.GetRows(sheet)
	if err != nil {
		return "", fmt.Errorf("read source header: %w", err)
	}
	var columns []string
	if len(header) > 0 {
		columns = header[0]
	}

	out := excelize.NewFile()
	defer out.Close()
	if err := out.SetSheetName(out.GetSheetName(0), ResultSheetName); err != nil {
		return "", fmt.Errorf("rename result sheet: %w", err)
	}

	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = out.SetCellValue(ResultSheetName, cell, col)
	}
	resultCol := len(columns) + 1
	resultHeaderCell, _ := excelize.CoordinatesToCellName(resultCol, 1)
	_ = out.SetCellValue(ResultSheetName, resultHeaderCell, ResultColumnHeader)

	for _, row := range rows {
		excelRow := row.RowIndex + 2 // header occupies row 1
		for i, col := range columns {
			cell, _ := excelize.CoordinatesToCellName(i+1, excelRow)
			_ = out.SetCellValue(ResultSheetName, cell, row.Inputs[col])
		}

		resultCell, _ := excelize.CoordinatesToCellName(resultCol, excelRow)
		result, ok := byIndex[row.RowIndex]
		switch {
		case !ok:
			_ = out.SetCellValue(ResultSheetName, resultCell, "")
		case result.Success:
			_ = out.SetCellValue(ResultSheetName, resultCell, x.Format(result.Outputs))
		default:
			_ = out.SetCellValue(ResultSheetName, resultCell, "error: "+result.Err)
		}
	}

	resultRef := filepath.Join(x.OutDir, resultFileName(sourceRef))
	if err := out.SaveAs(resultRef); err != nil {
		return "", fmt.Errorf("save result spreadsheet: %w", err)
	}
	return resultRef, nil
}

func resultFileName(sourceRef string) string {
	base := filepath.Base(sourceRef)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return name + "-result" + suffix(ext)
}

func suffix(ext string) string {
	if ext == "" {
		return ".xlsx"
	}
	return ext
}
