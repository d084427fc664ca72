package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/user/mqi_interpreter_go/internal/parser"
)

const excelSheet = "Sheet1"

var (
	ptnExcelHeader = []interface{}{"Time (ms)", "X Position", "Y Position", "MU count"}
	mgnExcelHeader = []interface{}{"Segment number", "Time (ms)", "X Position", "Y Position"}
)

// ExcelFileName maps a log file to its workbook name, layer01.ptn -> layer01_ptn.xlsx.
func ExcelFileName(source string) string {
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + strings.ToLower(strings.TrimPrefix(ext, ".")) + ".xlsx"
}

// ExportPTNExcel writes one decoded .ptn log to an xlsx workbook in outDir.
func ExportPTNExcel(outDir string, l *parser.LogLayer) (string, error) {
	rows := make([][]interface{}, l.Len())
	for i := range rows {
		rows[i] = []interface{}{l.TimeMs[i], l.XMm[i], l.YMm[i], l.Dose1[i]}
	}
	return writeWorkbook(filepath.Join(outDir, ExcelFileName(l.Source)), ptnExcelHeader, rows)
}

// ExportMGNExcel writes one decoded .mgn log to an xlsx workbook in outDir.
func ExportMGNExcel(outDir string, m *parser.MGNLog) (string, error) {
	rows := make([][]interface{}, m.Len())
	for i := range rows {
		rows[i] = []interface{}{i + 1, m.TimeUs[i] / 1000, m.XMm[i], m.YMm[i]}
	}
	return writeWorkbook(filepath.Join(outDir, ExcelFileName(m.Source)), mgnExcelHeader, rows)
}

func writeWorkbook(path string, header []interface{}, rows [][]interface{}) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter(excelSheet)
	if err != nil {
		return "", fmt.Errorf("failed to create sheet writer: %w", err)
	}
	if err := sw.SetRow("A1", header); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return "", fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}
