// Package dashboard renders endpoint metrics and batch reports as xlsx
// workbooks.
package dashboard

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"asyncinfer/lib/inference"
)

const (
	dataSheet   = "Data"
	chartSheet  = "Charts"
	reportSheet = "Results"

	chartRows = 16
)

// Workbook wraps an excelize file. Call Close when done.
type Workbook struct {
	f           *excelize.File
	headerStyle int
	charts      int
	dataCols    int
}

func New() (*Workbook, error) {
	f := excelize.NewFile()
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	return &Workbook{f: f, headerStyle: headerStyle}, nil
}

func (w *Workbook) Close() error {
	return w.f.Close()
}

func (w *Workbook) ensureSheet(name string) error {
	idx, err := w.f.GetSheetIndex(name)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}
	if w.f.GetSheetName(0) == "Sheet1" {
		return w.f.SetSheetName("Sheet1", name)
	}
	_, err = w.f.NewSheet(name)
	return err
}

func (w *Workbook) header(sheet string, row int, names ...string) error {
	for i, name := range names {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := w.f.SetCellValue(sheet, cell, name); err != nil {
			return err
		}
	}
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(len(names), row)
	return w.f.SetCellStyle(sheet, first, last, w.headerStyle)
}

// AddSeries writes the series as a timestamp/value column pair on the data
// sheet and, when it has points, a line chart on the charts sheet.
func (w *Workbook) AddSeries(s inference.Series) error {
	if err := w.ensureSheet(dataSheet); err != nil {
		return err
	}
	tsCol, valCol := w.dataCols+1, w.dataCols+2
	w.dataCols += 2

	tsName, _ := excelize.ColumnNumberToName(tsCol)
	valName, _ := excelize.ColumnNumberToName(valCol)
	for _, c := range []string{tsName, valName} {
		if err := w.f.SetColWidth(dataSheet, c, c, 22); err != nil {
			return err
		}
	}
	hdr, _ := excelize.CoordinatesToCellName(tsCol, 1)
	if err := w.f.SetCellValue(dataSheet, hdr, "Timestamp"); err != nil {
		return err
	}
	hdr, _ = excelize.CoordinatesToCellName(valCol, 1)
	if err := w.f.SetCellValue(dataSheet, hdr, s.MetricName); err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(tsCol, 1)
	if err := w.f.SetCellStyle(dataSheet, first, hdr, w.headerStyle); err != nil {
		return err
	}

	for i, p := range s.Points {
		cell, _ := excelize.CoordinatesToCellName(tsCol, i+2)
		if err := w.f.SetCellValue(dataSheet, cell, p.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		cell, _ = excelize.CoordinatesToCellName(valCol, i+2)
		if err := w.f.SetCellValue(dataSheet, cell, p.Value); err != nil {
			return err
		}
	}
	if len(s.Points) == 0 {
		return nil
	}
	return w.addChart(s, tsName, valName)
}

func (w *Workbook) addChart(s inference.Series, tsCol, valCol string) error {
	if err := w.ensureSheet(chartSheet); err != nil {
		return err
	}
	last := len(s.Points) + 1
	anchor := fmt.Sprintf("A%d", 1+w.charts*chartRows)
	w.charts++
	return w.f.AddChart(chartSheet, anchor, &excelize.Chart{
		Type: excelize.Line,
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("%s!$%s$1", dataSheet, valCol),
			Categories: fmt.Sprintf("%s!$%s$2:$%s$%d", dataSheet, tsCol, tsCol, last),
			Values:     fmt.Sprintf("%s!$%s$2:$%s$%d", dataSheet, valCol, valCol, last),
		}},
		Title:  []excelize.RichTextRun{{Text: fmt.Sprintf("%s (%s)", s.MetricName, s.Statistic)}},
		Legend: excelize.ChartLegend{Position: "none"},
	})
}

// AddReport writes one row per batch result, in submission order.
func (w *Workbook) AddReport(report *inference.BatchReport) error {
	if err := w.ensureSheet(reportSheet); err != nil {
		return err
	}
	cols := []string{"Input", "Output", "Inference ID", "Submitted", "Status", "Error"}
	if err := w.header(reportSheet, 1, cols...); err != nil {
		return err
	}
	for i, r := range report.Results {
		status, errText := "ok", ""
		if r.Failed() {
			status, errText = "failed", r.Err.Error()
		}
		submitted := ""
		if !r.Request.SubmittedAt.IsZero() {
			submitted = r.Request.SubmittedAt.UTC().Format(time.RFC3339)
		}
		row := []interface{}{r.Input.InputRef, r.Request.OutputRef, r.Request.InferenceID, submitted, status, errText}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := w.f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return err
		}
	}
	for i := range cols {
		c, _ := excelize.ColumnNumberToName(i + 1)
		if err := w.f.SetColWidth(reportSheet, c, c, 30); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workbook) Write(out io.Writer) error {
	return w.f.Write(out)
}

func (w *Workbook) SaveAs(path string) error {
	if err := w.f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
