package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExportFormat defines the export file format.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
	FormatJSON ExportFormat = "json"
)

// ExportOptions defines export configuration.
type ExportOptions struct {
	Format       ExportFormat
	FilePath     string
	IncludeEmpty bool // Include rows with empty values
	MaxRows      int  // 0 = unlimited
	Delimiter    rune // For CSV, default is comma
}

// DefaultExportOptions returns default export options.
func DefaultExportOptions() *ExportOptions {
	return &ExportOptions{
		Format:       FormatCSV,
		IncludeEmpty: true,
		MaxRows:      0,
		Delimiter:    ',',
	}
}

// Exporter handles exporting reports to various formats.
type Exporter struct {
	options *ExportOptions
}

// NewExporter creates a new exporter.
func NewExporter(options *ExportOptions) *Exporter {
	if options == nil {
		options = DefaultExportOptions()
	}
	return &Exporter{options: options}
}

// Export exports a report to the configured format.
func (e *Exporter) Export(report *Report) error {
	switch e.options.Format {
	case FormatCSV:
		return e.exportCSV(report)
	case FormatXLSX:
		return e.exportXLSX(report)
	case FormatJSON:
		return e.exportJSON(report)
	default:
		return fmt.Errorf("unsupported export format: %s", e.options.Format)
	}
}

// exportCSV exports a report to CSV.
func (e *Exporter) exportCSV(report *Report) error {
	file, err := os.Create(e.options.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	// UTF-8 BOM for Excel compatibility
	file.Write([]byte{0xEF, 0xBB, 0xBF})

	writer := csv.NewWriter(file)
	if e.options.Delimiter != 0 {
		writer.Comma = e.options.Delimiter
	}
	defer writer.Flush()

	if err := writer.Write(report.Definition.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	rowCount := 0
	for _, row := range report.Rows {
		if e.options.MaxRows > 0 && rowCount >= e.options.MaxRows {
			break
		}

		values := make([]string, len(report.Definition.Columns))
		isEmpty := true

		for i, col := range report.Definition.Columns {
			if val, ok := row.Values[col]; ok {
				values[i] = formatValue(val)
				if values[i] != "" {
					isEmpty = false
				}
			}
		}

		if !e.options.IncludeEmpty && isEmpty {
			continue
		}

		if err := writer.Write(values); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		rowCount++
	}

	return nil
}

// exportXLSX exports a report to Excel.
func (e *Exporter) exportXLSX(report *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := sanitizeSheetName(report.Definition.Name)
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"1565C0"}},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	evenRowStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"F0F4FA"}},
	})

	for i, col := range report.Definition.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, col)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, col := range report.Definition.Columns {
		colName, _ := excelize.ColumnNumberToName(i + 1)
		width := float64(len(col) + 5)
		if width < 15 {
			width = 15
		}
		if width > 60 {
			width = 60
		}
		f.SetColWidth(sheetName, colName, colName, width)
	}

	rowCount := 0
	for rowIdx, row := range report.Rows {
		if e.options.MaxRows > 0 && rowCount >= e.options.MaxRows {
			break
		}

		isEmpty := true
		for i, col := range report.Definition.Columns {
			cell, _ := excelize.CoordinatesToCellName(i+1, rowIdx+2)

			if val, ok := row.Values[col]; ok {
				f.SetCellValue(sheetName, cell, exportCell(val))
				if formatValue(val) != "" {
					isEmpty = false
				}
			}

			if rowIdx%2 == 1 {
				f.SetCellStyle(sheetName, cell, cell, evenRowStyle)
			}
		}

		if !e.options.IncludeEmpty && isEmpty {
			continue
		}
		rowCount++
	}

	lastCol, _ := excelize.ColumnNumberToName(len(report.Definition.Columns))
	lastRow := len(report.Rows) + 1
	filterRange := fmt.Sprintf("%s!A1:%s%d", sheetName, lastCol, lastRow)
	f.AutoFilter(sheetName, filterRange, nil)

	f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	e.addMetadataSheet(f, report)

	return f.SaveAs(e.options.FilePath)
}

// addMetadataSheet records report provenance in the workbook.
func (e *Exporter) addMetadataSheet(f *excelize.File, report *Report) {
	sheetName := "Metadata"
	f.NewSheet(sheetName)

	metadata := [][]string{
		{"Report Name", report.Definition.Name},
		{"Description", report.Definition.Description},
		{"Category", report.Definition.Category},
		{"Total Rows", strconv.Itoa(report.TotalCount)},
		{"Generated", report.Generated},
		{"Tool", "Frontier Crawler"},
	}

	for i, row := range metadata {
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", i+1), row[0])
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", i+1), row[1])
	}

	f.SetColWidth(sheetName, "A", "A", 20)
	f.SetColWidth(sheetName, "B", "B", 50)
}

// exportJSON exports a report to JSON.
func (e *Exporter) exportJSON(report *Report) error {
	data := &JSONReport{
		Metadata: JSONMetadata{
			ReportType:  string(report.Definition.Type),
			Name:        report.Definition.Name,
			Description: report.Definition.Description,
			Category:    report.Definition.Category,
			TotalCount:  report.TotalCount,
			Generated:   report.Generated,
			Columns:     report.Definition.Columns,
		},
		Rows: make([]map[string]interface{}, 0, len(report.Rows)),
	}

	rowCount := 0
	for _, row := range report.Rows {
		if e.options.MaxRows > 0 && rowCount >= e.options.MaxRows {
			break
		}

		isEmpty := true
		for _, v := range row.Values {
			if formatValue(v) != "" {
				isEmpty = false
				break
			}
		}

		if !e.options.IncludeEmpty && isEmpty {
			continue
		}

		encoded := make(map[string]interface{}, len(row.Values))
		for k, v := range row.Values {
			encoded[k] = exportCell(v)
		}
		data.Rows = append(data.Rows, encoded)
		rowCount++
	}

	file, err := os.Create(e.options.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)

	return encoder.Encode(data)
}

// JSONReport represents the JSON export structure.
type JSONReport struct {
	Metadata JSONMetadata             `json:"metadata"`
	Rows     []map[string]interface{} `json:"rows"`
}

// JSONMetadata represents report metadata.
type JSONMetadata struct {
	ReportType  string   `json:"report_type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	TotalCount  int      `json:"total_count"`
	Generated   string   `json:"generated"`
	Columns     []string `json:"columns"`
}

// exportCell converts values that excelize and JSON cannot represent
// natively.
func exportCell(v interface{}) interface{} {
	if d, ok := v.(time.Duration); ok {
		return d.Round(time.Millisecond).String()
	}
	return v
}

// formatValue converts a value to a string for export. Scores and
// change rates span many orders of magnitude, so floats keep
// significant digits instead of fixed decimals.
func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', 6, 64)
	case bool:
		if val {
			return "Yes"
		}
		return "No"
	case time.Duration:
		return val.Round(time.Millisecond).String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sanitizeSheetName ensures the sheet name is valid for Excel.
func sanitizeSheetName(name string) string {
	invalid := []string{"\\", "/", "?", "*", "[", "]", ":"}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Max 31 characters
	if len(result) > 31 {
		result = result[:31]
	}

	return result
}

// BulkExporter handles exporting multiple reports.
type BulkExporter struct {
	generator *Generator
	outputDir string
}

// NewBulkExporter creates a new bulk exporter.
func NewBulkExporter(generator *Generator, outputDir string) *BulkExporter {
	return &BulkExporter{
		generator: generator,
		outputDir: outputDir,
	}
}

// ExportAll writes every non-empty report into the output directory.
func (b *BulkExporter) ExportAll(format ExportFormat) error {
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	for _, def := range AllReports() {
		report, err := b.generator.Generate(def.Type)
		if err != nil {
			return fmt.Errorf("failed to generate %s: %w", def.Type, err)
		}
		if report.TotalCount == 0 {
			continue
		}

		filename := fmt.Sprintf("%s_%s.%s", sanitizeFilename(def.Name), timestamp, format)
		options := &ExportOptions{
			Format:       format,
			FilePath:     filepath.Join(b.outputDir, filename),
			IncludeEmpty: true,
			Delimiter:    ',',
		}

		if err := NewExporter(options).Export(report); err != nil {
			return fmt.Errorf("failed to export %s: %w", def.Type, err)
		}
	}

	return nil
}

// ExportGraph writes the link graph snapshot as JSON into the output
// directory.
func (b *BulkExporter) ExportGraph() error {
	if err := os.MkdirAll(b.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	snap, err := b.generator.BuildGraphSnapshot()
	if err != nil {
		return err
	}
	return snap.WriteJSON(filepath.Join(b.outputDir, "link_graph.json"))
}

// ExportAllToXLSX writes every report as a sheet of a single
// workbook, with a summary sheet up front.
func (b *BulkExporter) ExportAllToXLSX(filePath string) error {
	f := excelize.NewFile()
	defer f.Close()

	f.DeleteSheet("Sheet1")
	if err := b.addSummarySheet(f); err != nil {
		return err
	}

	for _, def := range AllReports() {
		report, err := b.generator.Generate(def.Type)
		if err != nil {
			return fmt.Errorf("failed to generate %s: %w", def.Type, err)
		}
		if report.TotalCount == 0 {
			continue
		}

		sheetName := sanitizeSheetName(def.Name)
		f.NewSheet(sheetName)

		for i, col := range report.Definition.Columns {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheetName, cell, col)
		}

		for rowIdx, row := range report.Rows {
			for i, col := range report.Definition.Columns {
				cell, _ := excelize.CoordinatesToCellName(i+1, rowIdx+2)
				if val, ok := row.Values[col]; ok {
					f.SetCellValue(sheetName, cell, exportCell(val))
				}
			}
		}
	}

	return f.SaveAs(filePath)
}

// addSummarySheet lists all reports with row counts and sheet links.
func (b *BulkExporter) addSummarySheet(f *excelize.File) error {
	sheetName := "Summary"
	f.NewSheet(sheetName)
	f.SetActiveSheet(0)

	headers := []string{"Report", "Category", "Description", "Rows"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
	}

	row := 2
	for _, def := range AllReports() {
		report, err := b.generator.Generate(def.Type)
		if err != nil {
			return fmt.Errorf("failed to generate %s: %w", def.Type, err)
		}

		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), def.Name)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), def.Category)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), def.Description)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), report.TotalCount)

		sheetLinkName := sanitizeSheetName(def.Name)
		f.SetCellHyperLink(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("'%s'!A1", sheetLinkName), "Location")

		row++
	}

	f.SetColWidth(sheetName, "A", "A", 30)
	f.SetColWidth(sheetName, "B", "B", 15)
	f.SetColWidth(sheetName, "C", "C", 50)
	f.SetColWidth(sheetName, "D", "D", 10)
	return nil
}

// sanitizeFilename ensures the file name is portable.
func sanitizeFilename(name string) string {
	invalid := []string{"\\", "/", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	return strings.ToLower(result)
}
