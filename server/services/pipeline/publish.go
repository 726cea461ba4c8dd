package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/models"
)

const exportsDirName = "exports"

// summaryRows renders the field/value rows of the summary report, in a stable
// order so repeated publishes of the same upload produce identical artifacts.
func summaryRows(upload *models.Upload, dataset *models.Dataset, summary *models.Summary) [][]string {
	rows := [][]string{
		{"upload_id", upload.ID.String()},
		{"department", upload.Department},
		{"filename", upload.Filename},
		{"rows", strconv.Itoa(summary.RowCount)},
		{"cols", strconv.Itoa(summary.ColumnCount)},
		{"columns", strings.Join(dataset.Columns, ", ")},
	}
	columns := make([]string, 0, len(summary.NumericStats))
	for column := range summary.NumericStats {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		stats := summary.NumericStats[column]
		rows = append(rows,
			[]string{column + ".count", strconv.Itoa(stats.Count)},
			[]string{column + ".mean", formatStat(stats.Mean)},
			[]string{column + ".min", formatStat(stats.Min)},
			[]string{column + ".max", formatStat(stats.Max)},
			[]string{column + ".std", formatStat(stats.StdDev)},
		)
	}
	return rows
}

func formatStat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// renderSummaryCSV produces the published CSV for transform mode: a two-column
// field/value table describing the processed upload.
func renderSummaryCSV(upload *models.Upload, dataset *models.Dataset, summary *models.Summary) (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	err := writer.Write([]string{"field", "value"})
	if err != nil {
		return "", gerror.NewErrInternal("Failed to render summary CSV", err)
	}
	for _, row := range summaryRows(upload, dataset, summary) {
		err = writer.Write(row)
		if err != nil {
			return "", gerror.NewErrInternal("Failed to render summary CSV", err)
		}
	}
	writer.Flush()
	if writer.Error() != nil {
		return "", gerror.NewErrInternal("Failed to render summary CSV", writer.Error())
	}
	return buf.String(), nil
}

// renderDatasetCSV produces the published CSV for append, delete and custom
// modes: the processed dataset itself.
func renderDatasetCSV(dataset *models.Dataset) (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	err := writer.Write(dataset.Columns)
	if err != nil {
		return "", gerror.NewErrInternal("Failed to render dataset CSV", err)
	}
	for _, row := range dataset.Rows {
		err = writer.Write(row)
		if err != nil {
			return "", gerror.NewErrInternal("Failed to render dataset CSV", err)
		}
	}
	writer.Flush()
	if writer.Error() != nil {
		return "", gerror.NewErrInternal("Failed to render dataset CSV", writer.Error())
	}
	return buf.String(), nil
}

// renderReportPDF lays the summary out as a simple field/value report.
func renderReportPDF(upload *models.Upload, dataset *models.Dataset, summary *models.Summary) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.AddPage()
	doc.SetFont("Helvetica", "B", 14)
	doc.CellFormat(0, 10, fmt.Sprintf("Processing report: %s", upload.Filename), "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(0, 6, fmt.Sprintf("Department: %s", upload.Department), "", 1, "L", false, 0, "")
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 10)
	doc.CellFormat(70, 7, "Field", "1", 0, "L", false, 0, "")
	doc.CellFormat(110, 7, "Value", "1", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 10)
	for _, row := range summaryRows(upload, dataset, summary) {
		doc.CellFormat(70, 7, row[0], "1", 0, "L", false, 0, "")
		doc.CellFormat(110, 7, row[1], "1", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	err := doc.Output(&buf)
	if err != nil {
		return nil, gerror.NewErrInternal("Failed to render report PDF", err)
	}
	return buf.Bytes(), nil
}

// writeExports persists the published artifacts under the shared exports
// directory. File names carry the upload ID to avoid collisions.
func writeExports(storageRoot string, uploadID models.UploadID, reportCSV string, reportPDF []byte) error {
	exportDir := filepath.Join(storageRoot, exportsDirName)
	err := os.MkdirAll(exportDir, 0755)
	if err != nil {
		return gerror.NewErrTransient("Failed to create exports directory", err)
	}
	csvPath := filepath.Join(exportDir, fmt.Sprintf("%s-summary.csv", uploadID.UUID()))
	err = os.WriteFile(csvPath, []byte(reportCSV), 0644)
	if err != nil {
		return gerror.NewErrTransient("Failed to write CSV export", err)
	}
	pdfPath := filepath.Join(exportDir, fmt.Sprintf("%s-report.pdf", uploadID.UUID()))
	err = os.WriteFile(pdfPath, reportPDF, 0644)
	if err != nil {
		return gerror.NewErrTransient("Failed to write PDF export", err)
	}
	return nil
}
