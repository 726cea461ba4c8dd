package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/models"
)

// loadDataset reads the upload's source file into the normalised tabular form.
// The loader is selected by extension, falling back to content sniffing when
// the extension is missing or unknown.
func loadDataset(path string) (*models.Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("File not found: %s", path))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path)
	case ".xlsx", ".xls":
		return loadExcel(path)
	case ".pdf":
		return loadPDF(path)
	}

	kind, err := sniffFileType(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "xlsx", "xls":
		return loadExcel(path)
	case "pdf":
		return loadPDF(path)
	}
	return nil, gerror.NewErrUnsupportedFormat(fmt.Sprintf("Unsupported file type: %q", filepath.Ext(path)))
}

func sniffFileType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", gerror.NewErrParseFailed("Failed to open file for type detection", err)
	}
	defer file.Close()
	head := make([]byte, 261)
	n, _ := file.Read(head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return "", gerror.NewErrUnsupportedFormat(fmt.Sprintf("Unsupported file type: %q", filepath.Ext(path)))
	}
	return kind.Extension, nil
}

func loadCSV(path string) (*models.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to read CSV file", err)
	}
	if !utf8.Valid(data) {
		return nil, gerror.NewErrParseFailed("Failed to decode CSV file: invalid UTF-8", nil)
	}
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to parse CSV file", err)
	}
	if len(records) == 0 {
		return models.NewDataset(nil), nil
	}
	dataset := models.NewDataset(normalizeColumns(records[0]))
	for _, record := range records[1:] {
		dataset.AppendRow(record)
	}
	return dataset, nil
}

func loadExcel(path string) (*models.Dataset, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to open workbook", err)
	}
	defer file.Close()
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return models.NewDataset(nil), nil
	}
	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to read worksheet", err)
	}
	if len(rows) == 0 {
		return models.NewDataset(nil), nil
	}
	dataset := models.NewDataset(normalizeColumns(rows[0]))
	for _, row := range rows[1:] {
		dataset.AppendRow(row)
	}
	return dataset, nil
}

// loadPDF extracts the table from the first page, treating each text row as a
// table row and the first row as the header.
func loadPDF(path string) (*models.Dataset, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to open PDF file", err)
	}
	defer file.Close()
	if reader.NumPage() == 0 {
		return nil, gerror.NewErrParseFailed("No table found in first PDF page", nil)
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return nil, gerror.NewErrParseFailed("No table found in first PDF page", nil)
	}
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil, gerror.NewErrParseFailed("Failed to extract text from PDF page", err)
	}
	var table [][]string
	for _, row := range rows {
		var cells []string
		for _, text := range row.Content {
			value := strings.TrimSpace(text.S)
			if value != "" {
				cells = append(cells, value)
			}
		}
		if len(cells) > 0 {
			table = append(table, cells)
		}
	}
	if len(table) == 0 {
		return nil, gerror.NewErrParseFailed("No table found in first PDF page", nil)
	}
	dataset := models.NewDataset(normalizeColumns(table[0]))
	for _, row := range table[1:] {
		dataset.AppendRow(row)
	}
	return dataset, nil
}

// normalizeColumns collapses whitespace and lowercases headers into
// lower_snake form, so "  Student ID " becomes "student_id".
func normalizeColumns(header []string) []string {
	columns := make([]string, len(header))
	for i, name := range header {
		collapsed := strings.Join(strings.Fields(name), " ")
		columns[i] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(collapsed)), " ", "_")
	}
	return columns
}
