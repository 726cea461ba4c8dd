package pipeline

import (
	"math"
	"strconv"
	"strings"

	"github.com/batchops/batchops/common/models"
)

// buildSummary computes row and column counts plus numeric statistics for
// every column whose non-empty cells all parse as numbers.
func buildSummary(dataset *models.Dataset) *models.Summary {
	summary := &models.Summary{
		RowCount:     dataset.RowCount(),
		ColumnCount:  dataset.ColumnCount(),
		NumericStats: make(map[string]models.ColumnStats),
	}
	for idx, column := range dataset.Columns {
		values, numeric := numericColumn(dataset, idx)
		if !numeric || len(values) == 0 {
			continue
		}
		summary.NumericStats[column] = columnStats(values)
	}
	return summary
}

func numericColumn(dataset *models.Dataset, idx int) ([]float64, bool) {
	var values []float64
	for _, row := range dataset.Rows {
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		value, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, false
		}
		values = append(values, value)
	}
	return values, true
}

func columnStats(values []float64) models.ColumnStats {
	stats := models.ColumnStats{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = sum / float64(len(values))

	if len(values) > 1 {
		variance := 0.0
		for _, v := range values {
			d := v - stats.Mean
			variance += d * d
		}
		// Sample standard deviation
		stats.StdDev = math.Sqrt(variance / float64(len(values)-1))
	}
	return stats
}
