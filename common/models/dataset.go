package models

// Dataset is the normalised tabular form passed between pipeline stages.
// Cells are strings; numeric interpretation happens in the stages that need it.
type Dataset struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func NewDataset(columns []string) *Dataset {
	return &Dataset{Columns: columns}
}

// ColumnIndex returns the index of the named column, or -1 if absent.
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn returns true if the named column exists.
func (d *Dataset) HasColumn(name string) bool {
	return d.ColumnIndex(name) >= 0
}

// AppendRow appends a row, padding or truncating to the column count.
func (d *Dataset) AppendRow(row []string) {
	if len(row) < len(d.Columns) {
		padded := make([]string, len(d.Columns))
		copy(padded, row)
		row = padded
	} else if len(row) > len(d.Columns) {
		row = row[:len(d.Columns)]
	}
	d.Rows = append(d.Rows, row)
}

// AddColumn appends a new empty column to every row and returns its index.
func (d *Dataset) AddColumn(name string) int {
	d.Columns = append(d.Columns, name)
	for i := range d.Rows {
		d.Rows[i] = append(d.Rows[i], "")
	}
	return len(d.Columns) - 1
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	clone := &Dataset{
		Columns: append([]string(nil), d.Columns...),
		Rows:    make([][]string, len(d.Rows)),
	}
	for i, row := range d.Rows {
		clone.Rows[i] = append([]string(nil), row...)
	}
	return clone
}

func (d *Dataset) RowCount() int {
	return len(d.Rows)
}

func (d *Dataset) ColumnCount() int {
	return len(d.Columns)
}

// ColumnStats holds per-column numeric statistics computed by the summarize
// stage. Only columns where every non-empty cell parses as a number get stats.
type ColumnStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Summary is the metadata produced by the summarize stage and rendered by publish.
type Summary struct {
	RowCount     int                    `json:"row_count"`
	ColumnCount  int                    `json:"column_count"`
	NumericStats map[string]ColumnStats `json:"numeric_stats,omitempty"`
}
