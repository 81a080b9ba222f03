package dialect

// Row is one result row: ordered column names plus their values. The zero
// Row is empty; First returns it alongside ErrNoRows.
type Row struct {
	columns []string
	values  []any
}

// NewRow builds a row. columns and values must have equal length; the row
// keeps the slices without copying.
func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

// Columns returns the column names in result order.
func (r Row) Columns() []string { return r.columns }

// Values returns the column values in result order.
func (r Row) Values() []any { return r.values }

// Len returns the number of columns.
func (r Row) Len() int { return len(r.columns) }

// Get returns the value of the named column. The bool is false when the
// column is not part of the row.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Index returns the value at position i.
func (r Row) Index(i int) any { return r.values[i] }
