// Package dataset implements the tabular dataset consumed by the ingestion
// pipeline: ordered named columns over ordered rows, read from delimited
// text files with delimiter and encoding fallback.
//
// Row order is a hard contract of this package. Chunked insertion and
// keep-first deduplication both rely on stable, insertion-order iteration,
// so nothing here may reorder rows.
package dataset

import "strings"

// keySep joins key-column values into a dedup key. It cannot appear in
// normal cell data.
const keySep = "\u001f"

// nullMarker distinguishes an absent cell from an empty string inside a
// dedup key.
const nullMarker = "\x00"

// Dataset is an in-memory tabular dataset.
//
// Cells are either nil (absent/null) or string. Columns holds the sanitized
// header names; every row is aligned to Columns by index.
type Dataset struct {
	Columns []string
	Rows    [][]any
}

// New returns an empty dataset with the given column set.
func New(columns []string) *Dataset {
	return &Dataset{Columns: append([]string(nil), columns...)}
}

// RowCount returns the number of rows.
func (d *Dataset) RowCount() int { return len(d.Rows) }

// ColumnIndex returns the index of a column by name.
func (d *Dataset) ColumnIndex(name string) (int, bool) {
	for i, c := range d.Columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}

// ColumnValues returns the ordered values of the i-th column.
func (d *Dataset) ColumnValues(i int) []any {
	out := make([]any, len(d.Rows))
	for r, row := range d.Rows {
		if i < len(row) {
			out[r] = row[i]
		}
	}
	return out
}

// AppendRow appends one row. The row must be aligned to Columns.
func (d *Dataset) AppendRow(row []any) {
	d.Rows = append(d.Rows, row)
}

// Subset returns a new dataset containing the given rows, in the given
// order, sharing the column set. Row slices are shared, not copied; callers
// must not mutate cells afterwards.
func (d *Dataset) Subset(rowIdx []int) *Dataset {
	out := New(d.Columns)
	out.Rows = make([][]any, 0, len(rowIdx))
	for _, i := range rowIdx {
		out.Rows = append(out.Rows, d.Rows[i])
	}
	return out
}

// Deduplicate removes rows whose key-column tuple has already been seen,
// keeping the first occurrence in original row order.
//
// If any key column is absent from the dataset, the input is returned
// untouched and ok is false; the caller is expected to warn and proceed.
// Deduplicating an already-deduplicated dataset on the same key is a no-op.
func Deduplicate(d *Dataset, keyColumns []string) (out *Dataset, removed int, ok bool) {
	if len(keyColumns) == 0 {
		return d, 0, true
	}

	keyIdx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		idx, found := d.ColumnIndex(k)
		if !found {
			return d, 0, false
		}
		keyIdx[i] = idx
	}

	seen := make(map[string]struct{}, len(d.Rows))
	out = New(d.Columns)
	out.Rows = make([][]any, 0, len(d.Rows))

	for _, row := range d.Rows {
		var b strings.Builder
		for i, idx := range keyIdx {
			if i > 0 {
				b.WriteString(keySep)
			}
			if idx >= len(row) || row[idx] == nil {
				b.WriteString(nullMarker)
				continue
			}
			if s, isStr := row[idx].(string); isStr {
				b.WriteString(s)
			}
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			removed++
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, row)
	}

	return out, removed, true
}
