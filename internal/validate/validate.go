// Package validate re-checks every dataset cell against the inferred column
// types and partitions the rows into valid and invalid subsets.
//
// The pass is always complete: diagnostics for every offending cell are
// collected before the caller decides whether to abort or continue.
package validate

import (
	"fmt"

	"csvload/internal/dataset"
	"csvload/internal/infer"
)

// RowError describes one non-conforming cell.
type RowError struct {
	// Row is the zero-based index into the input dataset.
	Row    int
	Column string
	Value  string
	Reason string
}

// Result summarizes a validation pass.
type Result struct {
	ValidRows   int
	InvalidRows int
	Errors      []RowError
}

// IsValid reports whether every row conformed.
func (r Result) IsValid() bool { return r.InvalidRows == 0 }

// Dataset checks every cell of ds against the corresponding column analysis
// and splits the rows into conforming and non-conforming subsets.
//
// The input is never mutated; both returned datasets share the input's row
// slices and preserve its row order. A row with several bad cells produces
// one RowError per cell but counts once. Nil and blank cells always conform.
func Dataset(ds *dataset.Dataset, analyses []infer.ColumnAnalysis) (Result, *dataset.Dataset, *dataset.Dataset) {
	var res Result

	validIdx := make([]int, 0, len(ds.Rows))
	invalidIdx := make([]int, 0)

	for r, row := range ds.Rows {
		bad := false
		for c, a := range analyses {
			if c >= len(row) {
				continue
			}
			if infer.Conforms(row[c], a.Type) {
				continue
			}
			bad = true
			val, _ := row[c].(string)
			res.Errors = append(res.Errors, RowError{
				Row:    r,
				Column: a.Name,
				Value:  val,
				Reason: fmt.Sprintf("value does not conform to inferred type %s", a.Type),
			})
		}
		if bad {
			invalidIdx = append(invalidIdx, r)
		} else {
			validIdx = append(validIdx, r)
		}
	}

	res.ValidRows = len(validIdx)
	res.InvalidRows = len(invalidIdx)

	return res, ds.Subset(validIdx), ds.Subset(invalidIdx)
}
