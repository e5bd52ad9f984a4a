package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSideFile writes the dataset to <dir>/<table>_invalid_rows.csv using
// the given delimiter, header first. Nil cells are written as empty fields.
// The returned path is the file actually written.
func WriteSideFile(ds *Dataset, dir, table string, delimiter rune) (string, error) {
	if delimiter == 0 {
		delimiter = ','
	}

	path := filepath.Join(dir, table+"_invalid_rows.csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Comma = delimiter

	if err := w.Write(ds.Columns); err != nil {
		f.Close()
		return "", fmt.Errorf("write header: %w", err)
	}

	rec := make([]string, len(ds.Columns))
	for _, row := range ds.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) {
				if s, ok := row[i].(string); ok {
					rec[i] = s
				}
			}
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return "", fmt.Errorf("write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}
