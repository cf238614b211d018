// Package staging writes diagnostic CSV snapshots of rows at points of
// interest in a sync run: rows removed by the referential filter, duplicate
// rows dropped before upsert, and the insert/update partitions. The files
// are an audit trail only; nothing reads them back.
package staging

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/derekwayne/facebook-to-db/tables"
)

// Dir writes CSV files into a single directory. A zero Dir discards all
// writes, which lets callers dump unconditionally.
type Dir struct {
	path string
}

// NewDir returns a Dir rooted at path, creating it if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("could not create staging dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Dump writes rows as CSV under the provided name with columns in the given
// order. Missing cells are written empty. Nothing is written for an empty
// row set.
func (d *Dir) Dump(name string, columns []string, rows []tables.Row) error {
	if d == nil || d.path == "" || len(rows) == 0 {
		return nil
	}
	f, err := os.Create(filepath.Join(d.path, name+".csv"))
	if err != nil {
		return fmt.Errorf("staging dump %s: %w", name, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("staging dump %s: %w", name, err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			v := tables.Normalize(row[col])
			if v == nil {
				record[i] = ""
				continue
			}
			record[i] = fmt.Sprintf("%v", v)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("staging dump %s: %w", name, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("staging dump %s: %w", name, err)
	}
	return f.Close()
}
