// Package csvout writes partition CSV files and merges them into one output.
package csvout

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/statvar-ingest/pkg/logging"
)

// Field is one named value of a Record.
type Field struct {
	Name  string
	Value string
}

// Record is an output row whose fields keep their insertion order.
type Record []Field

// Get returns the value of name, or "" when absent.
func (r Record) Get(name string) string {
	for _, f := range r {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Names returns the field names in order.
func (r Record) Names() []string {
	names := make([]string, len(r))
	for i, f := range r {
		names[i] = f.Name
	}
	return names
}

// Write writes rows to path with a header line. Columns default to the
// field names of the first row; fields not named by columns are dropped
// and missing ones are left empty. Empty rows skip the write with a warning,
// remove any file left at path by an earlier run and report false.
func Write(path string, columns []string, rows []Record) (bool, error) {
	logger := logging.NewLogger("csvout")
	if len(rows) == 0 {
		logger.Warn().Str("path", path).Msg("No rows found. SKIPPED writing to CSV file")
		return false, Remove(path)
	}
	if len(columns) == 0 {
		columns = rows[0].Names()
	}

	err := writeAtomic(path, func(w *csv.Writer) error {
		if err := w.Write(columns); err != nil {
			return err
		}
		line := make([]string, len(columns))
		for _, row := range rows {
			for i, c := range columns {
				line[i] = row.Get(c)
			}
			if err := w.Write(line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	logger.Info().Str("path", path).Int("rows", len(rows)).Msg("Wrote CSV file")
	return true, nil
}

// Aggregate concatenates every *.csv file in dir into outPath under a single
// header of columns. Files are visited in directory enumeration order, not
// sorted; rows keep their order within a file and are mapped onto columns
// by header name. A missing dir yields a header-only output. It returns the
// number of data rows written.
func Aggregate(dir, outPath string, columns []string) (int, error) {
	logger := logging.NewLogger("csvout")

	parts, err := listParts(dir)
	if err != nil {
		return 0, err
	}

	rows := 0
	err = writeAtomic(outPath, func(w *csv.Writer) error {
		if err := w.Write(columns); err != nil {
			return err
		}
		for _, name := range parts {
			n, err := appendPart(w, filepath.Join(dir, name), columns)
			if err != nil {
				return fmt.Errorf("append %s: %w", name, err)
			}
			rows += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info().
		Str("path", outPath).
		Int("parts", len(parts)).
		Int("rows", rows).
		Msg("Wrote aggregate CSV")
	return rows, nil
}

func listParts(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open parts dir: %w", err)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("read parts dir: %w", err)
	}

	var parts []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".csv") {
			continue
		}
		parts = append(parts, name)
	}
	return parts, nil
}

func appendPart(w *csv.Writer, path string, columns []string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[h] = i
	}

	n := 0
	line := make([]string, len(columns))
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		for i, c := range columns {
			line[i] = ""
			if j, ok := index[c]; ok && j < len(rec) {
				line[i] = rec[j]
			}
		}
		if err := w.Write(line); err != nil {
			return n, err
		}
		n++
	}
}

// Remove deletes the file at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Clear removes the *.csv files directly under dir, the ones Aggregate
// would read. A missing dir is not an error.
func Clear(dir string) (int, error) {
	parts, err := listParts(dir)
	if err != nil {
		return 0, err
	}
	for i, name := range parts {
		if err := Remove(filepath.Join(dir, name)); err != nil {
			return i, err
		}
	}
	return len(parts), nil
}

// writeAtomic renders a CSV into a temporary sibling of path and renames it
// into place.
func writeAtomic(path string, render func(*csv.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	w := csv.NewWriter(tmp)
	if err := render(w); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		cleanup()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
