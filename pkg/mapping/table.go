// Package mapping loads the local table that joins source dataset codes to
// statistical variables, units and scale factors.
package mapping

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Sternrassler/statvar-ingest/pkg/logging"
	"github.com/jszwec/csvutil"
)

var (
	// ErrDuplicateCode is returned by NewTable in strict mode when two
	// entries share a code.
	ErrDuplicateCode = errors.New("duplicate mapping code")

	// ErrMissingColumn is returned when the table header lacks a required column.
	ErrMissingColumn = errors.New("missing mapping column")
)

// Entry maps one source code to its output variable.
type Entry struct {
	Code       string
	VariableID string
	Unit       string

	// Multiplier scales parsed values. 1 when the column is absent or blank.
	Multiplier float64
}

// Columns names the header columns of a mapping file. An empty Unit or
// Multiplier means the file does not carry that column.
type Columns struct {
	Code       string
	VariableID string
	Unit       string
	Multiplier string
}

// WTOColumns is the layout of statvars.csv.
var WTOColumns = Columns{
	Code:       "code",
	VariableID: "statVar",
	Unit:       "svObsUnit",
	Multiplier: "multiplier",
}

// USDAColumns is the layout of sv.csv.
var USDAColumns = Columns{
	Code:       "name",
	VariableID: "sv",
	Unit:       "unit",
}

// row is the canonical decode target; file headers are renamed onto these
// tags before decoding.
type row struct {
	Code       string `csv:"code"`
	VariableID string `csv:"variable"`
	Unit       string `csv:"unit"`
	Multiplier string `csv:"multiplier"`
}

// Load decodes mapping entries from r using the column layout cols.
func Load(r io.Reader, cols Columns) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read mapping header: %w", err)
	}

	canonical, err := renameHeader(header, cols)
	if err != nil {
		return nil, err
	}

	dec, err := csvutil.NewDecoder(cr, canonical...)
	if err != nil {
		return nil, fmt.Errorf("create mapping decoder: %w", err)
	}

	var entries []Entry
	for {
		var rec row
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode mapping row: %w", err)
		}

		multiplier := 1.0
		if s := strings.TrimSpace(rec.Multiplier); s != "" {
			multiplier, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("mapping %q: invalid multiplier %q: %w", rec.Code, rec.Multiplier, err)
			}
		}

		entries = append(entries, Entry{
			Code:       rec.Code,
			VariableID: rec.VariableID,
			Unit:       rec.Unit,
			Multiplier: multiplier,
		})
	}
	return entries, nil
}

func renameHeader(header []string, cols Columns) ([]string, error) {
	rename := map[string]string{
		cols.Code:       "code",
		cols.VariableID: "variable",
	}
	if cols.Unit != "" {
		rename[cols.Unit] = "unit"
	}
	if cols.Multiplier != "" {
		rename[cols.Multiplier] = "multiplier"
	}

	seen := make(map[string]bool, len(rename))
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		if canonical, ok := rename[h]; ok {
			out[i] = canonical
			seen[h] = true
			continue
		}
		// Unrelated columns must not collide with canonical tags.
		out[i] = "x-" + h
	}

	for _, required := range []string{cols.Code, cols.VariableID} {
		if !seen[required] {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, required)
		}
	}
	return out, nil
}

// LoadFile loads a mapping file and builds a table from it.
func LoadFile(path string, cols Columns, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()

	entries, err := Load(f, cols)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewTable(entries, opts)
}

// Options controls table construction.
type Options struct {
	// Strict rejects duplicate codes instead of letting the last entry win.
	Strict bool
}

// Table is a read-only code lookup, safe for concurrent use after
// construction.
type Table struct {
	entries    map[string]Entry
	duplicates []string
}

// NewTable builds a lookup table. Duplicate codes overwrite earlier entries
// and are logged, or fail with ErrDuplicateCode when opts.Strict.
func NewTable(entries []Entry, opts Options) (*Table, error) {
	logger := logging.NewLogger("mapping")
	t := &Table{entries: make(map[string]Entry, len(entries))}

	for _, e := range entries {
		if _, exists := t.entries[e.Code]; exists {
			if opts.Strict {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateCode, e.Code)
			}
			t.duplicates = append(t.duplicates, e.Code)
			logger.Warn().Str("code", e.Code).Msg("Duplicate mapping code, last entry wins")
		}
		t.entries[e.Code] = e
	}
	return t, nil
}

// Lookup returns the entry for code.
func (t *Table) Lookup(code string) (Entry, bool) {
	e, ok := t.entries[code]
	return e, ok
}

// Len returns the number of distinct codes.
func (t *Table) Len() int {
	return len(t.entries)
}

// Duplicates returns the codes that appeared more than once, in input order.
func (t *Table) Duplicates() []string {
	return append([]string(nil), t.duplicates...)
}
