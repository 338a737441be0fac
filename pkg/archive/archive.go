// Package archive reads the single-member zip archives returned by the WTO
// timeseries API.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/jszwec/csvutil"
)

// ErrFileCount is returned when an archive does not hold exactly one member.
var ErrFileCount = errors.New("archive must contain exactly one file")

var utf8BOM = []byte("\xef\xbb\xbf")

// Member is the extracted content of an archive's only file.
type Member struct {
	Name string

	// Data is the member content with invalid UTF-8 sequences and a
	// leading byte order mark removed.
	Data []byte
}

// ReadSingle extracts the only member of a zip archive. Archives with zero
// or several members fail with ErrFileCount.
func ReadSingle(data []byte) (*Member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	if len(zr.File) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrFileCount, len(zr.File))
	}

	f := zr.File[0]
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}

	content = bytes.ToValidUTF8(content, nil)
	content = bytes.TrimPrefix(content, utf8BOM)
	return &Member{Name: f.Name, Data: content}, nil
}

// ReadSingleCSV extracts the only member and decodes it as CSV with a
// header line into v, a pointer to a slice of structs tagged for csvutil.
// An empty member leaves v untouched.
func ReadSingleCSV(data []byte, v any) (*Member, error) {
	m, err := ReadSingle(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(m.Data)) == 0 {
		return m, nil
	}
	if err := csvutil.Unmarshal(m.Data, v); err != nil {
		return m, fmt.Errorf("decode %s: %w", m.Name, err)
	}
	return m, nil
}
