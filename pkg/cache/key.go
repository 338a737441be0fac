package cache

import (
	"path"
	"strings"
)

// ErrorSuffix is appended to the partition name of error documents.
const ErrorSuffix = ".ERROR.json"

// Key identifies one cached API response.
type Key struct {
	// Dataset is the slash-separated namespace (e.g. "response/2023",
	// "responses/indicator_data").
	Dataset string

	// Partition is the fetch target (county name, indicator code).
	Partition string

	// Ext is the file extension of a successful response ("json", "zip").
	Ext string
}

// Name returns the deterministic relative name of the success entry.
//
// Example:
//
//	Key{Dataset: "response/2023", Partition: "LOS ANGELES", Ext: "json"}.Name()
//	// response/2023/LOS ANGELES.json
func (k Key) Name() string {
	return path.Join(k.dataset(), SanitizePartition(k.Partition)+"."+strings.TrimPrefix(k.Ext, "."))
}

// ErrorName returns the relative name of the sibling error document.
func (k Key) ErrorName() string {
	return path.Join(k.dataset(), SanitizePartition(k.Partition)+ErrorSuffix)
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Name()
}

func (k Key) dataset() string {
	return strings.Trim(path.Clean("/"+k.Dataset), "/")
}

// SanitizePartition makes a partition value safe as a single path element.
// Separators and NUL become underscores; "." and ".." are replaced whole.
func SanitizePartition(partition string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, partition)
	if s == "" || s == "." || s == ".." {
		return strings.Repeat("_", max(len(s), 1))
	}
	return s
}

// partitionFromName recovers the sanitized partition of a success entry
// named base, or "" when base does not carry ext.
func partitionFromName(base, ext string) string {
	suffix := "." + strings.TrimPrefix(ext, ".")
	if !strings.HasSuffix(base, suffix) || strings.HasSuffix(base, ErrorSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, suffix)
}
