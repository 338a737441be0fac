package wto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/statvar-ingest/pkg/csvout"
)

// ErrNotArray is returned when an indicators response is not a JSON array
// of objects, e.g. an API error document.
var ErrNotArray = errors.New("indicators response is not a JSON array of objects")

// DecodeObjects decodes a JSON array of objects into records whose fields
// keep the order they appear in the document. Strings are taken verbatim,
// null becomes empty and other values keep their compact JSON text.
func DecodeObjects(data []byte) ([]csvout.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	var records []csvout.Record
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		var rec csvout.Record
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", tok)
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("decode %q: %w", name, err)
			}
			value, err := renderJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("render %q: %w", name, err)
			}
			rec = append(rec, csvout.Field{Name: name, Value: value})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return records, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("%w: got %v, want %v", ErrNotArray, tok, want)
	}
	return nil
}

func renderJSON(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, string(trimmed) == "null":
		return "", nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", err
		}
		return strings.TrimSpace(buf.String()), nil
	}
}
