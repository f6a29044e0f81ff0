package audit

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Document is an opaque JSON object attached to an entry (previous state,
// new state, metadata). It keeps the caller's key order and is only
// interpreted through path accessors. The zero Document means "absent".
type Document struct {
	raw []byte
}

// NewDocument builds a Document from a map. A nil map yields the zero Document.
func NewDocument(fields map[string]any) (Document, error) {
	if fields == nil {
		return Document{}, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return Document{}, fmt.Errorf("audit: encoding document: %w", err)
	}
	return Document{raw: bytes.TrimRight(buf.Bytes(), "\n")}, nil
}

// MustDocument is like NewDocument but panics on encoding errors.
func MustDocument(fields map[string]any) Document {
	d, err := NewDocument(fields)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDocument validates raw JSON and wraps it. Empty input and JSON null
// yield the zero Document; anything other than an object is rejected.
func ParseDocument(b []byte) (Document, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Document{}, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return Document{}, errors.New("audit: document is not valid JSON")
	}
	if !gjson.ParseBytes(trimmed).IsObject() {
		return Document{}, errors.New("audit: document must be a JSON object")
	}
	return Document{raw: append([]byte(nil), trimmed...)}, nil
}

// IsZero reports whether the document is absent.
func (d Document) IsZero() bool { return len(d.raw) == 0 }

// Bytes returns the raw JSON, or nil for the zero Document.
func (d Document) Bytes() []byte { return d.raw }

// Get returns the value at a gjson path such as "status" or "lines.0.qty".
func (d Document) Get(path string) gjson.Result {
	if d.IsZero() {
		return gjson.Result{}
	}
	return gjson.GetBytes(d.raw, path)
}

// Status returns the top-level "status" field as a string, or "" when absent.
func (d Document) Status() string {
	r := d.Get("status")
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

// Set returns a copy of the document with path set to v.
func (d Document) Set(path string, v any) (Document, error) {
	base := d.raw
	if d.IsZero() {
		base = []byte("{}")
	}
	out, err := sjson.SetBytes(append([]byte(nil), base...), path, v)
	if err != nil {
		return Document{}, fmt.Errorf("audit: setting %q: %w", path, err)
	}
	return Document{raw: out}, nil
}

// Keys returns the top-level keys in document order.
func (d Document) Keys() []string {
	var keys []string
	if d.IsZero() {
		return keys
	}
	gjson.ParseBytes(d.raw).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return d.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(b []byte) error {
	doc, err := ParseDocument(b)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

func (d Document) nullString() sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(d.raw), Valid: true}
}

func documentFromNull(ns sql.NullString) (Document, error) {
	if !ns.Valid {
		return Document{}, nil
	}
	return ParseDocument([]byte(ns.String))
}

// orEmpty returns d, or an empty object when d is absent. Metadata is never
// stored as NULL.
func (d Document) orEmpty() Document {
	if d.IsZero() {
		return Document{raw: []byte("{}")}
	}
	return d
}
