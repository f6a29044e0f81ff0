package db

import (
	"database/sql/driver"
	"strings"

	"github.com/tidwall/gjson"
	"modernc.org/sqlite"
)

// SQLite's LOWER only folds ASCII. These functions give text filters
// Unicode case folding and let them match JSON documents by their decoded
// content rather than by escaped source text.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1, casefold)
	sqlite.MustRegisterDeterministicScalarFunction("json_text", 1, jsonText)
}

// casefold(x) lowercases text with Unicode rules. Non-text values pass
// through unchanged.
func casefold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// json_text(doc) returns every key and scalar value of a JSON document,
// decoded and one per line. NULL and invalid JSON yield NULL.
func jsonText(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	var raw string
	switch v := args[0].(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, nil
	}

	var b strings.Builder
	appendJSONText(&b, gjson.Parse(raw))
	return b.String(), nil
}

func appendJSONText(b *strings.Builder, r gjson.Result) {
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			line(b, k.String())
			appendJSONText(b, v)
			return true
		})
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			appendJSONText(b, v)
			return true
		})
	case r.Type == gjson.String:
		line(b, r.Str)
	case r.Type == gjson.Number, r.Type == gjson.True, r.Type == gjson.False:
		line(b, r.Raw)
	}
}

func line(b *strings.Builder, s string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(s)
}
