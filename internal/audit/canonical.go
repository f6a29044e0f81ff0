package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// GenesisHash is the chain value preceding every tenant's first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the stored and hashed timestamp form. Fixed width, so
// stored values sort lexicographically in time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in TimestampLayout (UTC, microseconds).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Canonicalize returns the deterministic serialization of the hashed fields
// of e: a JSON object with keys sorted at every depth, no whitespace, no
// HTML escaping and shortest round-trip numbers. id, hashChain and request
// provenance are not part of it.
func Canonicalize(e Entry) []byte {
	var b bytes.Buffer
	b.WriteByte('{')

	field(&b, "action", true)
	writeString(&b, e.Action)
	field(&b, "entityId", false)
	writeString(&b, e.EntityID)
	field(&b, "entityType", false)
	writeString(&b, e.EntityType)
	field(&b, "metadata", false)
	writeDocument(&b, e.Metadata.orEmpty())
	field(&b, "newState", false)
	writeDocument(&b, e.NewState)
	field(&b, "previousState", false)
	writeDocument(&b, e.PreviousState)
	field(&b, "sequenceNumber", false)
	b.WriteString(strconv.FormatInt(e.SequenceNumber, 10))
	field(&b, "tenantId", false)
	writeString(&b, e.TenantID)
	field(&b, "timestamp", false)
	writeString(&b, FormatTimestamp(e.Timestamp))
	field(&b, "userId", false)
	if e.UserID == "" {
		b.WriteString("null")
	} else {
		writeString(&b, e.UserID)
	}

	b.WriteByte('}')
	return b.Bytes()
}

// ChainHash computes hex(SHA-256(prev || canonical)).
func ChainHash(prev string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func field(b *bytes.Buffer, name string, first bool) {
	if !first {
		b.WriteByte(',')
	}
	writeString(b, name)
	b.WriteByte(':')
}

func writeDocument(b *bytes.Buffer, d Document) {
	if d.IsZero() {
		b.WriteString("null")
		return
	}
	writeValue(b, gjson.ParseBytes(d.raw))
}

func writeValue(b *bytes.Buffer, r gjson.Result) {
	switch r.Type {
	case gjson.Null:
		b.WriteString("null")
	case gjson.False:
		b.WriteString("false")
	case gjson.True:
		b.WriteString("true")
	case gjson.Number:
		writeNumber(b, r.Num)
	case gjson.String:
		writeString(b, r.Str)
	case gjson.JSON:
		if r.IsArray() {
			b.WriteByte('[')
			i := 0
			r.ForEach(func(_, v gjson.Result) bool {
				if i > 0 {
					b.WriteByte(',')
				}
				writeValue(b, v)
				i++
				return true
			})
			b.WriteByte(']')
			return
		}
		writeObject(b, r)
	}
}

func writeObject(b *bytes.Buffer, r gjson.Result) {
	type member struct {
		key   string
		value gjson.Result
	}
	var members []member
	r.ForEach(func(k, v gjson.Result) bool {
		members = append(members, member{key: k.String(), value: v})
		return true
	})
	sort.SliceStable(members, func(i, j int) bool { return members[i].key < members[j].key })

	b.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, m.key)
		b.WriteByte(':')
		writeValue(b, m.value)
	}
	b.WriteByte('}')
}

// writeNumber uses encoding/json's float formatting, which follows the
// ECMAScript Number.prototype.toString rules.
func writeNumber(b *bytes.Buffer, f float64) {
	out, err := json.Marshal(f)
	if err != nil {
		// NaN and Inf cannot come out of valid JSON.
		b.WriteString("null")
		return
	}
	b.Write(out)
}

func writeString(b *bytes.Buffer, s string) {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	b.Truncate(b.Len() - 1) // Encode appends a newline.
}
