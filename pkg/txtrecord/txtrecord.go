// Package txtrecord converts between TXT record dictionaries and their
// linear byte encoding.
//
// The linear form joins "key=value" entries with a single newline. It is the
// representation handed to delegates and accepted by SetTXTRecordData. The
// responders themselves take the same entries as a DNS-SD string slice, see
// Records and FromRecords.
package txtrecord

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

// Separator splits entries in the linear encoding.
const Separator = '\n'

// ErrInvalidUTF8 is returned when a key or value is not valid UTF-8 text.
var ErrInvalidUTF8 = errors.New("txtrecord: key or value is not valid UTF-8")

// ErrInvalidEntry is returned when a key contains '=' or a separator, or a
// value contains a separator. Such entries would not decode to the same
// pair.
var ErrInvalidEntry = errors.New("txtrecord: key or value cannot be represented")

// Encode produces the linear encoding of m.
// Keys are written in sorted order. An empty map encodes to an empty,
// non-nil slice. If any key or value is not valid UTF-8, or cannot be
// represented (see ErrInvalidEntry), the whole encode fails and no partial
// record is returned.
func Encode(m map[string][]byte) ([]byte, error) {
	records, err := Records(m)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for i, record := range records {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		buf.WriteString(record)
	}

	out := buf.Bytes()
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Decode parses the linear encoding in data.
// Each segment is split on its first '='; a segment without '=' maps the
// whole segment to an empty value. Empty segments and segments that are not
// valid UTF-8 are dropped. Decode never fails.
func Decode(data []byte) map[string][]byte {
	result := make(map[string][]byte)
	if len(data) == 0 {
		return result
	}

	for _, segment := range bytes.Split(data, []byte{Separator}) {
		if len(segment) == 0 || !utf8.Valid(segment) {
			continue
		}
		key, value := splitEntry(string(segment))
		result[key] = []byte(value)
	}
	return result
}

// Records converts m into sorted "key=value" strings as used in DNS-SD TXT
// records. It rejects m the same way Encode does.
func Records(m map[string][]byte) ([]string, error) {
	keys := make([]string, 0, len(m))
	for key, value := range m {
		if !utf8.ValidString(key) || !utf8.Valid(value) {
			return nil, ErrInvalidUTF8
		}
		if strings.ContainsAny(key, "=\n") || bytes.IndexByte(value, Separator) >= 0 {
			return nil, ErrInvalidEntry
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, key := range keys {
		records = append(records, key+"="+string(m[key]))
	}
	return records, nil
}

// FromRecords parses DNS-SD TXT strings into a map.
// It applies the same leniency as Decode.
func FromRecords(records []string) map[string][]byte {
	result := make(map[string][]byte)
	for _, record := range records {
		if record == "" || !utf8.ValidString(record) {
			continue
		}
		key, value := splitEntry(record)
		result[key] = []byte(value)
	}
	return result
}

// DecodeRecords converts DNS-SD TXT strings straight to the linear encoding.
// Entries that cannot be represented are dropped.
func DecodeRecords(records []string) []byte {
	m := FromRecords(records)
	for key, value := range m {
		if bytes.IndexByte(value, Separator) >= 0 || strings.IndexByte(key, Separator) >= 0 {
			delete(m, key)
		}
	}
	data, err := Encode(m)
	if err != nil {
		return []byte{}
	}
	return data
}

func splitEntry(entry string) (string, string) {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx], entry[idx+1:]
	}
	return entry, ""
}
