package policy

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// Classifier extracts routing fields from a record without requiring it to be
// valid JSON. A miss is reported through ok, never as an error.
type Classifier interface {
	// Discriminator returns the record's type value.
	Discriminator(record []byte) (value string, ok bool)

	// TextField returns the raw body of a string field with escape sequences
	// left verbatim (a payload of `He said \"hi\"` stays exactly that).
	TextField(record []byte, field string) (value string, ok bool)
}

// Classifier names accepted by NewClassifier.
const (
	ClassifierPrefix     = "prefix"
	ClassifierStructured = "structured"
)

// NewClassifier returns the classifier registered under name.
func NewClassifier(name string) (Classifier, error) {
	switch name {
	case "", ClassifierPrefix:
		return PrefixClassifier{}, nil
	case ClassifierStructured:
		return StructuredClassifier{}, nil
	default:
		return nil, fmt.Errorf("unknown classifier %q", name)
	}
}

var typePrefix = []byte(`{"type":`)

// PrefixClassifier reads the discriminator only when "type" is the first key
// of the serialized line, and finds text fields by substring search.
//
// Known limitation: this is textual, not a structured lookup. A record whose
// "type" key is not first is unclassified, and a field name that appears
// inside an earlier string value can produce a false match for TextField.
type PrefixClassifier struct{}

// Discriminator implements Classifier.
func (PrefixClassifier) Discriminator(record []byte) (string, bool) {
	if !bytes.HasPrefix(record, typePrefix) {
		return "", false
	}
	rest := bytes.TrimLeft(record[len(typePrefix):], " ")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	return scanString(rest[1:])
}

// TextField implements Classifier.
func (PrefixClassifier) TextField(record []byte, field string) (string, bool) {
	key := []byte(`"` + field + `":`)
	for off := 0; off < len(record); {
		i := bytes.Index(record[off:], key)
		if i < 0 {
			return "", false
		}
		rest := bytes.TrimLeft(record[off+i+len(key):], " ")
		if len(rest) > 0 && rest[0] == '"' {
			return scanString(rest[1:])
		}
		off += i + len(key)
	}
	return "", false
}

// scanString returns the bytes up to the closing quote, stepping over
// backslash escapes so an escaped quote does not end the string.
func scanString(b []byte) (string, bool) {
	for i := 0; i < len(b); {
		switch {
		case b[i] == '\\' && i+1 < len(b):
			i += 2
		case b[i] == '"':
			return string(b[:i]), true
		default:
			i++
		}
	}
	return "", false
}

// StructuredClassifier looks fields up by path with gjson, so key order and
// nesting do not matter. Records that are not valid JSON are unclassified.
type StructuredClassifier struct{}

// Discriminator implements Classifier.
func (StructuredClassifier) Discriminator(record []byte) (string, bool) {
	if !gjson.ValidBytes(record) {
		return "", false
	}
	res := gjson.GetBytes(record, "type")
	if res.Type != gjson.String {
		return "", false
	}
	return res.Str, true
}

// TextField implements Classifier.
func (StructuredClassifier) TextField(record []byte, field string) (string, bool) {
	if !gjson.ValidBytes(record) {
		return "", false
	}
	res := gjson.GetBytes(record, field)
	if res.Type != gjson.String || len(res.Raw) < 2 {
		return "", false
	}
	// Raw keeps the surrounding quotes and the original escapes.
	return res.Raw[1 : len(res.Raw)-1], true
}
