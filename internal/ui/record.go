package ui

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// UserRecord turns a line typed by the user into a record. Input that already
// looks like a JSON object is passed through untouched.
func UserRecord(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	out, err := sjson.Set(`{"type":"`+domain.TypeUserMessage+`"}`, domain.PayloadField, text)
	if err != nil {
		return trimmed
	}
	return out
}

// Summary renders a record for display as its type and text payload. Records
// without both are shown raw.
func Summary(record string) (kind, text string) {
	if !gjson.Valid(record) {
		return "", record
	}
	t := gjson.Get(record, "type")
	p := gjson.Get(record, domain.PayloadField)
	if t.Type != gjson.String {
		return "", record
	}
	if p.Type == gjson.String {
		return t.Str, p.Str
	}
	if p.Exists() {
		return t.Str, p.Raw
	}
	return t.Str, ""
}
