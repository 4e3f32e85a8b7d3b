package repository

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// sanitizeForPG removes PostgreSQL-incompatible bytes from strings:
// null bytes (\x00 / \u0000) and invalid UTF-8 sequences.
func sanitizeForPG(s string) string {
	s = strings.ReplaceAll(s, "\\u0000", "")
	s = strings.ReplaceAll(s, "\\U0000", "")
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// sanitizeJSONText sanitizes a json.RawMessage for JSONB insertion via an
// UNNEST text array. Empty or still-invalid input becomes the JSON null
// literal so the row keeps its slot in the batch arrays.
func sanitizeJSONText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	s := sanitizeForPG(string(raw))
	if !json.Valid([]byte(s)) {
		return "null"
	}
	return s
}
