// Package tokens splits delimited configuration strings and CSV-like rows into
// indexed token sequences.
package tokens

import (
	"fmt"
	"strings"
)

// Tokens is an indexed sequence of substrings.
type Tokens []string

// Split splits s on sep. Empty fields are dropped, so "a,,b" yields two tokens.
// An empty input yields nil.
func Split(s string, sep rune) Tokens {
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == sep })
	if len(fields) == 0 {
		return nil
	}
	return Tokens(fields)
}

// Index returns the position of tok, or -1 when absent.
func (t Tokens) Index(tok string) int {
	for i, s := range t {
		if s == tok {
			return i
		}
	}
	return -1
}

func (t Tokens) Len() int { return len(t) }

// ParseError describes a malformed token in a config string.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config token %q: %s", e.Token, e.Reason)
}

// ParseKeyValues parses a comma separated list of key=value pairs.
//
// Malformed tokens are reported in errs and skipped; the remaining pairs are
// still returned. Later duplicates override earlier ones. Keys and values are
// trimmed of surrounding whitespace.
func ParseKeyValues(s string) (map[string]string, []error) {
	out := make(map[string]string)
	var errs []error
	for _, tok := range Split(s, ',') {
		kv := Split(tok, '=')
		if len(kv) != 2 || strings.Count(tok, "=") != 1 {
			errs = append(errs, &ParseError{Token: tok, Reason: "expected key=value"})
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key == "" || val == "" {
			errs = append(errs, &ParseError{Token: tok, Reason: "empty key or value"})
			continue
		}
		out[key] = val
	}
	return out, errs
}
