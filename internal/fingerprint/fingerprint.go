// Package fingerprint normalizes raw SQL into a structural template and
// derives a stable identifier from it. Two queries that differ only in
// literal values, whitespace, or comments share a fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyQuery signals a syntactically empty input. It is a skip
// condition, not a failure: callers drop such events silently.
var ErrEmptyQuery = errors.New("empty query")

var (
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment   = regexp.MustCompile(`(?m)(--|#)[^\n]*`)
	singleQuoted  = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	doubleQuoted  = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	hexLiteral    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	numberLiteral = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	valueList     = regexp.MustCompile(`\(\s*\?(\s*,\s*\?)*\s*\)`)
	operators     = regexp.MustCompile(`\s*(<=|>=|<>|!=|=|<|>|,)\s*`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Fingerprint normalizes rawQuery and returns the stable identifier
// together with the normalized template. Returns ErrEmptyQuery when the
// input contains no statement after normalization.
func Fingerprint(rawQuery string) (string, string, error) {
	template := Normalize(rawQuery)
	if template == "" {
		return "", "", ErrEmptyQuery
	}

	sum := sha256.Sum256([]byte(template))
	return hex.EncodeToString(sum[:16]), template, nil
}

// Normalize strips literals, comments, and formatting differences from
// a SQL statement, producing the structural template used for
// fingerprinting. The result is also the redacted form safe to persist:
// no literal values survive normalization.
func Normalize(rawQuery string) string {
	q := rawQuery

	q = blockComment.ReplaceAllString(q, " ")
	q = lineComment.ReplaceAllString(q, " ")

	// Literals collapse to a placeholder. Strings before numbers so
	// digits inside quotes don't get rewritten twice.
	q = singleQuoted.ReplaceAllString(q, "?")
	q = doubleQuoted.ReplaceAllString(q, "?")
	q = hexLiteral.ReplaceAllString(q, "?")
	q = numberLiteral.ReplaceAllString(q, "?")

	q = strings.ToLower(q)

	// Uniform spacing around operators so "a=1" and "a = 1" normalize
	// to the same template.
	q = operators.ReplaceAllString(q, " $1 ")
	q = whitespace.ReplaceAllString(q, " ")
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, ";")
	q = strings.TrimSpace(q)

	// IN (?, ?, ?) and VALUES (?, ?) lists of any length collapse to a
	// single placeholder list so batch size doesn't split fingerprints.
	q = valueList.ReplaceAllString(q, "(?)")

	return q
}
