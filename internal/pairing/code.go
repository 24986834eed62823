// Package pairing implements the couple-pairing registry: short shareable
// codes, the atomic two-account redemption transaction, the connection
// history ledger, and reconnection requests.
package pairing

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 6

	// codeCharset excludes visually ambiguous characters (0/O, 1/I/L).
	codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// NewCode generates a random pairing code from the unambiguous charset.
func NewCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeCharset[int(b)%len(codeCharset)]
	}
	return string(buf), nil
}

// CleanCode strips whitespace and display separators from user input and
// upper-cases the result. It performs no validation.
func CleanCode(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// FormatForDisplay inserts a separator in the middle of a code for easier
// reading and dictation ("AB12CD" -> "AB1-2CD"). Codes of unexpected length
// are returned unchanged.
func FormatForDisplay(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:CodeLength/2] + "-" + code[CodeLength/2:]
}

// ValidFormat reports whether a cleaned code has the expected length and
// contains only alphanumeric characters. It accepts the full alphanumeric
// range rather than just the generation charset so that codes issued by
// older builds still validate.
func ValidFormat(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
