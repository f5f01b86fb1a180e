package domain

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText trims free text and converts it to Unicode NFC so that
// visually identical names and notes compare and audit identically.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
