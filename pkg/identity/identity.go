// Package identity derives a high-confidence subject identity from a
// document's external identifier. Extracted content frequently misreads form
// labels, place names or dates as subject names, so when the identifier
// itself carries an identity it takes absolute precedence over anything the
// extraction pipeline produced.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Identity is a subject identity taken from an external identifier.
type Identity struct {
	FullName     string // "Given Surname", display form
	IdentityDate string // YYYY-MM-DD
}

// Two-digit years pivot here: >= 26 is 1900s, < 26 is 2000s.
const yearPivot = 26

// Surname, given name(s), date. Tolerates hyphenated compound names,
// straight and curly apostrophes, doubled commas, irregular whitespace,
// ./- date separators and trailing annotation text after the date.
var externalIDPattern = regexp.MustCompile(
	`^\s*([A-Za-z][A-Za-z'’ -]*?)\s*,+\s*([A-Za-z][A-Za-z'’ -]*?)[\s,]+(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})(\D.*)?$`)

// FromExternalID parses an identifier of the shape
// "Surname, Given 01.03.56 annotation". The second return is false when the
// identifier does not fit the pattern; that is a normal outcome, not an
// error, and callers fall back to content-derived identity.
func FromExternalID(externalID string) (Identity, bool) {
	m := externalIDPattern.FindStringSubmatch(externalID)
	if m == nil {
		return Identity{}, false
	}

	surname := collapse(m[1])
	given := collapse(m[2])
	if surname == "" || given == "" {
		return Identity{}, false
	}

	day, _ := strconv.Atoi(m[3])
	month, _ := strconv.Atoi(m[4])
	year, ok := parseYear(m[5])
	if !ok {
		return Identity{}, false
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Year() != year || int(date.Month()) != month || date.Day() != day {
		return Identity{}, false
	}

	return Identity{
		FullName:     given + " " + surname,
		IdentityDate: fmt.Sprintf("%04d-%02d-%02d", year, month, day),
	}, true
}

func parseYear(raw string) (int, bool) {
	switch len(raw) {
	case 4:
		y, _ := strconv.Atoi(raw)
		return y, true
	case 2:
		yy, _ := strconv.Atoi(raw)
		if yy >= yearPivot {
			return 1900 + yy, true
		}
		return 2000 + yy, true
	default:
		return 0, false
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
