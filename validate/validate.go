// Package validate holds the deterministic acceptance rules for collected
// values. The model's own judgement is never consulted here.
package validate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/room4-2/bookingline/catalog"
)

const (
	nameMinLen    = 1
	nameMaxLen    = 50
	addressMinLen = 5
	addressMaxLen = 200

	// addressMinSignals is how many structural patterns an address must show.
	addressMinSignals = 4
)

const nameBlacklist = "!@#$%^&*()_+=[]{}|\\:;\"<>?/~`"

// Australian mobile formats, checked in order after separators are stripped.
var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^04\d{8}$`),
	regexp.MustCompile(`^\+614\d{8}$`),
	regexp.MustCompile(`^00614\d{8}$`),
	regexp.MustCompile(`^614\d{8}$`),
}

var phoneSeparators = strings.NewReplacer(" ", "", "\t", "", "-", "", "(", "", ")", "")

var (
	streetNumberRe = regexp.MustCompile(`\b\d{1,5}[A-Za-z]?\b`)
	streetTypeRe   = regexp.MustCompile(`(?i)\b(street|st|road|rd|avenue|ave|drive|dr|lane|ln|place|pl|court|ct|crescent|cres|boulevard|blvd|parade|pde|terrace|tce|highway|hwy|close|way)\b`)
	stateRe        = regexp.MustCompile(`(?i)\b(NSW|VIC|QLD|WA|SA|TAS|ACT|NT)\b`)
	postcodeRe     = regexp.MustCompile(`\b\d{4}\b`)
	wordRe         = regexp.MustCompile(`[A-Za-z]+`)
)

// Validator applies the business rules for every field. Service and time
// availability are checked against the catalog.
type Validator struct {
	catalog *catalog.Catalog
}

// New returns a Validator backed by c, or the default catalog when c is nil.
func New(c *catalog.Catalog) *Validator {
	if c == nil {
		c = catalog.Default()
	}
	return &Validator{catalog: c}
}

// Name accepts 1..50 characters, no blacklisted punctuation, not only digits.
func (v *Validator) Name(s string) bool {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < nameMinLen || n > nameMaxLen {
		return false
	}
	if strings.ContainsAny(s, nameBlacklist) {
		return false
	}
	return !isNumeric(s)
}

// Phone accepts Australian mobile numbers only.
func (v *Validator) Phone(s string) bool {
	_, ok := MatchPhonePattern(s)
	return ok
}

// MatchPhonePattern returns the 1-based index of the mobile pattern that s
// matches once whitespace, hyphens and parentheses are removed.
func MatchPhonePattern(s string) (int, bool) {
	s = phoneSeparators.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	for i, re := range phonePatterns {
		if re.MatchString(s) {
			return i + 1, true
		}
	}
	return 0, false
}

// Address accepts 5..200 characters showing at least four structural signals.
// Matching is deliberately loose so partial transcriptions still pass.
func (v *Validator) Address(s string) bool {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < addressMinLen || n > addressMaxLen {
		return false
	}
	return AddressSignals(s) >= addressMinSignals
}

// AddressSignals counts how many of the five address patterns s shows:
// street number, street type, locality word, state code and postcode.
func AddressSignals(s string) int {
	count := 0
	if streetNumberRe.MatchString(s) {
		count++
	}
	if streetTypeRe.MatchString(s) {
		count++
	}
	if hasLocality(s) {
		count++
	}
	if stateRe.MatchString(s) {
		count++
	}
	if postcodeRe.MatchString(s) {
		count++
	}
	return count
}

// Service reports whether s is usable and whether the catalog offers it.
func (v *Validator) Service(s string) (wellFormed, available bool) {
	if strings.TrimSpace(s) == "" {
		return false, false
	}
	return true, v.catalog.OffersService(s)
}

// Time reports whether s is usable and whether it is an offered slot.
func (v *Validator) Time(s string) (wellFormed, available bool) {
	if strings.TrimSpace(s) == "" {
		return false, false
	}
	return true, v.catalog.OffersTime(s)
}

// hasLocality looks for a word that is neither a street type nor a state code.
func hasLocality(s string) bool {
	for _, w := range wordRe.FindAllString(s, -1) {
		if len(w) < 3 {
			continue
		}
		if streetTypeRe.MatchString(w) || stateRe.MatchString(w) {
			continue
		}
		return true
	}
	return false
}

func isNumeric(s string) bool {
	seen := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if !unicode.IsDigit(r) {
			return false
		}
		seen = true
	}
	return seen
}
