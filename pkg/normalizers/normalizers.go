// Package normalizers provides identifier normalization for the resolver's
// identifier index. Lookups and inserts always go through the same
// normalizer so equivalent raw values land on the same index key.
package normalizers

import (
	"regexp"
	"strings"
	"unicode"
)

// MicrochipMinLength is the shortest chip number accepted as an identifier.
// Registry formats are 9, 10, or 15 digits; anything shorter is a partial
// read and unusable for matching.
const MicrochipMinLength = 9

// Normalizer is a function that normalizes a string value. An empty return
// means the value is unusable and must not be indexed.
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("email", Email)
	Register("phone", Phone)
	Register("address", Address)
	Register("microchip", Microchip)
	Register("name", Name)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names pass the value
// through unchanged.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// Email lowercases and trims an email address
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Phone reduces a phone number to its digits. A leading country-code 1 on an
// 11-digit number is dropped so 1-303-555-0100 and 303-555-0100 index as the
// same value.
func Phone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// Microchip trims a chip number and rejects partial reads
func Microchip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < MicrochipMinLength {
		return ""
	}
	return s
}

var addressAbbreviations = map[string]string{
	" street":    " st",
	" avenue":    " ave",
	" boulevard": " blvd",
	" drive":     " dr",
	" road":      " rd",
	" lane":      " ln",
	" court":     " ct",
	" circle":    " cir",
	" place":     " pl",
	" apartment": " apt",
	" suite":     " ste",
	" north":     " n",
	" south":     " s",
	" east":      " e",
	" west":      " w",
}

var addressSpaceRe = regexp.MustCompile(`\s+`)

// Address lowercases an address, standardizes common abbreviations, strips
// punctuation, and collapses whitespace
func Address(s string) string {
	s = strings.ToLower(s)

	for full, abbr := range addressAbbreviations {
		s = strings.ReplaceAll(s, full, abbr)
	}

	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(addressSpaceRe.ReplaceAllString(result.String(), " "))
}

// Name normalizes a person's name for match scoring
// - Lowercase
// - Remove common suffixes (Jr., Sr., III, etc.)
// - Remove punctuation, collapse whitespace
func Name(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md", " dds"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
