package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// Name length bounds, in runes.
const (
	DefaultNameMinLen = 1
	DefaultNameMaxLen = 100
)

// maxCityKeyDigits fits any positive int64.
const maxCityKeyDigits = 19

var (
	ErrNameEmpty        = errors.New("city name is required")
	ErrNameTooShort     = errors.New("city name too short")
	ErrNameTooLong      = errors.New("city name too long")
	ErrNameInvalidChars = errors.New("city name contains invalid characters")

	ErrKeyEmpty   = errors.New("city key is required")
	ErrKeyInvalid = errors.New("city key must be a positive integer")
)

// ValidateCityName trims the input, enforces length bounds (minLen, maxLen in
// runes; zero disables a bound) and restricts to letters (Unicode), digits,
// space, comma, hyphen, apostrophe and period. Returns the trimmed string.
// Case folding is left to the caller.
func ValidateCityName(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrNameEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrNameTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// ValidateCityKey accepts a trimmed string of ASCII digits naming a positive
// provider id. Leading zeros are stripped so "0042" and "42" share a key.
func ValidateCityKey(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrKeyEmpty
	}
	if len(s) > maxCityKeyDigits+8 {
		return "", ErrKeyInvalid
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", ErrKeyInvalid
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return "", ErrKeyInvalid
	}
	return strconv.FormatInt(id, 10), nil
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}
