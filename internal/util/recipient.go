package util

import (
	"net/mail"
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone turns user input into an E.164-like number. Numbers with a
// national trunk prefix ("0...") get countryCode (digits only, e.g. "98").
func NormalizePhone(raw, countryCode string) string {
	s := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case countryCode != "" && strings.HasPrefix(s, "0"):
		s = "+" + countryCode + s[1:]
	case countryCode != "" && strings.HasPrefix(s, countryCode):
		s = "+" + s
	case countryCode != "" && s != "":
		s = "+" + countryCode + s
	}

	return s
}

// ValidPhone accepts "+" followed by 8..15 digits.
func ValidPhone(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeEmail trims and lowercases the domain part; ok is false when the
// address does not parse as a bare addr-spec.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return "", false
	}
	at := strings.LastIndexByte(s, '@')
	return s[:at] + "@" + strings.ToLower(s[at+1:]), true
}
