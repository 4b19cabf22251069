package util

import (
	"errors"
	"strings"
	"unicode"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone strips spaces, dashes and parentheses and returns the number
// in E.164-ish form (+ followed by 7 to 15 digits). Numbers without a leading
// + are accepted and prefixed with one.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			// leading plus only
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped
		default:
			return "", ErrInvalidPhone
		}
	}

	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	return "+" + digits, nil
}

// MaskPhone hides the middle of a phone number for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "***"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}
