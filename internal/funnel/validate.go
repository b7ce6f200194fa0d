package funnel

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	phonePattern = regexp.MustCompile(`^[0-9]{11}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Validators run on the raw text the user typed. None of them may panic.

func validFullName(raw string) bool {
	return len(strings.Fields(raw)) >= 2
}

func validPhone(raw string) bool {
	return phonePattern.MatchString(raw)
}

// validEmail rejects any Unicode whitespace; RE2's \s covers ASCII only.
func validEmail(raw string) bool {
	if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
		return false
	}
	return emailPattern.MatchString(raw)
}

func validOperation(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "1", "2":
		return true
	}
	return false
}

func validPropertyType(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "casa", "apartamento", "outro":
		return true
	}
	return false
}

func validNumber(raw string) bool {
	v := strings.TrimSpace(raw)
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

func validUrgency(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "alta", "media", "média", "baixa":
		return true
	}
	return false
}

func acceptAny(string) bool { return true }

// Normalizers only ever see input their validator accepted, and applying one
// twice gives the same result as applying it once.

func trimmed(raw string) string {
	return strings.TrimSpace(raw)
}

func lowered(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeOperation(raw string) string {
	switch v := strings.TrimSpace(raw); v {
	case "1", "compra":
		return "compra"
	case "2", "aluguel":
		return "aluguel"
	default:
		return v
	}
}

// normalizeNumber drops leading zeros without parsing, so long digit strings
// cannot overflow.
func normalizeNumber(raw string) string {
	v := strings.TrimLeft(strings.TrimSpace(raw), "0")
	if v == "" {
		return "0"
	}
	return v
}

func normalizeUrgency(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "média" {
		return "media"
	}
	return v
}
