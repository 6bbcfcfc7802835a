package session

import "strings"

// NormalizeNumber canonicalizes a phone number: strip everything but
// digits, and prepend the trunk zero to bare 10-digit subscriber numbers.
func NormalizeNumber(raw string) string {
	digits := digitsOnly(raw)
	if len(digits) == 10 && digits[0] != '0' {
		return "0" + digits
	}
	return digits
}

// BetterContact reconciles a contact number with a new candidate from
// another header. The leading-zero form wins when the current value is its
// suffix; otherwise the current value is kept.
func BetterContact(current, candidate string) string {
	cand := NormalizeNumber(candidate)
	if cand == "" {
		return current
	}
	if current == "" {
		return cand
	}
	if strings.HasPrefix(cand, "0") && strings.HasSuffix(cand, current) {
		return cand
	}
	return current
}

// ResolveLine matches a dialed or connected number against the configured
// trunk lines: exact first, then with leading zeros stripped, then by
// suffix. The first candidate that resolves wins.
func ResolveLine(lines []string, candidates ...string) (string, bool) {
	for _, c := range candidates {
		d := digitsOnly(c)
		if d == "" {
			continue
		}
		for _, line := range lines {
			if d == line {
				return line, true
			}
		}
		trimmed := strings.TrimLeft(d, "0")
		for _, line := range lines {
			if trimmed != "" && trimmed == strings.TrimLeft(line, "0") {
				return line, true
			}
		}
		for _, line := range lines {
			if strings.HasSuffix(line, d) || strings.HasSuffix(d, line) {
				return line, true
			}
		}
	}
	return "", false
}

func digitsOnly(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
