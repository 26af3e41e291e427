package voice

import (
	"fmt"
	"strings"
)

// NormalizeNumber strips spaces, hyphens and parentheses and checks for an
// optional leading + followed by 7 to 15 digits.
func NormalizeNumber(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, raw)

	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}
	return cleaned, nil
}
