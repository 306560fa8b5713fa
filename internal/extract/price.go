package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParsePrice converts a displayed price such as "$1,234.56", "1234" or
// "CAD 99.99" into its numeric amount. Currency symbols and thousands
// separators are dropped; the sign is kept. Only dot-decimal notation is
// supported: prices using the dot as a thousands separator ("1.234,56")
// are rejected rather than silently misread.
func ParsePrice(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("empty price")
	}
	// A comma after the last dot means the comma is the decimal separator,
	// as in "1.234,56". Stripping it would silently shift the magnitude.
	if dot := strings.LastIndex(trimmed, "."); dot >= 0 && strings.LastIndex(trimmed, ",") > dot {
		return 0, fmt.Errorf("comma-decimal notation in price %q", raw)
	}
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in price %q", raw)
	}
	if strings.Count(cleaned, ".") > 1 {
		return 0, fmt.Errorf("ambiguous decimal notation in price %q", raw)
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return value, nil
}
