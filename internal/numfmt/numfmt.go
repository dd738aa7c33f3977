// Package numfmt parses user-entered localized numbers and strict dates.
//
// Monetary fields arrive from the UI using comma as the decimal separator
// and dot as the thousands separator ("1.234,56" -> 1234.56). Plain numeric
// strings are accepted as-is. Anything else is an error, never a silent
// zero.
package numfmt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDecimal converts a localized decimal string or a plain number string
// into a finite float64.
func ParseDecimal(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("value is required")
	}

	if strings.Contains(s, ",") {
		if strings.Count(s, ",") > 1 {
			return 0, fmt.Errorf("malformed number %q", raw)
		}
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed number %q", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("non-finite number %q", raw)
	}
	return value, nil
}

// ParseDays parses a positive whole day count. Localized formatting is
// accepted for consistency with the monetary fields.
func ParseDays(raw string) (int, error) {
	value, err := ParseDecimal(raw)
	if err != nil {
		return 0, err
	}
	if value != math.Trunc(value) {
		return 0, fmt.Errorf("must be a whole number of days")
	}
	if value < 1 {
		return 0, fmt.Errorf("must be a positive number of days")
	}
	if value > math.MaxInt32 {
		return 0, fmt.Errorf("day count out of range")
	}
	return int(value), nil
}

// ParseCount parses a non-negative whole unit count.
func ParseCount(raw string) (int64, error) {
	value, err := ParseDecimal(raw)
	if err != nil {
		return 0, err
	}
	if value != math.Trunc(value) {
		return 0, fmt.Errorf("must be a whole number of units")
	}
	if value < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return int64(value), nil
}

// ParseDate parses a strict YYYY-MM-DD date and returns it at UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if len(s) != len("2006-01-02") {
		return time.Time{}, fmt.Errorf("malformed date %q, want YYYY-MM-DD", raw)
	}
	parsed, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed date %q, want YYYY-MM-DD", raw)
	}
	return parsed.UTC(), nil
}

// ParseMonth parses a YYYY-MM month key (a full YYYY-MM-DD date is also
// accepted) and normalizes to the first day of that month at UTC midnight.
func ParseMonth(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	switch len(s) {
	case len("2006-01"):
		parsed, err := time.Parse("2006-01", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed month %q, want YYYY-MM", raw)
		}
		return parsed.UTC(), nil
	case len("2006-01-02"):
		parsed, err := ParseDate(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed month %q, want YYYY-MM", raw)
		}
		return time.Date(parsed.Year(), parsed.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("malformed month %q, want YYYY-MM", raw)
	}
}

// FormatMonth renders a month key the way ParseMonth accepts it.
func FormatMonth(month time.Time) string {
	return month.Format("2006-01")
}
