package cos

import (
	"fmt"
	"strconv"
)

// ParseBytes parses a byte-size string with an optional k/M/G suffix (base
// 1024). Fractional values are permitted ("1.5k" == 1536). Empty strings,
// "0", non-positive results, and unrecognised suffixes (including "T", which
// spec.md §6 deliberately does not list) are rejected.
//
// Grounded on original_source/alpenhorn/common/config.py's get_bytes.
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	exponent := 0
	val := s
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			exponent, val = 1, s[:n-1]
		case 'M':
			exponent, val = 2, s[:n-1]
		case 'G':
			exponent, val = 3, s[:n-1]
		}
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	mult := 1.0
	for range exponent {
		mult *= 1024
	}
	result := int64(f * mult)
	if result <= 0 {
		return 0, fmt.Errorf("invalid byte size %q: must be positive", s)
	}
	return result, nil
}

var binSuffix = [...]string{"B", "kiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// PrettyBytes formats n using binary SI suffixes, matching spec §8: under
// 1024 it's "n B"; above that, 3/2/1 decimal places depending on whether the
// scaled value is <10, <100, or >=100.
func PrettyBytes(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	if n < 1024 {
		return fmt.Sprintf("%s%d B", sign, n)
	}

	f := float64(n)
	idx := 0
	for f >= 1024 && idx < len(binSuffix)-1 {
		f /= 1024
		idx++
	}
	switch {
	case f >= 100:
		return fmt.Sprintf("%s%.1f %s", sign, f, binSuffix[idx])
	case f >= 10:
		return fmt.Sprintf("%s%.2f %s", sign, f, binSuffix[idx])
	default:
		return fmt.Sprintf("%s%.3f %s", sign, f, binSuffix[idx])
	}
}

// PrettyDeltat formats a duration in seconds the way spec §8 requires:
// under a minute "x.xs"; under an hour "MmSSs"; otherwise "HhMMmSSs".
// Negative values are formatted verbatim with one decimal place.
func PrettyDeltat(seconds float64) string {
	if seconds < 0 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	hours := int(seconds) / 3600
	rem := int(seconds) % 3600
	minutes := rem / 60
	secs := rem % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%02dm%02ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm%02ds", minutes, secs)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// Plural returns "s" when n != 1, else "".
func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
