package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseFraction parses a "num/denom" rational, e.g. a framerate such as
// "30/1" or "30000/1001".
func ParseFraction(s string) (num, denom int, err error) {
	parts := strings.SplitN(s, "/", 2)
	num, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, decodeErr(s, fmt.Errorf("invalid fraction: %w", err))
	}
	if len(parts) == 1 {
		return num, 1, nil
	}
	denom, err = strconv.Atoi(parts[1])
	if err != nil || denom == 0 {
		return 0, 0, decodeErr(s, fmt.Errorf("invalid fraction denominator"))
	}
	return num, denom, nil
}

// FormatFraction renders a rational as "num/denom", or bare "num" when the
// denominator is 1.
func FormatFraction(num, denom int) string {
	if denom == 1 {
		return strconv.Itoa(num)
	}
	return fmt.Sprintf("%d/%d", num, denom)
}

// ParseTimestamp parses a seconds-since-epoch value with an optional
// fractional part ("1700000000" or "1700000000.25") into a time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, decodeErr(s, fmt.Errorf("invalid timestamp"))
	}
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*1e9)).UTC(), nil
}

// FormatTimestamp renders a time.Time as seconds.fraction since epoch.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}
