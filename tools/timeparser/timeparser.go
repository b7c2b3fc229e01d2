package timeparser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseStatisticEnd parses the end timestamp of a previously recorded
// statistic. Depending on how the row was stored and queried the value is
// either an epoch-numeric string (seconds, possibly fractional) or a
// textual timestamp. Anything else is rejected.
func ParseStatisticEnd(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty statistic end value")
	}

	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07", // timestamptz text output
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05Z07",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, trimmed)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse statistic end '%s': %w", raw, lastErr)
}
