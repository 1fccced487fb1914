package flags

import (
	"regexp"
	"strconv"
	"time"
)

// relativeDatePattern matches compact relative-date tokens: an optional
// leading minus, digits, and a unit of hours, days, weeks, months or years.
var relativeDatePattern = regexp.MustCompile(`^-?([0-9]+)([hdwmy])$`)

// maxRelativeDateMagnitude guards against tokens like "100000000000000000y"
// that would overflow any reasonable date range.
const maxRelativeDateMagnitude = 10_000

// parseRelativeDate resolves a token such as "-6h", "1d", "2w", "3m" or
// "1y" into an absolute instant in the past relative to now. The sign is
// ignored: only the magnitude matters, direction comes from the operator
// using the result. Returns false for malformed tokens or absurd
// magnitudes.
//
// Hours, days and weeks are exact offsets (24h == 1d, 7d == 1w). Months
// and years adjust the calendar fields, so 12m == 1y but a month is not a
// fixed number of days.
func parseRelativeDate(token string, now time.Time) (time.Time, bool) {
	m := relativeDatePattern.FindStringSubmatch(token)
	if m == nil {
		return time.Time{}, false
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n > maxRelativeDateMagnitude {
		return time.Time{}, false
	}

	now = now.UTC()
	switch m[2] {
	case "h":
		return now.Add(-time.Duration(n) * time.Hour), true
	case "d":
		return now.Add(-time.Duration(n) * 24 * time.Hour), true
	case "w":
		return now.Add(-time.Duration(n) * 7 * 24 * time.Hour), true
	case "m":
		return now.AddDate(0, -n, 0), true
	case "y":
		return now.AddDate(-n, 0, 0), true
	}
	return time.Time{}, false
}
