package newsstand

import (
	"fmt"
	"slices"
	"time"
)

// DateKeyLayout is the sortable calendar-date format used to partition the cache.
const DateKeyLayout = "2006-01-02"

// EarliestZone is the zone whose calendar day starts first (UTC+14). Dates
// computed in it are never behind any real viewer's local day.
var EarliestZone = time.FixedZone("UTC+14", 14*60*60)

// DateKey is a calendar date formatted as YYYY-MM-DD.
type DateKey string

// DateKeyOf formats the calendar date of t as seen in loc.
func DateKeyOf(t time.Time, loc *time.Location) DateKey {
	if loc == nil {
		loc = EarliestZone
	}
	return DateKey(t.In(loc).Format(DateKeyLayout))
}

// ParseDateKey validates s and returns it as a DateKey.
func ParseDateKey(s string) (DateKey, error) {
	d := DateKey(s)
	if _, err := d.Time(); err != nil {
		return "", err
	}
	return d, nil
}

// Time returns midnight UTC of the date.
func (d DateKey) Time() (time.Time, error) {
	t, err := time.Parse(DateKeyLayout, string(d))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date key %q: %w", string(d), err)
	}
	return t, nil
}

func (d DateKey) String() string {
	return string(d)
}

// RecentDays returns the last n calendar days including today as seen in loc,
// most recent first.
func RecentDays(now time.Time, loc *time.Location, n int) []DateKey {
	if n <= 0 {
		return nil
	}
	if loc == nil {
		loc = EarliestZone
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	days := make([]DateKey, 0, n)
	for i := 0; i < n; i++ {
		days = append(days, DateKey(today.AddDate(0, 0, -i).Format(DateKeyLayout)))
	}
	return days
}

// UnionDays merges date lists, dropping duplicates and returning the result
// most recent first.
func UnionDays(lists ...[]DateKey) []DateKey {
	seen := make(map[DateKey]struct{})
	var out []DateKey
	for _, list := range lists {
		for _, d := range list {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	// YYYY-MM-DD sorts lexically in date order.
	slices.Sort(out)
	slices.Reverse(out)
	return out
}
