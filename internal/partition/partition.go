// Package partition defines the identity of one calendar-day unit of
// source data and the parsing of raw object-store keys into that identity.
package partition

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Date identifies one calendar day. The zero value means "never".
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// IsZero reports whether the date is the never-processed sentinel.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Compare returns -1, 0 or 1 ordering dates in calendar order.
func (d Date) Compare(o Date) int {
	if d.Year != o.Year {
		return cmpInt(d.Year, o.Year)
	}
	if d.Month != o.Month {
		return cmpInt(d.Month, o.Month)
	}
	return cmpInt(d.Day, o.Day)
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d.Compare(o) > 0 }

// Key returns the canonical storage key, e.g. "2024-01-03".
func (d Date) Key() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// String returns the path form, e.g. "2024/01/03".
func (d Date) String() string {
	return fmt.Sprintf("%04d/%02d/%02d", d.Year, d.Month, d.Day)
}

// EpochDays returns the number of days since the Unix epoch.
// Used for gauge-style progress metrics.
func (d Date) EpochDays() int64 {
	t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
	return t.Unix() / 86400
}

// Valid reports whether the date exists on the calendar.
func (d Date) Valid() bool {
	if d.Year < 1 || d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > 31 {
		return false
	}
	t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.Year && int(t.Month()) == d.Month && t.Day() == d.Day
}

// ParseDateKey parses the canonical "YYYY-MM-DD" form produced by Key.
func ParseDateKey(s string) (Date, bool) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Date{}, false
	}
	y, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	dd, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return Date{}, false
	}
	d := Date{Year: y, Month: m, Day: dd}
	if !d.Valid() {
		return Date{}, false
	}
	return d, true
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Partition identifies one day of source data for a table.
// Immutable once discovered; uniqueness key = (table, year, month, day).
type Partition struct {
	Table        string    `json:"table"`
	Date         Date      `json:"date"`
	Location     string    `json:"location"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Key returns the uniqueness key for this partition.
func (p Partition) Key() string {
	return strings.ToLower(p.Table) + "/" + p.Date.Key()
}

// Object key pattern: {table}/{year}/{month}/{day}/{object}
// Example: orders/2024/01/03/part-000.parquet
var partitionKeyPattern = regexp.MustCompile(`^([^/]+)/(\d{4})/(\d{2})/(\d{2})/.+$`)

// ParseKey extracts the table and date from a raw object-store key.
// Keys not matching the table/year/month/day layout, or naming an
// impossible calendar date, return ok=false.
func ParseKey(key string) (table string, d Date, ok bool) {
	matches := partitionKeyPattern.FindStringSubmatch(key)
	if matches == nil {
		return "", Date{}, false
	}

	year, _ := strconv.Atoi(matches[2])
	month, _ := strconv.Atoi(matches[3])
	day, _ := strconv.Atoi(matches[4])

	d = Date{Year: year, Month: month, Day: day}
	if !d.Valid() {
		return "", Date{}, false
	}
	return matches[1], d, true
}

// SortByDate orders partitions by calendar date ascending, in place.
func SortByDate(parts []Partition) {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Date.Before(parts[j].Date)
	})
}

// MaxDate returns the latest date in the set.
func MaxDate(parts []Partition) Date {
	var max Date
	for _, p := range parts {
		if p.Date.After(max) {
			max = p.Date
		}
	}
	return max
}

// SetKey returns a deterministic identifier for an ordered partition set.
// Two batches covering the same days produce the same key regardless of
// discovery order.
func SetKey(parts []Partition) string {
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = p.Date.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
