// Package caldate provides a calendar-day type anchored at UTC midnight.
//
// Every day-count in the compliance engine goes through this package. A Date
// never carries a time-of-day or a location, so subtracting two of them can
// not drift by a daylight-saving or locale offset.
package caldate

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Layout is the wire format of a Date.
const Layout = "2006-01-02"

const secondsPerDay = 24 * 60 * 60

// Date is a calendar day. The zero value is not a valid date; use IsZero.
type Date struct {
	t time.Time
}

// New builds a Date from its calendar components. Out-of-range values are
// normalized the same way time.Date normalizes them.
func New(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// FromTime returns the calendar day of t as seen in t's own location.
func FromTime(t time.Time) Date {
	return New(t.Year(), t.Month(), t.Day())
}

// Today returns the current UTC calendar day.
func Today() Date {
	return FromTime(time.Now().UTC())
}

// timestampLayouts are the full timestamp forms accepted after a date.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse reads a YYYY-MM-DD string. A complete timestamp
// (2025-01-18T23:30:00-05:00) is also accepted and its written calendar day
// is kept, without converting through any timezone.
func Parse(s string) (Date, error) {
	if len(s) > len(Layout) {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return FromTime(t), nil
			}
		}
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	t, err := time.ParseInLocation(Layout, s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t: t}, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParsePtr parses an optional date. Empty input yields nil.
func ParsePtr(s string) (*Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DiffDays returns the whole number of days from a to b (b - a).
func DiffDays(a, b Date) int {
	return int(b.unixDay() - a.unixDay())
}

func (d Date) unixDay() int64 {
	// t is always UTC midnight, so the division is exact for dates before 1970 too.
	return d.t.Unix() / secondsPerDay
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d.t.IsZero() }

// IsBefore reports whether d is an earlier calendar day than o.
func (d Date) IsBefore(o Date) bool { return DiffDays(d, o) > 0 }

// IsAfter reports whether d is a later calendar day than o.
func (d Date) IsAfter(o Date) bool { return DiffDays(d, o) < 0 }

// Equal reports whether d and o are the same calendar day.
func (d Date) Equal(o Date) bool { return DiffDays(d, o) == 0 }

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// AddMonths returns the first day of the month n months away from d's month.
func (d Date) AddMonths(n int) Date {
	return New(d.t.Year(), d.t.Month()+time.Month(n), 1)
}

// StartOfMonth returns the first day of d's month.
func (d Date) StartOfMonth() Date {
	return New(d.t.Year(), d.t.Month(), 1)
}

// MonthKey returns d's month as YYYY-MM.
func (d Date) MonthKey() string {
	return d.t.Format("2006-01")
}

func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }

// Time returns d as an instant at UTC midnight.
func (d Date) Time() time.Time { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(Layout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText lets Date act as a YAML/text scalar.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Scan implements sql.Scanner for Postgres date columns.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = FromTime(v)
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into caldate.Date", src)
	}
}

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.t, nil
}
