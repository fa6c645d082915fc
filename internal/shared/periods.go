package shared

import (
	"fmt"
	"time"
)

// YearMonth identifies one calendar month bucket of a session.
type YearMonth struct {
	Year  int
	Month time.Month
}

// NewYearMonth builds a YearMonth, normalising overflowing months.
func NewYearMonth(year int, month time.Month) YearMonth {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// YearMonthOf returns the month containing t.
func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// ParseYearMonth parses the YYYY-MM form.
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, NewValidationError("period", fmt.Sprintf("period %q must be formatted as YYYY-MM", s))
	}
	return YearMonthOf(t), nil
}

// String renders the month as YYYY-MM.
func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// MarshalText renders the month as YYYY-MM in JSON.
func (ym YearMonth) MarshalText() ([]byte, error) {
	return []byte(ym.String()), nil
}

// UnmarshalText parses the YYYY-MM form.
func (ym *YearMonth) UnmarshalText(b []byte) error {
	parsed, err := ParseYearMonth(string(b))
	if err != nil {
		return err
	}
	*ym = parsed
	return nil
}

// IsZero reports whether the month is unset.
func (ym YearMonth) IsZero() bool {
	return ym.Year == 0 && ym.Month == 0
}

// Validate checks the month is a real calendar month.
func (ym YearMonth) Validate() error {
	if ym.Month < time.January || ym.Month > time.December {
		return NewValidationError("month", fmt.Sprintf("month must be 1-12, got %d", int(ym.Month)))
	}
	if ym.Year < 1970 || ym.Year > 9999 {
		return NewValidationError("year", fmt.Sprintf("year out of range: %d", ym.Year))
	}
	return nil
}

// AddMonths shifts the month by n (negative allowed).
func (ym YearMonth) AddMonths(n int) YearMonth {
	return NewYearMonth(ym.Year, ym.Month+time.Month(n))
}

// Next returns the following month.
func (ym YearMonth) Next() YearMonth { return ym.AddMonths(1) }

// Prev returns the preceding month.
func (ym YearMonth) Prev() YearMonth { return ym.AddMonths(-1) }

// Before reports whether ym is strictly earlier than other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// After reports whether ym is strictly later than other.
func (ym YearMonth) After(other YearMonth) bool {
	return other.Before(ym)
}

// FirstDay returns the first calendar day of the month in UTC.
func (ym YearMonth) FirstDay() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// LastDay returns the last calendar day of the month in UTC.
func (ym YearMonth) LastDay() time.Time {
	return time.Date(ym.Year, ym.Month+1, 0, 0, 0, 0, 0, time.UTC)
}

// Day returns the given day of the month, clamped to the month's last valid day.
func (ym YearMonth) Day(day int) time.Time {
	last := ym.LastDay().Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(ym.Year, ym.Month, day, 0, 0, 0, 0, time.UTC)
}

// ShiftDateOneMonth moves a calendar date into the next month keeping the day
// of month, clamped (Jan 31 becomes Feb 28 or 29).
func ShiftDateOneMonth(date time.Time) time.Time {
	return YearMonthOf(date).Next().Day(date.Day())
}

// MonthsBetween returns the number of months from a to b (b - a).
func MonthsBetween(a, b YearMonth) int {
	return (b.Year-a.Year)*12 + int(b.Month) - int(a.Month)
}
