package decoder

import (
	"fmt"
	"strconv"
	"time"
)

// DateEncoding selects how the date and time fields of a fix group are read.
type DateEncoding int

const (
	// Calendar is DDMMYY for the date and HHMM for the time.
	Calendar DateEncoding = iota + 1
	// DayOfYear is YY followed by a 1-based 3-digit ordinal day for the date,
	// and seconds elapsed within that day for the time.
	DayOfYear
)

func (e DateEncoding) String() string {
	switch e {
	case Calendar:
		return "calendar"
	case DayOfYear:
		return "day-of-year"
	default:
		return fmt.Sprintf("DateEncoding(%d)", int(e))
	}
}

// ParseDateEncoding returns the encoding for a configuration name.
func ParseDateEncoding(name string) (DateEncoding, error) {
	switch name {
	case "calendar":
		return Calendar, nil
	case "day-of-year", "doy":
		return DayOfYear, nil
	default:
		return 0, fmt.Errorf("unknown date encoding %q", name)
	}
}

// Decode converts on-wire date and time fields into a UTC instant.
func (e DateEncoding) Decode(date, clock string) (time.Time, error) {
	switch e {
	case Calendar:
		return decodeCalendar(date, clock)
	case DayOfYear:
		return decodeDayOfYear(date, clock)
	default:
		return time.Time{}, fmt.Errorf("unsupported date encoding %v", e)
	}
}

func decodeCalendar(date, clock string) (time.Time, error) {
	if len(date) != 6 {
		return time.Time{}, fmt.Errorf("calendar date %q: want DDMMYY", date)
	}
	if len(clock) != 4 {
		return time.Time{}, fmt.Errorf("calendar time %q: want HHMM", clock)
	}

	day, err1 := digits(date[0:2])
	month, err2 := digits(date[2:4])
	year, err3 := digits(date[4:6])
	hour, err4 := digits(clock[0:2])
	minute, err5 := digits(clock[2:4])
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return time.Time{}, fmt.Errorf("calendar %s %s: %w", date, clock, err)
		}
	}

	t := time.Date(2000+year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalises out-of-range values; reject instead of rolling over.
	if t.Day() != day || int(t.Month()) != month || t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, fmt.Errorf("calendar %s %s: out of range", date, clock)
	}
	return t, nil
}

func decodeDayOfYear(date, clock string) (time.Time, error) {
	if len(date) != 5 {
		return time.Time{}, fmt.Errorf("day-of-year date %q: want YYDDD", date)
	}
	year, err := digits(date[0:2])
	if err != nil {
		return time.Time{}, fmt.Errorf("day-of-year date %q: %w", date, err)
	}
	ordinal, err := digits(date[2:5])
	if err != nil {
		return time.Time{}, fmt.Errorf("day-of-year date %q: %w", date, err)
	}
	seconds, err := digits(clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("day-of-year time %q: %w", clock, err)
	}

	start := time.Date(2000+year, time.January, 1, 0, 0, 0, 0, time.UTC)
	daysInYear := start.AddDate(1, 0, -1).YearDay()
	if ordinal < 1 || ordinal > daysInYear {
		return time.Time{}, fmt.Errorf("day-of-year date %q: day %d out of range", date, ordinal)
	}
	if seconds >= 24*60*60 {
		return time.Time{}, fmt.Errorf("day-of-year time %q: beyond end of day", clock)
	}

	return start.AddDate(0, 0, ordinal-1).Add(time.Duration(seconds) * time.Second), nil
}

// digits parses a non-empty run of ASCII digits.
func digits(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("non-digit in %q", s)
		}
	}
	return strconv.Atoi(s)
}
