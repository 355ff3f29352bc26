package decoder

import (
	"testing"
	"time"
)

func TestDateEncoding_Decode(t *testing.T) {
	tests := []struct {
		name     string
		encoding DateEncoding
		date     string
		clock    string
		want     time.Time
		wantErr  bool
	}{
		{"calendar", Calendar, "180914", "1243", utc(2014, 9, 18, 12, 43, 0), false},
		{"calendar midnight", Calendar, "010100", "0000", utc(2000, 1, 1, 0, 0, 0), false},
		{"calendar leap day", Calendar, "290216", "2359", utc(2016, 2, 29, 23, 59, 0), false},
		{"calendar not leap", Calendar, "290215", "1200", time.Time{}, true},
		{"calendar month 13", Calendar, "011314", "1200", time.Time{}, true},
		{"calendar hour 24", Calendar, "180914", "2400", time.Time{}, true},
		{"calendar short date", Calendar, "18094", "1243", time.Time{}, true},
		{"calendar letters", Calendar, "18O914", "1243", time.Time{}, true},
		{"calendar seconds clock", Calendar, "180914", "45780", time.Time{}, true},

		{"day-of-year", DayOfYear, "14261", "45780", utc(2014, 9, 18, 12, 43, 0), false},
		{"day-of-year first day", DayOfYear, "15001", "0", utc(2015, 1, 1, 0, 0, 0), false},
		{"day-of-year last second", DayOfYear, "15001", "86399", utc(2015, 1, 1, 23, 59, 59), false},
		{"day-of-year leap year end", DayOfYear, "16366", "3600", utc(2016, 12, 31, 1, 0, 0), false},
		{"day-of-year non-leap 366", DayOfYear, "15366", "0", time.Time{}, true},
		{"day-of-year day zero", DayOfYear, "15000", "0", time.Time{}, true},
		{"day-of-year full day", DayOfYear, "15001", "86400", time.Time{}, true},
		{"day-of-year calendar date", DayOfYear, "180914", "1243", time.Time{}, true},
		{"day-of-year empty time", DayOfYear, "14261", "", time.Time{}, true},
		{"day-of-year negative time", DayOfYear, "14261", "-5", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.encoding.Decode(tt.date, tt.clock)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Decode(%q, %q) = %v, want error", tt.date, tt.clock, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q, %q) error: %v", tt.date, tt.clock, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Decode(%q, %q) = %v, want %v", tt.date, tt.clock, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestParseDateEncoding(t *testing.T) {
	for name, want := range map[string]DateEncoding{
		"calendar":    Calendar,
		"day-of-year": DayOfYear,
		"doy":         DayOfYear,
	} {
		got, err := ParseDateEncoding(name)
		if err != nil || got != want {
			t.Errorf("ParseDateEncoding(%q) = %v, %v; want %v", name, got, err, want)
		}
		if got.String() == "" {
			t.Errorf("%v has no name", got)
		}
	}
	if _, err := ParseDateEncoding("julian"); err == nil {
		t.Error("expected error for unknown encoding")
	}
	if _, err := DateEncoding(0).Decode("14261", "0"); err == nil {
		t.Error("zero DateEncoding should not decode")
	}
}
