package cronspec

import (
	"encoding/json"
	"testing"
	"time"

	"naspanel/internal/errs"
)

func TestDescriptorCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Descriptor
		want string
	}{
		{"daily", Descriptor{Frequency: Daily, Time: "03:00"}, "0 3 * * *"},
		{"daily ignores day", Descriptor{Frequency: Daily, Time: "23:59", Day: "friday"}, "59 23 * * *"},
		{"daily single digit hour", Descriptor{Frequency: Daily, Time: "2:05"}, "5 2 * * *"},
		{"weekly monday", Descriptor{Frequency: Weekly, Time: "02:00", Day: "monday"}, "0 2 * * 1"},
		{"weekly sunday is 0", Descriptor{Frequency: Weekly, Time: "02:00", Day: "Sunday"}, "0 2 * * 0"},
		{"weekly short name", Descriptor{Frequency: Weekly, Time: "04:30", Day: "sat"}, "30 4 * * 6"},
		{"weekly numeric 7", Descriptor{Frequency: Weekly, Time: "04:30", Day: "7"}, "30 4 * * 0"},
		{"weekly default day", Descriptor{Frequency: Weekly, Time: "02:00"}, "0 2 * * 1"},
		{"monthly", Descriptor{Frequency: Monthly, Time: "01:15", Day: "15"}, "15 1 15 * *"},
		{"monthly default day", Descriptor{Frequency: Monthly, Time: "00:00"}, "0 0 1 * *"},
		{"frequency case-insensitive", Descriptor{Frequency: "DAILY", Time: "00:00"}, "0 0 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.in.Cron()
			if err != nil {
				t.Fatalf("Cron(): %v", err)
			}
			if got != tt.want {
				t.Fatalf("Cron() = %q, want %q", got, tt.want)
			}
			if err := Validate(got); err != nil {
				t.Fatalf("derived expression invalid: %v", err)
			}
		})
	}
}

func TestDescriptorCronRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Descriptor
	}{
		{"24:00", Descriptor{Frequency: Daily, Time: "24:00"}},
		{"minute 60", Descriptor{Frequency: Daily, Time: "12:60"}},
		{"no colon", Descriptor{Frequency: Daily, Time: "0300"}},
		{"empty time", Descriptor{Frequency: Daily}},
		{"seconds", Descriptor{Frequency: Daily, Time: "03:00:00"}},
		{"unknown day", Descriptor{Frequency: Weekly, Time: "03:00", Day: "funday"}},
		{"day 8", Descriptor{Frequency: Weekly, Time: "03:00", Day: "8"}},
		{"month day 0", Descriptor{Frequency: Monthly, Time: "03:00", Day: "0"}},
		{"month day 32", Descriptor{Frequency: Monthly, Time: "03:00", Day: "32"}},
		{"unknown frequency", Descriptor{Frequency: "hourly", Time: "03:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.in.Cron()
			if !errs.IsInvalidSchedule(err) {
				t.Fatalf("expected InvalidScheduleError, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{"0 2 * * *", "*/5 * * * *", "0 0 1 * *", "30 4 * * mon-fri", "@daily", " 0 2 * * * "}
	for _, s := range valid {
		if err := Validate(s); err != nil {
			t.Fatalf("Validate(%q): %v", s, err)
		}
	}
	invalid := []string{"", "not a cron", "0 2 * *", "0 0 2 * * *", "61 * * * *", "* 25 * * *", "@every 5m", "@sometimes"}
	for _, s := range invalid {
		if err := Validate(s); !errs.IsInvalidSchedule(err) {
			t.Fatalf("Validate(%q) = %v, want InvalidScheduleError", s, err)
		}
	}
}

func TestNextUsesLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	from := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) // 13:00 in Warsaw
	next, err := Next("0 2 * * *", loc, from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 11, 2, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
	if !next.After(from) {
		t.Fatalf("next run must be in the future")
	}
}

func TestBackupScheduleDescriptor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   BackupSchedule
		want string
	}{
		{"daily", BackupSchedule{Type: "daily", DailyTime: "03:30"}, "30 3 * * *"},
		{"weekly uses weekly fields", BackupSchedule{Type: "weekly", DailyTime: "01:00", WeeklyDay: "friday", WeeklyTime: "22:00"}, "0 22 * * 5"},
		{"monthly", BackupSchedule{Type: "monthly", MonthlyDay: 15, MonthlyTime: "04:00"}, "0 4 15 * *"},
		{"defaults fill gaps", BackupSchedule{Type: "weekly"}, "0 2 * * 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := FromBackupSchedule(tt.in)
			if err != nil {
				t.Fatalf("FromBackupSchedule: %v", err)
			}
			got, err := d.Cron()
			if err != nil {
				t.Fatalf("Cron: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := FromBackupSchedule(BackupSchedule{Type: "disabled"}); err == nil {
		t.Fatalf("disabled schedule must not produce a descriptor")
	}
	if err := (BackupSchedule{Type: "weekly", WeeklyDay: "funday", WeeklyTime: "02:00", Retention: "30d"}).Validate(); !errs.IsInvalidSchedule(err) {
		t.Fatalf("expected invalid day, got %v", err)
	}
	if err := DefaultBackupSchedule().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestDayOfMonthAcceptsStringAndNumber(t *testing.T) {
	t.Parallel()

	var a, b BackupSchedule
	if err := json.Unmarshal([]byte(`{"monthly_day":"12"}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"monthly_day":12}`), &b); err != nil {
		t.Fatal(err)
	}
	if a.MonthlyDay != 12 || b.MonthlyDay != 12 {
		t.Fatalf("got %d and %d", a.MonthlyDay, b.MonthlyDay)
	}
}

func TestParseRetention(t *testing.T) {
	t.Parallel()

	day := 24 * time.Hour
	ok := map[string]time.Duration{"30d": 30 * day, "12h": 12 * time.Hour, "2w": 14 * day, "": 0, "forever": 0}
	for in, want := range ok {
		got, err := ParseRetention(in)
		if err != nil || got != want {
			t.Fatalf("ParseRetention(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	for _, in := range []string{"d", "30x", "-1d", "thirty days"} {
		if _, err := ParseRetention(in); err == nil {
			t.Fatalf("ParseRetention(%q) should fail", in)
		}
	}
}

func TestFromAutoUpdate(t *testing.T) {
	t.Parallel()

	got, err := FromAutoUpdate(AutoUpdate{Enabled: true, Schedule: "Weekly", Time: "02:00"}).Cron()
	if err != nil || got != "0 2 * * 1" {
		t.Fatalf("weekly auto-update = %q, %v", got, err)
	}
	got, err = FromAutoUpdate(AutoUpdate{Schedule: "monthly", Time: "05:10"}).Cron()
	if err != nil || got != "10 5 1 * *" {
		t.Fatalf("monthly auto-update = %q, %v", got, err)
	}
}

// Not parallel: it swaps time.Local.
func TestLoadLocationIgnoresHostZone(t *testing.T) {
	orig := time.Local
	t.Cleanup(func() { time.Local = orig })

	from := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	var runs []time.Time
	for _, host := range []string{"Asia/Tokyo", "America/New_York"} {
		hl, err := time.LoadLocation(host)
		if err != nil {
			t.Fatalf("load %s: %v", host, err)
		}
		time.Local = hl

		loc, err := LoadLocation("")
		if err != nil {
			t.Fatalf("LoadLocation: %v", err)
		}
		if loc.String() != DefaultTimezone {
			t.Fatalf("default zone = %s with host %s", loc, host)
		}
		next, err := Next("0 2 * * *", loc, from)
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, next)
	}
	if !runs[0].Equal(runs[1]) {
		t.Fatalf("next run moved with the host zone: %s vs %s", runs[0], runs[1])
	}

	for _, tz := range []string{"local", "Local"} {
		if _, err := LoadLocation(tz); err == nil {
			t.Fatalf("LoadLocation(%q) should refuse the host zone", tz)
		}
	}
}
