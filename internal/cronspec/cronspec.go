// Package cronspec validates five-field cron expressions and derives them
// from the {daily|weekly|monthly, time, day} descriptors used by the
// settings screens.
package cronspec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"naspanel/internal/errs"
)

// Parser accepts standard five-field expressions and @descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, errs.InvalidSchedule(expr, "empty expression")
	}
	if strings.HasPrefix(s, "@every") {
		return nil, errs.InvalidSchedule(expr, "@every intervals are not cron expressions")
	}
	if !strings.HasPrefix(s, "@") && len(strings.Fields(s)) != 5 {
		return nil, errs.InvalidSchedule(expr, "expected 5 fields (minute hour day-of-month month day-of-week)")
	}
	sched, err := Parser.Parse(s)
	if err != nil {
		return nil, errs.InvalidSchedule(expr, "%v", err)
	}
	return sched, nil
}

func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns the first activation strictly after from, evaluated in loc.
func Next(expr string, loc *time.Location, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return sched.Next(from.In(loc)), nil
}

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Descriptor is the high-level schedule shape. Day is a weekday for weekly
// schedules and a day of month for monthly ones; it is ignored for daily.
type Descriptor struct {
	Frequency Frequency `json:"frequency"`
	Time      string    `json:"time"`
	Day       string    `json:"day,omitempty"`
}

// Cron converts the descriptor into a five-field expression.
// An empty Day means monday (weekly) or the 1st (monthly).
func (d Descriptor) Cron() (string, error) {
	freq := Frequency(strings.ToLower(strings.TrimSpace(string(d.Frequency))))
	h, m, err := ParseClock(d.Time)
	if err != nil {
		return "", err
	}
	switch freq {
	case Daily:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case Weekly:
		dow := 1
		if strings.TrimSpace(d.Day) != "" {
			if dow, err = ParseWeekday(d.Day); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%d %d * * %d", m, h, dow), nil
	case Monthly:
		dom := 1
		if strings.TrimSpace(d.Day) != "" {
			if dom, err = ParseMonthDay(d.Day); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%d %d %d * *", m, h, dom), nil
	default:
		return "", errs.InvalidSchedule(string(d.Frequency), "frequency must be daily, weekly or monthly")
	}
}

var reClock = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseClock parses "HH:MM" (24h). "24:00" is rejected.
func ParseClock(s string) (hour, minute int, err error) {
	v := strings.TrimSpace(s)
	mm := reClock.FindStringSubmatch(v)
	if mm == nil {
		return 0, 0, errs.InvalidSchedule(s, "time must be HH:MM")
	}
	hour, _ = strconv.Atoi(mm[1])
	minute, _ = strconv.Atoi(mm[2])
	if hour > 23 {
		return 0, 0, errs.InvalidSchedule(s, "hour must be 00-23")
	}
	if minute > 59 {
		return 0, 0, errs.InvalidSchedule(s, "minute must be 00-59")
	}
	return hour, minute, nil
}

var weekdays = map[string]int{
	"sunday": 0, "sun": 0,
	"monday": 1, "mon": 1,
	"tuesday": 2, "tue": 2, "tues": 2,
	"wednesday": 3, "wed": 3,
	"thursday": 4, "thu": 4, "thurs": 4,
	"friday": 5, "fri": 5,
	"saturday": 6, "sat": 6,
}

// ParseWeekday maps a day name or cron number (0-7, 7 = sunday) to 0-6.
func ParseWeekday(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdays[v]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 7 {
		return n % 7, nil
	}
	return 0, errs.InvalidSchedule(s, "unknown day of week")
}

func ParseMonthDay(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 31 {
		return 0, errs.InvalidSchedule(s, "day of month must be 1-31")
	}
	return n, nil
}
