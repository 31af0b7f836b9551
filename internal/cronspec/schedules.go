package cronspec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"naspanel/internal/errs"
)

// BackupSchedule is the schedule section of the system backup catalog.
type BackupSchedule struct {
	Type        string     `json:"type"` // disabled|daily|weekly|monthly
	DailyTime   string     `json:"daily_time"`
	WeeklyDay   string     `json:"weekly_day"`
	WeeklyTime  string     `json:"weekly_time"`
	MonthlyDay  DayOfMonth `json:"monthly_day"`
	MonthlyTime string     `json:"monthly_time"`
	Retention   string     `json:"retention"`
}

func DefaultBackupSchedule() BackupSchedule {
	return BackupSchedule{
		Type:        "disabled",
		DailyTime:   "02:00",
		WeeklyDay:   "monday",
		WeeklyTime:  "02:00",
		MonthlyDay:  1,
		MonthlyTime: "02:00",
		Retention:   "30d",
	}
}

// WithDefaults fills empty fields from DefaultBackupSchedule.
func (b BackupSchedule) WithDefaults() BackupSchedule {
	d := DefaultBackupSchedule()
	if strings.TrimSpace(b.Type) == "" {
		b.Type = d.Type
	}
	if b.DailyTime == "" {
		b.DailyTime = d.DailyTime
	}
	if b.WeeklyDay == "" {
		b.WeeklyDay = d.WeeklyDay
	}
	if b.WeeklyTime == "" {
		b.WeeklyTime = d.WeeklyTime
	}
	if b.MonthlyDay == 0 {
		b.MonthlyDay = d.MonthlyDay
	}
	if b.MonthlyTime == "" {
		b.MonthlyTime = d.MonthlyTime
	}
	if b.Retention == "" {
		b.Retention = d.Retention
	}
	return b
}

func (b BackupSchedule) Enabled() bool {
	t := strings.ToLower(strings.TrimSpace(b.Type))
	return t != "" && t != "disabled"
}

// Validate checks the fields used by the selected type and the retention.
func (b BackupSchedule) Validate() error {
	if _, err := ParseRetention(b.Retention); err != nil {
		return err
	}
	if !b.Enabled() {
		return nil
	}
	d, err := FromBackupSchedule(b)
	if err != nil {
		return err
	}
	_, err = d.Cron()
	return err
}

// FromBackupSchedule selects the time and day fields matching b.Type.
func FromBackupSchedule(b BackupSchedule) (Descriptor, error) {
	b = b.WithDefaults()
	switch strings.ToLower(strings.TrimSpace(b.Type)) {
	case "daily":
		return Descriptor{Frequency: Daily, Time: b.DailyTime}, nil
	case "weekly":
		return Descriptor{Frequency: Weekly, Time: b.WeeklyTime, Day: b.WeeklyDay}, nil
	case "monthly":
		return Descriptor{Frequency: Monthly, Time: b.MonthlyTime, Day: strconv.Itoa(int(b.MonthlyDay))}, nil
	case "disabled":
		return Descriptor{}, errs.InvalidSchedule(b.Type, "backup schedule is disabled")
	default:
		return Descriptor{}, errs.InvalidSchedule(b.Type, "schedule type must be disabled, daily, weekly or monthly")
	}
}

// DayOfMonth decodes from a JSON number or a numeric string.
type DayOfMonth int

func (d *DayOfMonth) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("monthly_day: %w", err)
	}
	*d = DayOfMonth(n)
	return nil
}

func (d DayOfMonth) MarshalJSON() ([]byte, error) { return json.Marshal(int(d)) }

// ParseRetention parses "30d", "12h" or "2w". Empty, "0" and "forever"
// return 0, meaning backups are kept indefinitely.
func ParseRetention(s string) (time.Duration, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "0", "forever", "never":
		return 0, nil
	}
	if len(v) < 2 {
		return 0, errs.InvalidSchedule(s, "retention must look like 30d, 12h or 2w")
	}
	n, err := strconv.Atoi(v[:len(v)-1])
	if err != nil || n < 0 {
		return 0, errs.InvalidSchedule(s, "retention must look like 30d, 12h or 2w")
	}
	switch v[len(v)-1] {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, errs.InvalidSchedule(s, "retention unit must be h, d or w")
	}
}

// AutoUpdate is the docker image auto-update document.
type AutoUpdate struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule"` // daily|weekly|monthly
	Time     string   `json:"time"`
	Images   []string `json:"images"`
}

func DefaultAutoUpdate() AutoUpdate {
	return AutoUpdate{Schedule: string(Weekly), Time: "02:00", Images: []string{}}
}

// FromAutoUpdate maps the document onto a descriptor. Weekly runs on
// monday and monthly on the 1st.
func FromAutoUpdate(a AutoUpdate) Descriptor {
	return Descriptor{Frequency: Frequency(strings.ToLower(strings.TrimSpace(a.Schedule))), Time: a.Time}
}
