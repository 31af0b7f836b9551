// Package settings reads and writes the panel settings document and the
// docker image auto-update document.
//
// The settings document is owned by several screens; it is kept as raw
// sections so fields this process does not know about survive a rewrite.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/jsonfile"
	logx "naspanel/pkg/logx"
)

// Updates is the "updates" section: the system package update policy.
//
// When Frequency is set the cron expression is derived from
// {Frequency, Time, Day} and Schedule only mirrors it. Documents written
// before the descriptor existed carry Schedule alone and keep it as is.
type Updates struct {
	AutoUpdate    bool   `json:"autoUpdate"`
	Schedule      string `json:"schedule"`
	UpdateCommand string `json:"updateCommand"`

	Frequency string `json:"frequency,omitempty"` // daily|weekly|monthly
	Time      string `json:"time,omitempty"`      // HH:MM
	Day       string `json:"day,omitempty"`       // weekday name or day of month
}

func DefaultUpdates() Updates {
	return Updates{
		AutoUpdate:    false,
		Schedule:      "0 0 * * *",
		UpdateCommand: "sudo apt-get update && sudo apt-get upgrade -y",
	}
}

func (u Updates) withDefaults() Updates {
	d := DefaultUpdates()
	if strings.TrimSpace(u.Schedule) == "" {
		u.Schedule = d.Schedule
	}
	if strings.TrimSpace(u.UpdateCommand) == "" {
		u.UpdateCommand = d.UpdateCommand
	}
	return u
}

// Descriptor reports the schedule descriptor, if the document has one.
func (u Updates) Descriptor() (cronspec.Descriptor, bool) {
	if strings.TrimSpace(u.Frequency) == "" {
		return cronspec.Descriptor{}, false
	}
	return cronspec.Descriptor{Frequency: cronspec.Frequency(u.Frequency), Time: u.Time, Day: u.Day}, true
}

// Cron returns the validated cron expression for the policy: derived from
// the descriptor when present, the raw Schedule otherwise.
func (u Updates) Cron() (string, error) {
	expr := u.Schedule
	if d, ok := u.Descriptor(); ok {
		var err error
		if expr, err = d.Cron(); err != nil {
			return "", err
		}
	}
	if err := cronspec.Validate(expr); err != nil {
		return "", err
	}
	return expr, nil
}

type Store struct {
	path string
	log  logx.Logger
}

func Open(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log.With(logx.String("comp", "settings"))}
}

func (s *Store) Path() string { return s.path }

// Load returns the raw sections. A missing file is an empty document.
func (s *Store) Load() (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if err := jsonfile.Read(s.path, &doc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return doc, nil
}

// Section decodes one section into v. It reports false when the section is absent.
func (s *Store) Section(name string, v any) (bool, error) {
	doc, err := s.Load()
	if err != nil {
		return false, err
	}
	raw, ok := doc[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errs.Persistence("parse", s.path, fmt.Errorf("section %s: %w", name, err))
	}
	return true, nil
}

// SetSection replaces one section and leaves the others untouched.
func (s *Store) SetSection(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc := map[string]json.RawMessage{}
	return jsonfile.Update(s.path, &doc, func() error {
		if doc == nil {
			doc = map[string]json.RawMessage{}
		}
		doc[name] = b
		return nil
	})
}

// Updates returns the update policy with defaults applied.
func (s *Store) Updates() (Updates, error) {
	var u Updates
	ok, err := s.Section("updates", &u)
	if err != nil {
		return DefaultUpdates(), err
	}
	if !ok {
		return DefaultUpdates(), nil
	}
	return u.withDefaults(), nil
}

// SetUpdates derives the cron expression, validates it and stores the
// update policy.
func (s *Store) SetUpdates(u Updates) (Updates, error) {
	u = u.withDefaults()
	expr, err := u.Cron()
	if err != nil {
		return u, err
	}
	u.Schedule = expr
	return u, s.SetSection("updates", u)
}

// LegacyCronJobs reports how many jobs are still stored inline in the
// settings document.
func (s *Store) LegacyCronJobs() (int, error) {
	var jobs []json.RawMessage
	if _, err := s.Section("cronJobs", &jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}
