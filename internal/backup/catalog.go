// Package backup keeps the system backup catalog: the backup schedule and
// the list of archives with their status.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/jsonfile"
	logx "naspanel/pkg/logx"
)

// Record statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size,omitempty"`
	Error     string    `json:"error,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
}

// Document is the on-disk catalog.
type Document struct {
	Schedule cronspec.BackupSchedule `json:"schedule"`
	Backups  []Record                `json:"backups"`
}

type Page struct {
	Backups    []Record `json:"backups"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PerPage    int      `json:"per_page"`
	TotalPages int      `json:"total_pages"`
}

type Catalog struct {
	path string
	log  logx.Logger
	now  func() time.Time
}

func Open(path string, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{path: path, log: log.With(logx.String("comp", "backup")), now: time.Now}
}

func (c *Catalog) Path() string { return c.path }

// Load returns the catalog; a missing file yields the defaults.
func (c *Catalog) Load() (Document, error) {
	var doc Document
	if err := jsonfile.Read(c.path, &doc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Document{}, err
	}
	doc.fill()
	return doc, nil
}

func (d *Document) fill() {
	d.Schedule = d.Schedule.WithDefaults()
	if d.Backups == nil {
		d.Backups = []Record{}
	}
}

func (c *Catalog) update(fn func(*Document) error) error {
	var doc Document
	return jsonfile.Update(c.path, &doc, func() error {
		doc.fill()
		return fn(&doc)
	})
}

func (c *Catalog) Schedule() (cronspec.BackupSchedule, error) {
	doc, err := c.Load()
	return doc.Schedule, err
}

// SetSchedule validates s (after filling defaults) and persists it.
func (c *Catalog) SetSchedule(s cronspec.BackupSchedule) (cronspec.BackupSchedule, error) {
	s = s.WithDefaults()
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "disabled", "daily", "weekly", "monthly":
		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	default:
		return s, errs.InvalidSchedule(s.Type, "schedule type must be disabled, daily, weekly or monthly")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	err := c.update(func(d *Document) error {
		d.Schedule = s
		return nil
	})
	return s, err
}

// Begin records a new in-progress backup.
func (c *Catalog) Begin(name, path, trigger string) (Record, error) {
	r := Record{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		Status:    StatusInProgress,
		CreatedAt: c.now().UTC(),
		Trigger:   trigger,
	}
	err := c.update(func(d *Document) error {
		d.Backups = append(d.Backups, r)
		return nil
	})
	return r, err
}

func (c *Catalog) Complete(id string, size int64) error {
	return c.set(id, func(r *Record) {
		r.Status = StatusCompleted
		r.Size = size
		r.Error = ""
	})
}

func (c *Catalog) Fail(id string, cause error) error {
	return c.set(id, func(r *Record) {
		r.Status = StatusFailed
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

func (c *Catalog) set(id string, fn func(*Record)) error {
	return c.update(func(d *Document) error {
		for i := range d.Backups {
			if d.Backups[i].ID == id {
				fn(&d.Backups[i])
				return nil
			}
		}
		return errs.NotFound("backup", id)
	})
}

// List returns every record, newest first.
func (c *Catalog) List() ([]Record, error) {
	doc, err := c.Load()
	if err != nil {
		return nil, err
	}
	out := append([]Record(nil), doc.Backups...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Page slices List. page starts at 1; perPage defaults to 10.
func (c *Catalog) Page(page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	all, err := c.List()
	if err != nil {
		return Page{}, err
	}
	p := Page{
		Backups:    []Record{},
		Total:      len(all),
		Page:       page,
		PerPage:    perPage,
		TotalPages: int(math.Ceil(float64(len(all)) / float64(perPage))),
	}
	start := (page - 1) * perPage
	if start < len(all) {
		end := min(start+perPage, len(all))
		p.Backups = all[start:end]
	}
	return p, nil
}

func (c *Catalog) Get(id string) (Record, error) {
	doc, err := c.Load()
	if err != nil {
		return Record{}, err
	}
	for _, r := range doc.Backups {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, errs.NotFound("backup", id)
}

// Delete drops the record and its archive.
func (c *Catalog) Delete(id string) (Record, error) {
	var removed Record
	err := c.update(func(d *Document) error {
		for i := range d.Backups {
			if d.Backups[i].ID == id {
				removed = d.Backups[i]
				d.Backups = append(d.Backups[:i], d.Backups[i+1:]...)
				return nil
			}
		}
		return errs.NotFound("backup", id)
	})
	if err != nil {
		return Record{}, err
	}
	c.removeFile(removed)
	return removed, nil
}

// Prune deletes completed backups created before now-retention. A zero
// retention keeps everything.
func (c *Catalog) Prune(now time.Time, retention time.Duration) ([]Record, error) {
	if retention <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-retention)
	var pruned []Record
	err := c.update(func(d *Document) error {
		kept := d.Backups[:0]
		for _, r := range d.Backups {
			if r.Status == StatusCompleted && r.CreatedAt.Before(cutoff) {
				pruned = append(pruned, r)
				continue
			}
			kept = append(kept, r)
		}
		d.Backups = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range pruned {
		c.removeFile(r)
	}
	if len(pruned) > 0 {
		c.log.Info("old backups pruned", logx.Int("count", len(pruned)), logx.Duration("retention", retention))
	}
	return pruned, nil
}

func (c *Catalog) removeFile(r Record) {
	if strings.TrimSpace(r.Path) == "" {
		return
	}
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("backup file not removed", logx.String("path", r.Path), logx.Err(err))
	}
}

// FormatSize renders bytes the way the backup list shows them.
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(units) {
		i = len(units) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
	return s + " " + units[i]
}
