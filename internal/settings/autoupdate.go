package settings

import (
	"errors"
	"io/fs"
	"regexp"
	"strings"

	"naspanel/internal/cronspec"
	"naspanel/internal/errs"
	"naspanel/internal/jsonfile"
	logx "naspanel/pkg/logx"
)

var reAutoUpdateTime = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// AutoUpdateStore holds the docker image auto-update document.
type AutoUpdateStore struct {
	path string
	log  logx.Logger
}

func OpenAutoUpdate(path string, log logx.Logger) *AutoUpdateStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AutoUpdateStore{path: path, log: log.With(logx.String("comp", "autoupdate"))}
}

// Load returns the document, or the defaults when it is missing or unreadable.
func (a *AutoUpdateStore) Load() (cronspec.AutoUpdate, error) {
	v := cronspec.DefaultAutoUpdate()
	if err := jsonfile.Read(a.path, &v); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.log.Warn("auto-update settings unreadable; using defaults", logx.Err(err))
		}
		return cronspec.DefaultAutoUpdate(), nil
	}
	if v.Images == nil {
		v.Images = []string{}
	}
	return v, nil
}

// Save validates v and replaces the document.
func (a *AutoUpdateStore) Save(v cronspec.AutoUpdate) (cronspec.AutoUpdate, error) {
	v, err := NormalizeAutoUpdate(v)
	if err != nil {
		return v, err
	}
	return v, jsonfile.Write(a.path, v)
}

// NormalizeAutoUpdate checks the schedule and time and tidies the image list.
func NormalizeAutoUpdate(v cronspec.AutoUpdate) (cronspec.AutoUpdate, error) {
	v.Schedule = strings.ToLower(strings.TrimSpace(v.Schedule))
	switch cronspec.Frequency(v.Schedule) {
	case cronspec.Daily, cronspec.Weekly, cronspec.Monthly:
	default:
		return v, errs.InvalidSchedule(v.Schedule, "schedule must be daily, weekly or monthly")
	}
	if !reAutoUpdateTime.MatchString(v.Time) {
		return v, errs.InvalidSchedule(v.Time, "time must be HH:MM")
	}
	images := make([]string, 0, len(v.Images))
	seen := map[string]bool{}
	for _, img := range v.Images {
		img = strings.TrimSpace(img)
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		images = append(images, img)
	}
	v.Images = images
	return v, nil
}
