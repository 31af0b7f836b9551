package jobstore

import (
	"encoding/json"
	"strings"
	"time"
)

// Job kinds.
const (
	KindCommand          = ""
	KindDockerBackup     = "docker-backup"
	KindSystemBackup     = "system-backup"
	KindSystemUpdate     = "system-update"
	KindDockerAutoUpdate = "docker-auto-update"
)

// Reserved system job ids.
const (
	SystemBackupID     = "system-scheduled-backup"
	SystemUpdateID     = "system-auto-updates"
	DockerAutoUpdateID = "docker-auto-update"
)

// Job is one persisted schedule. Field names follow the on-disk cron-jobs.json.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	Command     string          `json:"command,omitempty"`
	Kind        string          `json:"type,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Location    string          `json:"location,omitempty"`
	Includes    []string        `json:"includes,omitempty"`
	Description string          `json:"description,omitempty"`
	IsSystemJob bool            `json:"isSystemJob,omitempty"`
	LastRun     *time.Time      `json:"lastRun,omitempty"`
}

// IsReserved reports whether id belongs to a system job.
func IsReserved(id string) bool {
	switch strings.TrimSpace(id) {
	case SystemBackupID, SystemUpdateID, DockerAutoUpdateID:
		return true
	}
	return false
}

// DockerBackupParams are the params of a docker-backup job.
type DockerBackupParams struct {
	Location string   `json:"location"`
	Includes []string `json:"includes"`
}

// normalize folds the legacy top-level docker-backup fields into Params.
func (j *Job) normalize() bool {
	if j.Kind != KindDockerBackup || (j.Location == "" && len(j.Includes) == 0) {
		return false
	}
	if len(j.Params) == 0 {
		b, err := json.Marshal(DockerBackupParams{Location: j.Location, Includes: j.Includes})
		if err != nil {
			return false
		}
		j.Params = b
	}
	j.Location = ""
	j.Includes = nil
	return true
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	if j.Params != nil {
		j.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Includes != nil {
		j.Includes = append([]string(nil), j.Includes...)
	}
	if j.LastRun != nil {
		t := *j.LastRun
		j.LastRun = &t
	}
	return j
}
