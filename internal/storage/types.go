package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops runs older than this on compaction. 0 keeps 30 days.
	Retention time.Duration
	// KeepPerJob bounds the file driver's history per job. 0 keeps 200.
	KeepPerJob int
}

const (
	defaultRetention  = 30 * 24 * time.Hour
	defaultKeepPerJob = 200
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run records one attempt of a job.
// Keep it compact and schema-stable.
type Run struct {
	JobID     string    `json:"job_id"`
	Trigger   string    `json:"trigger"` // "schedule" or "manual"
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}
