// Package scheduler arms one cron trigger per job id and runs the job body
// when it fires.
//
// The scheduler is responsible for:
//   - registering, replacing and removing triggers (upsert by job id)
//   - computing next run times in one fixed location
//   - the per-job run guard (a firing that overlaps a running body is skipped)
//   - recording lastRun, run history and lifecycle events
package scheduler
