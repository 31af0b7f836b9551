// Package execx runs external commands for the rest of naspanel.
//
// Every command goes through /bin/sh -c in its own process group, is bounded
// by a timeout (30s unless the caller says otherwise), and can be cancelled
// through its context or Process.Terminate. Stopping always sends SIGTERM to
// the group first and SIGKILL after a grace period.
//
// Failures come back as *CommandError (non-zero exit, spawn failure,
// cancellation) or *TimeoutError; both carry the output captured so far.
package execx
