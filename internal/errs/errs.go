// Package errs holds the error types shared by the job store, scheduler,
// process tracker and HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// InvalidScheduleError reports a malformed cron expression or schedule descriptor.
type InvalidScheduleError struct {
	Spec   string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	if e.Spec == "" {
		return "invalid schedule: " + e.Reason
	}
	return fmt.Sprintf("invalid schedule %q: %s", e.Spec, e.Reason)
}

func InvalidSchedule(spec, format string, args ...any) error {
	return &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf(format, args...)}
}

// InputError reports a request field that is missing or malformed.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func Input(field, format string, args ...any) error {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown job, process or backup id.
type NotFoundError struct {
	Kind string // "job", "process", "backup"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// PersistenceError reports a failed read or write of a JSON document.
type PersistenceError struct {
	Op   string // "read", "write", "parse"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Path: path, Err: err}
}

func IsInvalidSchedule(err error) bool {
	var e *InvalidScheduleError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}

func IsInput(err error) bool {
	var e *InputError
	return errors.As(err, &e)
}
