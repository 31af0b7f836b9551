package execx

import (
	"errors"
	"fmt"
	"time"
)

// ErrTerminated marks a process stopped through Process.Terminate.
var ErrTerminated = errors.New("process terminated")

// CommandError is returned when the child exits non-zero, cannot be spawned,
// or is stopped by cancellation. Stdout/Stderr hold whatever was captured.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", shorten(e.Command, 120))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + shorten(s, 200)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// TimeoutError is returned when the command outlived its bound and was killed.
type TimeoutError struct {
	Command string
	After   time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", shorten(e.Command, 120), e.After)
}

// Timeout lets callers use the net.Error style check.
func (e *TimeoutError) Timeout() bool { return true }

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsCommand(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// Output extracts captured stdout/stderr from a CommandError or TimeoutError.
func Output(err error) (stdout, stderr string, ok bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Stdout, ce.Stderr, true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Stdout, te.Stderr, true
	}
	return "", "", false
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func lastLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
