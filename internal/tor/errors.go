package tor

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is() against these to classify a supervisor error.
var (
	// ErrInvalidBinary is returned when the executable is missing or not executable.
	ErrInvalidBinary = errors.New("tor: invalid binary")

	// ErrAlreadyRunning is returned when Start is called while a handle is live.
	ErrAlreadyRunning = errors.New("tor: already running")

	// ErrEnvironmentSetupFailed is returned when the data directory cannot be prepared.
	ErrEnvironmentSetupFailed = errors.New("tor: environment setup failed")

	// ErrProcessSpawnFailed is returned when the OS refuses to create the process.
	ErrProcessSpawnFailed = errors.New("tor: process spawn failed")

	// ErrProcessExitedBeforeReady means the output ended without the bootstrap marker.
	ErrProcessExitedBeforeReady = errors.New("tor: process exited before ready")

	// ErrTimeout is returned by AwaitReady when the wait budget runs out.
	// The daemon itself is unaffected.
	ErrTimeout = errors.New("tor: timed out waiting for bootstrap")

	// ErrStreamReadError means reading the process output failed.
	ErrStreamReadError = errors.New("tor: stream read error")

	// ErrStopped means the handle was stopped before it became ready.
	ErrStopped = errors.New("tor: stopped before ready")

	// ErrNilHandle is returned when a nil handle is passed in.
	ErrNilHandle = errors.New("tor: nil handle")

	// errOutputClosed is the cause when Tor closed stdout but kept running.
	errOutputClosed = errors.New("stdout closed while the process kept running")
)

// Error is a classified supervisor failure.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error

	// ExitCode is the process exit status for ErrProcessExitedBeforeReady,
	// or -1 when no status is available.
	ExitCode int

	// Err is the underlying cause, if any.
	Err error
}

func newError(kind, err error) *Error {
	return &Error{Kind: kind, ExitCode: -1, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if errors.Is(e.Kind, ErrProcessExitedBeforeReady) {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsStillStarting reports whether err only means the caller stopped waiting.
func IsStillStarting(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ExitCode extracts the exit code carried by err, or -1.
func ExitCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.ExitCode
	}
	return -1
}

// kindNames are stable identifiers for persisted and published errors.
var kindNames = []struct {
	kind error
	name string
}{
	{ErrInvalidBinary, "invalid_binary"},
	{ErrAlreadyRunning, "already_running"},
	{ErrEnvironmentSetupFailed, "environment_setup_failed"},
	{ErrProcessSpawnFailed, "process_spawn_failed"},
	{ErrProcessExitedBeforeReady, "process_exited_before_ready"},
	{ErrTimeout, "timeout"},
	{ErrStreamReadError, "stream_read_error"},
	{ErrStopped, "stopped"},
}

// Kind returns a short identifier for the error kind of err, "" for nil and
// "unknown" for errors that did not come from this package.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "unknown"
}

// UserMessage maps a supervisor error to the text shown to end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return "Anonymizing network is ready"
	case IsStillStarting(err):
		return "Anonymizing network is still starting"
	default:
		return "Could not start anonymizing network"
	}
}
