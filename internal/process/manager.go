package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

const (
	// defaultGracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	defaultGracefulTimeout = 10 * time.Second

	// maxLineSize bounds a single output line. Tor notice lines are well under 1KB.
	maxLineSize = 1024 * 1024

	// initialLineBuffer is the starting scanner buffer size.
	initialLineBuffer = 64 * 1024
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("process: already started")

// ErrCallbackPanic wraps a panic recovered from a line callback.
var ErrCallbackPanic = errors.New("process: output callback panicked")

// Exit describes how the child and its output stream ended.
type Exit struct {
	// Code is the exit status, or -1 if the child was killed by a signal
	// or the status is unavailable.
	Code int

	// WaitErr is a non-exit-status error returned by Wait, if any.
	WaitErr error

	// StreamErr is set when reading stdout failed for a reason other than
	// end-of-file or a requested stop.
	StreamErr error

	// Stopped reports whether Stop was called before the child exited.
	Stopped bool
}

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long to wait for graceful shutdown before SIGKILL.
	GracefulTimeout time.Duration

	// OnStdoutLine receives each stdout line, without the trailing newline,
	// in emission order. It runs on the reader goroutine and must not block
	// for long. It may call Stop.
	OnStdoutLine func(line string)

	// OnStdoutClosed is called on the reader goroutine when stdout reaches
	// end-of-file without Stop having been called. The child may still be
	// running.
	OnStdoutClosed func()

	// OnStderrLine receives each stderr line. If nil, stderr is discarded
	// by the OS (connected to /dev/null).
	OnStderrLine func(line string)

	// OnExit is called exactly once after the child has been reaped and the
	// stdout reader has finished.
	OnExit func(Exit)
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager manages the lifecycle of one subprocess run.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	exit          *Exit
	startTime     time.Time
	exitCode      int
	stopRequested bool
	started       bool

	stdout *os.File
	stderr *os.File

	// dispatching is set while OnStdoutLine runs.
	dispatching atomic.Bool

	// stop is closed by Stop so the reader stops dispatching lines.
	stop chan struct{}
	// exited is closed as soon as the child is reaped.
	exited chan struct{}
	// done is closed once the child is reaped, the reader has finished and
	// OnExit has returned.
	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status:   StatusStopped,
		exitCode: -1,
		stop:     make(chan struct{}),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Start spawns the subprocess and begins consuming its output.
// It returns once the child has been created; it never waits for output.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, m.config.Name)
	}
	m.started = true
	m.status = StatusStarting
	m.mu.Unlock()

	if err := m.startProcess(); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.mu.Unlock()
		close(m.exited)
		close(m.done)
		return err
	}
	return nil
}

// startProcess actually starts the subprocess.
func (m *Manager) startProcess() error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.Command(m.config.Binary, m.config.Args...) //nolint:gosec // Binary path is checked by runtimeenv.CheckExecutable

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	// Own the pipes rather than using StdoutPipe so Stop can close the read
	// end without racing cmd.Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	var stderrR, stderrW *os.File
	if m.config.OnStderrLine != nil {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return fmt.Errorf("creating stderr pipe: %w", err)
		}
		cmd.Stderr = stderrW
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	m.mu.Lock()
	m.cmd = cmd
	m.stdout = stdoutR
	m.stderr = stderrR
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	if stderrR != nil {
		go m.captureStderr(stderrR)
	}
	go m.run(cmd, stdoutR)

	m.logger.Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// run reaps the child while a second goroutine consumes stdout, then
// reports the exit once both have finished.
func (m *Manager) run(cmd *exec.Cmd, stdout *os.File) {
	defer close(m.done)

	streamResult := make(chan error, 1)
	go func() { streamResult <- m.consume(cmd, stdout) }()

	waitErr := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	m.mu.Lock()
	m.exitCode = code
	m.mu.Unlock()
	close(m.exited)

	streamErr := <-streamResult
	stdout.Close()

	exit := Exit{
		Code:      code,
		StreamErr: streamErr,
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		exit.WaitErr = waitErr
	}

	m.mu.Lock()
	exit.Stopped = m.stopRequested
	m.exit = &exit
	if streamErr != nil || exit.WaitErr != nil {
		m.status = StatusFailed
	} else {
		m.status = StatusExited
	}
	m.mu.Unlock()

	m.logger.Info("process exited",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
		"exit_code", exit.Code,
		"stopped", exit.Stopped,
	)

	if m.config.OnExit != nil {
		m.config.OnExit(exit)
	}
}

// consume reads stdout to the end and reacts to how the stream ended.
func (m *Manager) consume(cmd *exec.Cmd, stdout *os.File) error {
	streamErr := m.readLines(stdout)
	switch {
	case streamErr != nil:
		// Nobody is draining stdout any more; the child would block on a
		// full pipe, so take it down.
		m.logger.Error("output stream failed, killing process",
			"name", m.config.Name,
			"error", streamErr,
		)
		m.signalGroup(cmd.Process.Pid, unix.SIGKILL)
	case !m.stopping() && m.config.OnStdoutClosed != nil:
		m.dispatching.Store(true)
		m.config.OnStdoutClosed()
		m.dispatching.Store(false)
	}
	return streamErr
}

// readLines hands each stdout line to OnStdoutLine in order. It returns nil on
// EOF or when the stream was closed by Stop.
func (m *Manager) readLines(r io.Reader) (err error) {
	defer func() {
		m.dispatching.Store(false)
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, rec)
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

	for scanner.Scan() {
		if m.config.OnStdoutLine == nil {
			continue
		}
		m.dispatching.Store(true)
		if m.stopping() {
			m.dispatching.Store(false)
			return nil
		}
		m.config.OnStdoutLine(scanner.Text())
		m.dispatching.Store(false)
	}
	if m.stopping() {
		return nil
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return fmt.Errorf("reading %s stdout: %w", m.config.Name, scanErr)
	}
	return nil
}

// captureStderr forwards stderr lines until the stream closes.
func (m *Manager) captureStderr(r *os.File) {
	defer r.Close()
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("stderr callback panicked", "name", m.config.Name, "panic", rec)
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	for scanner.Scan() {
		m.config.OnStderrLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !m.stopping() {
		m.logger.Debug("stderr stream closed", "name", m.config.Name, "error", err)
	}
}

// stopping reports whether Stop has been called.
func (m *Manager) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// Stop gracefully stops the subprocess.
// It ends the output reader immediately, sends SIGTERM to the process group,
// and escalates to SIGKILL after GracefulTimeout. Calling Stop on a process
// that never started or has already been reaped is a no-op.
//
// Stop normally returns after Done is closed. Called from OnStdoutLine it
// returns once the child is reaped, since the reader cannot finish until the
// callback does.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.cmd == nil || m.reaped() {
		m.mu.Unlock()
		return nil
	}
	if m.stopRequested {
		// Another Stop is already in flight; just wait for it.
		m.mu.Unlock()
		m.awaitExit(nil)
		return nil
	}
	m.stopRequested = true
	close(m.stop)
	cmd := m.cmd
	stdout := m.stdout
	m.mu.Unlock()

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	// Unblock the reader now rather than waiting for the child to close stdout.
	if stdout != nil {
		stdout.Close()
	}

	m.signalGroup(pid, unix.SIGTERM)

	grace := time.NewTimer(m.config.GracefulTimeout)
	defer grace.Stop()
	if m.awaitExit(grace.C) {
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	}
	m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
		"name", m.config.Name,
		"timeout", m.config.GracefulTimeout,
	)

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	m.awaitExit(nil)
	m.logger.Info("process killed", "name", m.config.Name)
	return nil
}

// awaitExit waits for the child to be reaped, then for Done unless a line
// callback is running. It returns false if timeout fires first.
func (m *Manager) awaitExit(timeout <-chan time.Time) bool {
	select {
	case <-m.exited:
	case <-timeout:
		return false
	}
	if !m.dispatching.Load() {
		<-m.done
	}
	return true
}

// reaped reports whether the child has been waited for.
func (m *Manager) reaped() bool {
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// signalGroup sends sig to the child's process group, ignoring ESRCH.
func (m *Manager) signalGroup(pid int, sig unix.Signal) {
	// Negative PID targets the process group created via Setpgid.
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		m.logger.Warn("failed to signal process group",
			"name", m.config.Name,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// Exited returns a channel that is closed as soon as the process has been
// reaped, or immediately after a failed Start.
func (m *Manager) Exited() <-chan struct{} {
	return m.exited
}

// Done returns a channel that is closed once the process has been reaped
// and its output fully consumed, or immediately after a failed Start.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ExitCode returns the exit status once Exited is closed, or -1.
func (m *Manager) ExitCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exitCode
}

// Exit returns how the process ended, or nil while it is still running.
func (m *Manager) Exit() *Exit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.exit == nil {
		return nil
	}
	e := *m.exit
	return &e
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// Uptime returns how long the process has been running.
// Returns 0 if the process is not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats holds statistics about the managed process.
type Stats struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:   m.config.Name,
		Status: m.status,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.exit != nil {
		code := m.exit.Code
		stats.ExitCode = &code
	}
	return stats
}

// closeAll closes every non-nil file.
func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
