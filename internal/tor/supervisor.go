package tor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/onionwarden/internal/process"
	"github.com/nerrad567/onionwarden/internal/runtimeenv"
)

const (
	// defaultGracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	defaultGracefulTimeout = 10 * time.Second

	// defaultOutputClosedGrace is how long Tor may keep running after closing
	// stdout before the handle is failed.
	defaultOutputClosedGrace = 2 * time.Second
)

// StderrMode controls what happens to Tor's stderr.
type StderrMode string

const (
	// StderrLog forwards stderr lines to the logger at warn level.
	StderrLog StderrMode = "log"

	// StderrDiscard connects stderr to /dev/null.
	StderrDiscard StderrMode = "discard"
)

// Logger defines the logging interface for the supervisor.
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

// Options tune a Supervisor. Zero values select defaults.
type Options struct {
	// SocksAddress overrides the SOCKS bind address.
	// Default: "127.0.0.1:9050"
	SocksAddress string

	// LogLevel overrides the Tor log severity.
	// Default: "notice"
	LogLevel string

	// GracefulTimeout is how long Stop waits before SIGKILL.
	// Default: 10s
	GracefulTimeout time.Duration

	// Stderr selects how stderr is handled.
	// Default: StderrLog
	Stderr StderrMode

	// OutputClosedGrace is how long a process that closed stdout before
	// reaching Ready may keep running. After that the handle fails with
	// ErrProcessExitedBeforeReady and the process is stopped.
	// Default: 2s
	OutputClosedGrace time.Duration

	// Observer receives lines, progress and transitions. May be nil.
	Observer Observer

	// Logger receives supervisor diagnostics. May be nil.
	Logger Logger
}

// Supervisor launches Tor and tracks its readiness. It owns at most one
// live handle at a time.
type Supervisor struct {
	opts     Options
	logger   Logger
	observer Observer

	mu      sync.Mutex
	current *Handle
}

// NewSupervisor creates a supervisor, filling in defaults.
func NewSupervisor(opts Options) *Supervisor {
	if opts.SocksAddress == "" {
		opts.SocksAddress = DefaultSocksAddress
	}
	if opts.LogLevel == "" {
		opts.LogLevel = DefaultLogLevel
	}
	if opts.GracefulTimeout == 0 {
		opts.GracefulTimeout = defaultGracefulTimeout
	}
	if opts.Stderr == "" {
		opts.Stderr = StderrLog
	}
	if opts.OutputClosedGrace <= 0 {
		opts.OutputClosedGrace = defaultOutputClosedGrace
	}

	s := &Supervisor{
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	return s
}

// Start prepares <dataRoot>/tordata, launches Tor and begins reading its
// output. It returns as soon as the process is spawned; use AwaitReady or
// the handle's Ready channel to wait for bootstrap.
//
// On environment or spawn failure the returned handle (if any) is already
// Failed and the error is the handle's terminal error.
func (s *Supervisor) Start(ctx context.Context, executablePath, dataRoot string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("starting tor: %w", err)
	}

	if err := runtimeenv.CheckExecutable(executablePath); err != nil {
		return nil, newError(ErrInvalidBinary, err)
	}

	s.mu.Lock()
	if s.current != nil && s.current.live() {
		existing := s.current
		s.mu.Unlock()
		return nil, newError(ErrAlreadyRunning, fmt.Errorf("handle %s is %s", existing.id, existing.State()))
	}
	cfg := NewLaunchConfig(executablePath, dataRoot)
	cfg.SocksBindAddress = s.opts.SocksAddress
	cfg.LogLevel = s.opts.LogLevel
	h := newHandle(cfg)
	s.current = h
	s.mu.Unlock()

	s.logger.Info("starting tor", "handle", h.id, "binary", executablePath, "data_root", dataRoot)

	s.transition(h, StateInstalling, nil)

	if err := runtimeenv.EnsureDirectory(cfg.DataDirectory); err != nil {
		return h, s.abort(h, newError(ErrEnvironmentSetupFailed, err))
	}

	if err := cfg.Validate(); err != nil {
		return h, s.abort(h, newError(ErrEnvironmentSetupFailed, err))
	}

	// Stop may have raced us while preparing.
	if !s.transition(h, StateLaunching, nil) {
		return h, s.abort(h, h.Err())
	}

	proc := process.NewManager(process.Config{
		Name:            "tor",
		Binary:          cfg.ExecutablePath,
		Args:            cfg.BuildArgs(),
		GracefulTimeout: s.opts.GracefulTimeout,
		OnStdoutLine:    func(line string) { s.handleLine(h, line) },
		OnStdoutClosed:  func() { s.handleOutputClosed(h) },
		OnStderrLine:    s.stderrHandler(h),
		OnExit:          func(exit process.Exit) { s.handleExit(h, exit) },
	})
	proc.SetLogger(s.logger)

	if err := proc.Start(); err != nil {
		return h, s.abort(h, newError(ErrProcessSpawnFailed, err))
	}

	h.mu.Lock()
	h.proc = proc
	h.pid = proc.PID()
	stopRequested := h.stopRequested
	h.mu.Unlock()

	s.transition(h, StateBootstrapping, nil)
	h.closeLaunched()

	if stopRequested {
		if err := proc.Stop(); err != nil {
			s.logger.Warn("stopping tor after concurrent stop request", "handle", h.id, "error", err)
		}
		return h, h.Err()
	}

	s.logger.Info("tor launched", "handle", h.id, "pid", h.pid, "command", cfg.String())
	return h, nil
}

// abort fails a handle that never got a running process.
func (s *Supervisor) abort(h *Handle, err error) error {
	s.fail(h, err)
	h.closeLaunched()
	h.closeDone()
	s.release(h)
	return h.Err()
}

// AwaitReady blocks until h is Ready (nil), Failed (its terminal error), or
// timeout elapses (ErrTimeout). A zero timeout checks once without waiting.
// Cancelling ctx also yields ErrTimeout, wrapping the context error. Waiting
// never affects the daemon.
func (s *Supervisor) AwaitReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h == nil {
		return ErrNilHandle
	}

	select {
	case <-h.settled:
		return h.Err()
	default:
	}

	if timeout <= 0 {
		return newError(ErrTimeout, nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.settled:
		return h.Err()
	case <-timer.C:
		return newError(ErrTimeout, nil)
	case <-ctx.Done():
		return newError(ErrTimeout, ctx.Err())
	}
}

// Stop terminates the handle's process: SIGTERM, then SIGKILL after the
// grace period. Output reading ends immediately. A handle that had not
// reached Ready becomes Failed with ErrStopped. Stopping an already stopped
// or failed handle succeeds.
//
// Done is closed when Stop returns. Stop may be called from an Observer.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	h.stopRequested = true
	proc := h.proc
	h.mu.Unlock()

	s.fail(h, newError(ErrStopped, nil))

	if proc != nil {
		if err := proc.Stop(); err != nil {
			return fmt.Errorf("stopping tor: %w", err)
		}
		// The reader may still be inside an observer, possibly the one
		// calling Stop, so finish the handle here instead of waiting for it.
		s.recordExit(h, proc.ExitCode())
		h.closeDone()
	}

	s.release(h)
	s.logger.Info("tor stopped", "handle", h.id, "state", h.State().String())
	return nil
}

// CurrentState returns a snapshot of the handle's state without blocking.
func (s *Supervisor) CurrentState(h *Handle) State {
	if h == nil {
		return StateNotStarted
	}
	return h.State()
}

// Current returns the live handle, or nil.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// release forgets h if it is still the current handle.
func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == h && !h.live() {
		s.current = nil
	}
}

// handleLine runs on the reader goroutine for every stdout line, in order.
func (s *Supervisor) handleLine(h *Handle, text string) {
	<-h.launched

	now := time.Now()
	h.mu.Lock()
	h.lines++
	seq := h.lines
	h.mu.Unlock()

	s.observer.OnLine(LogLine{HandleID: h.id, Seq: seq, Text: text, Time: now})

	if bs, ok := ParseBootstrap(text); ok {
		h.mu.Lock()
		h.bootstrap = bs
		h.mu.Unlock()
		s.observer.OnBootstrap(Progress{HandleID: h.id, Bootstrap: bs, Time: now})
	}

	if IsReadyLine(text) && s.transition(h, StateReady, nil) {
		s.logger.Info("tor is ready", "handle", h.id, "socks_address", h.config.SocksBindAddress)
	}
}

// handleOutputClosed runs when Tor closes stdout. Usually the process is
// exiting; one that keeps running before Ready can never report readiness.
func (s *Supervisor) handleOutputClosed(h *Handle) {
	go func() {
		<-h.launched

		grace := time.NewTimer(s.opts.OutputClosedGrace)
		defer grace.Stop()
		select {
		case <-h.done:
			return
		case <-grace.C:
		}

		if !s.transition(h, StateFailed, &Error{Kind: ErrProcessExitedBeforeReady, ExitCode: -1, Err: errOutputClosed}) {
			return
		}
		s.logger.Warn("tor closed stdout but kept running, stopping it", "handle", h.id, "pid", h.PID())

		if err := s.Stop(h); err != nil {
			s.logger.Error("stopping tor after output closed", "handle", h.id, "error", err)
		}
	}()
}

// recordExit stores the exit status the first time the process is seen gone.
func (s *Supervisor) recordExit(h *Handle, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.endedAt.IsZero() {
		return
	}
	h.exitCode = code
	h.endedAt = time.Now()
}

// handleExit runs once the process is reaped and its output consumed.
func (s *Supervisor) handleExit(h *Handle, exit process.Exit) {
	<-h.launched
	s.recordExit(h, exit.Code)

	switch {
	case exit.StreamErr != nil:
		s.fail(h, &Error{Kind: ErrStreamReadError, ExitCode: exit.Code, Err: exit.StreamErr})
	case exit.Stopped:
		s.fail(h, newError(ErrStopped, nil))
	default:
		s.fail(h, &Error{Kind: ErrProcessExitedBeforeReady, ExitCode: exit.Code, Err: exit.WaitErr})
	}

	h.closeDone()
	s.release(h)

	s.logger.Info("tor exited", "handle", h.id, "exit_code", exit.Code, "state", h.State().String())
}

// stderrHandler returns the stderr callback for the configured mode.
func (s *Supervisor) stderrHandler(h *Handle) func(string) {
	if s.opts.Stderr == StderrDiscard {
		return nil
	}
	return func(line string) {
		s.logger.Warn("tor", "handle", h.id, "stream", "stderr", "line", line)
	}
}

// fail moves h to Failed unless it is already terminal.
func (s *Supervisor) fail(h *Handle, err error) {
	s.transition(h, StateFailed, err)
}

// transition applies a state change and notifies observers. It returns false
// if the change is not legal from the current state.
func (s *Supervisor) transition(h *Handle, to State, err error) bool {
	now := time.Now()

	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		return false
	}
	h.state = to
	switch to {
	case StateReady:
		h.readyAt = now
		close(h.ready)
		close(h.settled)
	case StateFailed:
		h.err = err
		close(h.settled)
	}
	pid := h.pid
	h.mu.Unlock()

	s.notifyTransition(Transition{HandleID: h.id, From: from, To: to, PID: pid, Err: err, Time: now})
	return true
}

func (s *Supervisor) notifyTransition(t Transition) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("observer panicked on transition", "handle", t.HandleID, "panic", rec)
		}
	}()
	s.observer.OnTransition(t)
}

// Handle is one Tor process and its readiness state.
type Handle struct {
	id     string
	config LaunchConfig

	mu            sync.RWMutex
	state         State
	err           error
	proc          *process.Manager
	pid           int
	exitCode      int
	lines         uint64
	bootstrap     Bootstrap
	startedAt     time.Time
	readyAt       time.Time
	endedAt       time.Time
	stopRequested bool

	// launched is closed once Start is done mutating the handle.
	launched     chan struct{}
	launchedOnce sync.Once
	// ready is closed on the transition to Ready.
	ready chan struct{}
	// settled is closed on the transition to Ready or Failed.
	settled chan struct{}
	// done is closed once the process is reaped or was never spawned.
	done     chan struct{}
	doneOnce sync.Once
}

func newHandle(cfg LaunchConfig) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		config:    cfg,
		state:     StateNotStarted,
		exitCode:  -1,
		startedAt: time.Now(),
		launched:  make(chan struct{}),
		ready:     make(chan struct{}),
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *Handle) closeLaunched() { h.launchedOnce.Do(func() { close(h.launched) }) }
func (h *Handle) closeDone()     { h.doneOnce.Do(func() { close(h.done) }) }

// live reports whether the handle still owns, or is about to own, a process.
func (h *Handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Config returns the launch configuration used for this handle.
func (h *Handle) Config() LaunchConfig { return h.config }

// State returns the current readiness state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the terminal error of a Failed handle, or nil.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// PID returns the process id, or 0 if no process was spawned.
func (h *Handle) PID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pid
}

// ExitCode returns the exit status once the process has exited, or -1.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Ready is closed when the handle reaches Ready.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed once the process has exited, or immediately if it never started.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats holds a snapshot of a handle.
type Stats struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	PID              int       `json:"pid,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	Lines            uint64    `json:"lines"`
	BootstrapPercent int       `json:"bootstrap_percent"`
	BootstrapTag     string    `json:"bootstrap_tag,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	ReadyAt          time.Time `json:"ready_at,omitzero"`
	EndedAt          time.Time `json:"ended_at,omitzero"`
	Error            string    `json:"error,omitempty"`
}

// Stats returns a snapshot of the handle.
func (h *Handle) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		ID:               h.id,
		State:            h.state,
		PID:              h.pid,
		Lines:            h.lines,
		BootstrapPercent: h.bootstrap.Percent,
		BootstrapTag:     h.bootstrap.Tag,
		StartedAt:        h.startedAt,
		ReadyAt:          h.readyAt,
		EndedAt:          h.endedAt,
	}
	if !h.endedAt.IsZero() {
		code := h.exitCode
		stats.ExitCode = &code
	}
	if h.err != nil {
		stats.Error = h.err.Error()
	}
	return stats
}
