package tor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTor writes an executable shell script standing in for the tor binary.
func fakeTor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tor")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu          sync.Mutex
	lines       []string
	progress    []int
	transitions []Transition
	// linesAtReady is how many lines had been seen when Ready was reported.
	linesAtReady int
}

func (r *recorder) OnLine(l LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l.Text)
}

func (r *recorder) OnBootstrap(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p.Percent)
}

func (r *recorder) OnTransition(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
	if tr.To == StateReady {
		r.linesAtReady = len(r.lines)
	}
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr.To)
	}
	return out
}

func (r *recorder) count(s State) int {
	n := 0
	for _, got := range r.states() {
		if got == s {
			n++
		}
	}
	return n
}

// captureLogger records log calls for assertions.
type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+" "+msg+" "+fmt.Sprint(args...))
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *captureLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func waitHandleDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not finish in time")
	}
}

func TestSupervisor_ReadyScenario(t *testing.T) {
	bin := fakeTor(t, `echo "Starting"
echo "Bootstrapped 10%"
echo "Bootstrapped 100% done"
echo "Bootstrapped 100% done"
`)
	rec := &recorder{}
	sup := NewSupervisor(Options{Observer: rec})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sup.AwaitReady(context.Background(), h, 5*time.Second); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}
	waitHandleDone(t, h)

	want := []State{StateInstalling, StateLaunching, StateBootstrapping, StateReady}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if n := rec.count(StateReady); n != 1 {
		t.Errorf("Ready transitions = %d, want 1", n)
	}
	rec.mu.Lock()
	if rec.linesAtReady != 3 {
		t.Errorf("Ready after %d lines, want 3", rec.linesAtReady)
	}
	if len(rec.lines) != 4 {
		t.Errorf("observer saw %d lines, want 4", len(rec.lines))
	}
	rec.mu.Unlock()

	// Exiting after Ready leaves the handle Ready.
	if s := sup.CurrentState(h); s != StateReady {
		t.Errorf("CurrentState() = %v, want %v", s, StateReady)
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v, want nil", h.Err())
	}
	if h.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", h.ExitCode())
	}
	select {
	case <-h.Ready():
	default:
		t.Error("Ready() channel not closed")
	}
}

func TestSupervisor_ExitedBeforeReady(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "no output", body: "exit 1\n", wantCode: 1},
		{name: "progress then exit", body: "echo 'Bootstrapped 5%'\necho 'Bootstrapped 50%'\nexit 7\n", wantCode: 7},
		{name: "clean exit", body: "echo 'Starting'\n", wantCode: 0},
		{name: "lowercase marker", body: "echo 'bootstrapped 100%'\n", wantCode: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := NewSupervisor(Options{})
			h, err := sup.Start(context.Background(), fakeTor(t, tt.body), t.TempDir())
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			err = sup.AwaitReady(context.Background(), h, 5*time.Second)
			if !errors.Is(err, ErrProcessExitedBeforeReady) {
				t.Fatalf("AwaitReady() error = %v, want ErrProcessExitedBeforeReady", err)
			}
			waitHandleDone(t, h)

			if got := ExitCode(err); got != tt.wantCode {
				t.Errorf("ExitCode(err) = %d, want %d", got, tt.wantCode)
			}
			if h.State() != StateFailed {
				t.Errorf("State() = %v, want %v", h.State(), StateFailed)
			}
		})
	}
}

func TestSupervisor_Argv(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	bin := fakeTor(t, fmt.Sprintf(`for a in "$@"; do echo "$a" >> %q; done
echo "Bootstrapped 100%% (done): Done"
`, argsFile))

	root := t.TempDir()
	sup := NewSupervisor(Options{})
	h, err := sup.Start(context.Background(), bin, root)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitHandleDone(t, h)

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	got := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	want := []string{
		"DataDirectory", filepath.Join(root, "tordata"),
		"SocksPort", "127.0.0.1:9050",
		"Log", "notice stdout",
		"--runasdaemon", "0",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("argv = %q, want %q", got, want)
	}

	info, err := os.Stat(filepath.Join(root, "tordata"))
	if err != nil || !info.IsDir() {
		t.Errorf("tordata not created: %v", err)
	}
}

func TestSupervisor_DataRootIsFile(t *testing.T) {
	spawned := filepath.Join(t.TempDir(), "spawned")
	bin := fakeTor(t, fmt.Sprintf("touch %q\n", spawned))

	root := filepath.Join(t.TempDir(), "root")
	if err := os.WriteFile(root, []byte("not a dir"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rec := &recorder{}
	sup := NewSupervisor(Options{Observer: rec})
	h, err := sup.Start(context.Background(), bin, root)
	if !errors.Is(err, ErrEnvironmentSetupFailed) {
		t.Fatalf("Start() error = %v, want ErrEnvironmentSetupFailed", err)
	}
	if h == nil {
		t.Fatal("Start() returned nil handle")
	}
	if h.State() != StateFailed {
		t.Errorf("State() = %v, want %v", h.State(), StateFailed)
	}
	if h.PID() != 0 {
		t.Errorf("PID() = %d, want 0", h.PID())
	}
	if _, err := os.Stat(spawned); !os.IsNotExist(err) {
		t.Error("process was spawned despite setup failure")
	}
	for _, s := range rec.states() {
		if s == StateLaunching {
			t.Error("handle reached Launching despite setup failure")
		}
	}

	// The failed handle does not block a retry.
	if sup.Current() != nil {
		t.Error("Current() should be nil after setup failure")
	}
}

func TestSupervisor_InvalidBinary(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "tor")
	if err := os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sup := NewSupervisor(Options{})
	for _, bin := range []string{plain, filepath.Join(t.TempDir(), "missing"), ""} {
		h, err := sup.Start(context.Background(), bin, t.TempDir())
		if !errors.Is(err, ErrInvalidBinary) {
			t.Errorf("Start(%q) error = %v, want ErrInvalidBinary", bin, err)
		}
		if h != nil {
			t.Errorf("Start(%q) returned a handle", bin)
		}
	}
}

func TestSupervisor_AlreadyRunning(t *testing.T) {
	bin := fakeTor(t, "echo 'Bootstrapped 5%'\nexec sleep 60\n")
	sup := NewSupervisor(Options{GracefulTimeout: time.Second})

	first, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sup.Stop(first) //nolint:errcheck // cleanup

	before := first.State()

	second, err := sup.Start(context.Background(), bin, t.TempDir())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if second != nil {
		t.Error("second Start() returned a handle")
	}
	if first.State() != before {
		t.Errorf("first handle state = %v, want %v", first.State(), before)
	}
	if sup.Current() != first {
		t.Error("Current() changed after rejected Start")
	}
}

func TestSupervisor_AwaitReadyZeroTimeout(t *testing.T) {
	bin := fakeTor(t, "sleep 0.3\necho 'Bootstrapped 100% (done): Done'\nexec sleep 60\n")
	sup := NewSupervisor(Options{GracefulTimeout: time.Second})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sup.Stop(h) //nolint:errcheck // cleanup

	start := time.Now()
	err = sup.AwaitReady(context.Background(), h, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("AwaitReady(0) error = %v, want ErrTimeout", err)
	}
	if !IsStillStarting(err) {
		t.Error("IsStillStarting() = false for timeout")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("AwaitReady(0) took %v, want immediate", elapsed)
	}
	if s := sup.CurrentState(h); s != StateBootstrapping {
		t.Errorf("CurrentState() = %v, want %v", s, StateBootstrapping)
	}

	if err := sup.AwaitReady(context.Background(), h, 5*time.Second); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}
	if s := sup.CurrentState(h); s != StateReady {
		t.Errorf("CurrentState() = %v, want %v", s, StateReady)
	}

	// Stopping a Ready handle keeps it Ready.
	if err := sup.Stop(h); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s := h.State(); s != StateReady {
		t.Errorf("State() after Stop = %v, want %v", s, StateReady)
	}
}

func TestSupervisor_AwaitReadyContextCancel(t *testing.T) {
	bin := fakeTor(t, "exec sleep 60\n")
	sup := NewSupervisor(Options{GracefulTimeout: time.Second})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sup.Stop(h) //nolint:errcheck // cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = sup.AwaitReady(ctx, h, time.Minute)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("AwaitReady() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitReady() error = %v, want wrapping DeadlineExceeded", err)
	}
	if h.State() != StateBootstrapping {
		t.Errorf("State() = %v, want %v", h.State(), StateBootstrapping)
	}
}

func TestSupervisor_StopWhileBootstrapping(t *testing.T) {
	bin := fakeTor(t, "echo 'Bootstrapped 5%'\nexec sleep 60\n")
	sup := NewSupervisor(Options{GracefulTimeout: time.Second})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := sup.Stop(h); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.State() != StateFailed {
		t.Errorf("State() = %v, want %v", h.State(), StateFailed)
	}
	if err := sup.AwaitReady(context.Background(), h, time.Second); !errors.Is(err, ErrStopped) {
		t.Errorf("AwaitReady() error = %v, want ErrStopped", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Stop")
	}

	// Stop is idempotent.
	if err := sup.Stop(h); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	// A new Start is allowed and yields a fresh handle.
	next, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	defer sup.Stop(next) //nolint:errcheck // cleanup
	if next.ID() == h.ID() {
		t.Error("new handle reused the old ID")
	}
}

func TestSupervisor_StopFailedHandle(t *testing.T) {
	sup := NewSupervisor(Options{})
	h, err := sup.Start(context.Background(), fakeTor(t, "exit 2\n"), t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitHandleDone(t, h)

	for i := 0; i < 2; i++ {
		if err := sup.Stop(h); err != nil {
			t.Errorf("Stop() #%d error = %v", i+1, err)
		}
	}
	if !errors.Is(h.Err(), ErrProcessExitedBeforeReady) {
		t.Errorf("Err() = %v, want ErrProcessExitedBeforeReady kept after Stop", h.Err())
	}
	if err := sup.Stop(nil); err != nil {
		t.Errorf("Stop(nil) error = %v", err)
	}
}

func TestSupervisor_ObserverPanicFailsHandle(t *testing.T) {
	bin := fakeTor(t, "echo 'Starting'\nexec sleep 60\n")
	obs := panicObserver{}
	sup := NewSupervisor(Options{Observer: obs, GracefulTimeout: time.Second})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err = sup.AwaitReady(context.Background(), h, 5*time.Second)
	if !errors.Is(err, ErrStreamReadError) {
		t.Errorf("AwaitReady() error = %v, want ErrStreamReadError", err)
	}
	waitHandleDone(t, h)
}

type panicObserver struct{ NopObserver }

func (panicObserver) OnLine(LogLine) { panic("sink exploded") }

func TestSupervisor_StderrLogged(t *testing.T) {
	bin := fakeTor(t, "echo 'warning: clock skew' 1>&2\nsleep 0.2\n")
	logger := &captureLogger{}
	sup := NewSupervisor(Options{Logger: logger})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitHandleDone(t, h)

	if !logger.contains("clock skew") || !logger.contains("stderr") {
		t.Error("stderr line was not logged")
	}
}

func TestSupervisor_ProgressReported(t *testing.T) {
	bin := fakeTor(t, `echo "Bootstrapped 0% (starting): Starting"
echo "Bootstrapped 45% (requesting_descriptors): Asking for relay descriptors"
echo "Bootstrapped 100% (done): Done"
`)
	rec := &recorder{}
	sup := NewSupervisor(Options{Observer: rec})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitHandleDone(t, h)

	rec.mu.Lock()
	got := fmt.Sprint(rec.progress)
	rec.mu.Unlock()
	if got != "[0 45 100]" {
		t.Errorf("progress = %s, want [0 45 100]", got)
	}

	stats := h.Stats()
	if stats.BootstrapPercent != 100 || stats.BootstrapTag != "done" {
		t.Errorf("Stats() bootstrap = %d/%q", stats.BootstrapPercent, stats.BootstrapTag)
	}
	if stats.Lines != 3 {
		t.Errorf("Stats().Lines = %d, want 3", stats.Lines)
	}
	if stats.State != StateReady {
		t.Errorf("Stats().State = %v, want %v", stats.State, StateReady)
	}
}

func TestSupervisor_CurrentStateNil(t *testing.T) {
	sup := NewSupervisor(Options{})
	if s := sup.CurrentState(nil); s != StateNotStarted {
		t.Errorf("CurrentState(nil) = %v, want %v", s, StateNotStarted)
	}
	if err := sup.AwaitReady(context.Background(), nil, time.Second); !errors.Is(err, ErrNilHandle) {
		t.Errorf("AwaitReady(nil) error = %v, want ErrNilHandle", err)
	}
}

// stopObserver calls Stop from inside a callback when trigger matches.
type stopObserver struct {
	NopObserver
	sup     *Supervisor
	onLine  string
	onState State
	errs    chan error
}

func (o *stopObserver) OnLine(l LogLine) {
	if o.onLine != "" && strings.Contains(l.Text, o.onLine) {
		o.errs <- o.sup.Stop(o.sup.Current())
	}
}

func (o *stopObserver) OnTransition(t Transition) {
	if o.onState != StateNotStarted && t.To == o.onState {
		o.errs <- o.sup.Stop(o.sup.Current())
	}
}

func TestSupervisor_StopFromObserver(t *testing.T) {
	tests := []struct {
		name      string
		onLine    string
		onState   State
		wantState State
	}{
		{"on ready transition", "", StateReady, StateReady},
		{"on log line", "Bootstrapped 5%", StateNotStarted, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := fakeTor(t, `echo "Bootstrapped 5% (conn): Connecting"
echo "Bootstrapped 100% (done): Done"
exec sleep 60
`)
			obs := &stopObserver{onLine: tt.onLine, onState: tt.onState, errs: make(chan error, 1)}
			sup := NewSupervisor(Options{Observer: obs, GracefulTimeout: 200 * time.Millisecond})
			obs.sup = sup

			h, err := sup.Start(context.Background(), bin, t.TempDir())
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			select {
			case err := <-obs.errs:
				if err != nil {
					t.Errorf("Stop() from observer error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("Stop() from observer did not return (state=%v)", h.State())
			}
			waitHandleDone(t, h)

			if h.State() != tt.wantState {
				t.Errorf("State() = %v, want %v", h.State(), tt.wantState)
			}
			if tt.wantState == StateFailed && !errors.Is(h.Err(), ErrStopped) {
				t.Errorf("Err() = %v, want ErrStopped", h.Err())
			}
			if sup.Current() != nil {
				t.Error("Current() should be nil after Stop")
			}
		})
	}
}

func TestSupervisor_OutputClosedBeforeReady(t *testing.T) {
	// Closes stdout without exiting; readiness can never be reported.
	bin := fakeTor(t, "echo 'Bootstrapped 5%'\nexec >&-\nexec sleep 60\n")
	sup := NewSupervisor(Options{OutputClosedGrace: 100 * time.Millisecond, GracefulTimeout: time.Second})

	h, err := sup.Start(context.Background(), bin, t.TempDir())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = sup.AwaitReady(context.Background(), h, 5*time.Second)
	if !errors.Is(err, ErrProcessExitedBeforeReady) {
		t.Fatalf("AwaitReady() error = %v, want ErrProcessExitedBeforeReady", err)
	}
	if !errors.Is(err, errOutputClosed) {
		t.Errorf("AwaitReady() error = %v, want output closed cause", err)
	}
	if got := ExitCode(err); got != -1 {
		t.Errorf("ExitCode(err) = %d, want -1", got)
	}
	waitHandleDone(t, h)
	if sup.Current() != nil {
		t.Error("Current() should be nil once the process is stopped")
	}
}
