package process

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// lineRecorder collects lines from a callback goroutine.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish in time")
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	if m.config.GracefulTimeout != defaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", m.config.GracefulTimeout, defaultGracefulTimeout)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusStopped)
	}
	if m.PID() != 0 {
		t.Errorf("PID() = %d, want 0", m.PID())
	}
	if m.Exit() != nil {
		t.Error("Exit() should be nil before start")
	}
}

func TestManager_LinesInOrder(t *testing.T) {
	script := writeScript(t, "echo one\necho two\necho three\n")

	var rec lineRecorder
	var gotExit Exit
	m := NewManager(Config{
		Name:         "order",
		Binary:       script,
		OnStdoutLine: rec.add,
		OnExit:       func(e Exit) { gotExit = e },
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)

	want := []string{"one", "two", "three"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if gotExit.Code != 0 {
		t.Errorf("exit code = %d, want 0", gotExit.Code)
	}
	if gotExit.Stopped {
		t.Error("Stopped should be false for natural exit")
	}
	if m.Status() != StatusExited {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusExited)
	}
}

func TestManager_ExitCode(t *testing.T) {
	script := writeScript(t, "echo bye\nexit 3\n")

	m := NewManager(Config{Name: "exit", Binary: script})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)

	exit := m.Exit()
	if exit == nil {
		t.Fatal("Exit() = nil after done")
	}
	if exit.Code != 3 {
		t.Errorf("exit code = %d, want 3", exit.Code)
	}
	stats := m.Stats()
	if stats.ExitCode == nil || *stats.ExitCode != 3 {
		t.Errorf("Stats().ExitCode = %v, want 3", stats.ExitCode)
	}
}

func TestManager_StderrSeparate(t *testing.T) {
	script := writeScript(t, "echo out\necho err 1>&2\n")

	var out, errLines lineRecorder
	m := NewManager(Config{
		Name:         "stderr",
		Binary:       script,
		OnStdoutLine: out.add,
		OnStderrLine: errLines.add,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)

	if got := out.snapshot(); len(got) != 1 || got[0] != "out" {
		t.Errorf("stdout lines = %v, want [out]", got)
	}

	// stderr is drained on its own goroutine; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(errLines.snapshot()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := errLines.snapshot(); len(got) != 1 || got[0] != "err" {
		t.Errorf("stderr lines = %v, want [err]", got)
	}
}

func TestManager_StartTwice(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	m := NewManager(Config{Name: "twice", Binary: script})

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop() //nolint:errcheck // cleanup

	if err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestManager_StartInvalidBinary(t *testing.T) {
	m := NewManager(Config{Name: "missing", Binary: "/nonexistent/binary/path"})

	if err := m.Start(); err == nil {
		t.Fatal("Start() should fail for missing binary")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusFailed)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() should be closed after failed start")
	}
}

func TestManager_StopGraceful(t *testing.T) {
	script := writeScript(t, "echo started\nexec sleep 60\n")

	var exit Exit
	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          script,
		GracefulTimeout: 5 * time.Second,
		OnExit:          func(e Exit) { exit = e },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.PID() == 0 {
		t.Error("PID() = 0 after start")
	}

	start := time.Now()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Stop() took %v, expected SIGTERM to suffice", elapsed)
	}

	waitDone(t, m)
	if !exit.Stopped {
		t.Error("Exit.Stopped = false, want true")
	}
	if exit.StreamErr != nil {
		t.Errorf("Exit.StreamErr = %v, want nil after stop", exit.StreamErr)
	}
}

func TestManager_StopEscalatesToKill(t *testing.T) {
	// Ignore SIGTERM so only SIGKILL ends it.
	script := writeScript(t, "trap '' TERM\necho ready\nwhile true; do sleep 1; done\n")

	m := NewManager(Config{
		Name:            "stubborn",
		Binary:          script,
		GracefulTimeout: 200 * time.Millisecond,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Give the shell time to install its trap.
	time.Sleep(100 * time.Millisecond)

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, m)

	exit := m.Exit()
	if exit == nil || exit.Code != -1 {
		t.Errorf("Exit() = %+v, want code -1 after SIGKILL", exit)
	}
}

func TestManager_StopEndsReaderBeforeExit(t *testing.T) {
	// The child keeps writing; no line may be delivered once Stop has begun.
	script := writeScript(t, "trap '' TERM\nwhile true; do echo tick; sleep 0.01; done\n")

	var mu sync.Mutex
	stopped := false
	lateLines := 0

	m := NewManager(Config{
		Name:            "chatty",
		Binary:          script,
		GracefulTimeout: 300 * time.Millisecond,
		OnStdoutLine: func(string) {
			mu.Lock()
			if stopped {
				lateLines++
			}
			mu.Unlock()
		},
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	stopped = true
	mu.Unlock()
	// Lines racing the flag are tolerated; nothing may arrive once Stop returns.
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	after := lateLines
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if lateLines != after {
		t.Errorf("received %d lines after Stop returned", lateLines-after)
	}
}

func TestManager_StopIdempotent(t *testing.T) {
	m := NewManager(Config{Name: "never", Binary: "/bin/true"})
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() before start error = %v", err)
	}

	script := writeScript(t, "exit 0\n")
	m = NewManager(Config{Name: "done", Binary: script})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() after exit error = %v", err)
	}
}

func TestManager_CallbackPanic(t *testing.T) {
	script := writeScript(t, "echo boom\nexec sleep 60\n")

	var exit Exit
	m := NewManager(Config{
		Name:         "panicky",
		Binary:       script,
		OnStdoutLine: func(string) { panic("bad line") },
		OnExit:       func(e Exit) { exit = e },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)

	if !errors.Is(exit.StreamErr, ErrCallbackPanic) {
		t.Errorf("StreamErr = %v, want ErrCallbackPanic", exit.StreamErr)
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusFailed)
	}
}

func TestManager_Env(t *testing.T) {
	script := writeScript(t, "echo \"$ONIONWARDEN_TEST\"\n")

	var rec lineRecorder
	m := NewManager(Config{
		Name:         "env",
		Binary:       script,
		Env:          []string{"ONIONWARDEN_TEST=hello"},
		OnStdoutLine: rec.add,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, m)

	if got := rec.snapshot(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("lines = %v, want [hello]", got)
	}
}

func TestManager_StopFromLineCallback(t *testing.T) {
	script := writeScript(t, "echo first\nexec sleep 60\n")

	var m *Manager
	stopErr := make(chan error, 1)
	m = NewManager(Config{
		Name:            "reentrant",
		Binary:          script,
		GracefulTimeout: 200 * time.Millisecond,
		OnStdoutLine:    func(string) { stopErr <- m.Stop() },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-stopErr:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() from the line callback did not return")
	}
	waitDone(t, m)

	if exit := m.Exit(); exit == nil || !exit.Stopped {
		t.Errorf("Exit() = %+v, want Stopped", exit)
	}
}

func TestManager_StdoutClosedWhileRunning(t *testing.T) {
	script := writeScript(t, "echo bye\nexec >&-\nsleep 0.3\nexit 4\n")

	closed := make(chan struct{})
	m := NewManager(Config{
		Name:           "quiet",
		Binary:         script,
		OnStdoutClosed: func() { close(closed) },
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStdoutClosed was not called")
	}
	select {
	case <-m.Exited():
		t.Error("child reaped before it exited")
	default:
	}

	waitDone(t, m)
	if m.ExitCode() != 4 {
		t.Errorf("ExitCode() = %d, want 4", m.ExitCode())
	}
}
