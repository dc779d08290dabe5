package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/nerrad567/onionwarden/internal/journal"
	"github.com/nerrad567/onionwarden/internal/tor"
)

type cliTestEnv struct {
	root       string
	binary     string
	configPath string
}

// setupCLITestEnv writes a config pointing at a fake tor script.
func setupCLITestEnv(t *testing.T, torScript string) *cliTestEnv {
	t.Helper()
	t.Setenv(configEnv, "")

	base := t.TempDir()
	env := &cliTestEnv{
		root:       filepath.Join(base, "data"),
		binary:     filepath.Join(base, "tor"),
		configPath: filepath.Join(base, "config.yaml"),
	}
	if err := os.WriteFile(env.binary, []byte("#!/bin/sh\n"+torScript), 0o755); err != nil {
		t.Fatalf("writing fake tor: %v", err)
	}

	content := fmt.Sprintf(`
tor:
  binary: %s
  data_root: %s
  graceful_timeout: 2s
  ready_timeout: 5s
database:
  enabled: true
mqtt:
  enabled: false
  auth:
    username: warden
    password: hunter2
logging:
  level: error
  format: json
  output: stdout
`, env.binary, env.root)
	if err := os.WriteFile(env.configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return env
}

func (e *cliTestEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

const readyThenExit = `echo "Bootstrapped 0% (starting): Starting"
echo "Bootstrapped 100% (done): Done"
exit 0
`

func TestRun_ReadyThenExit(t *testing.T) {
	env := setupCLITestEnv(t, readyThenExit)

	out, err := env.execute(t, "run")
	if !errors.Is(err, errTorExited) {
		t.Fatalf("run error = %v, want errTorExited", err)
	}
	if !strings.Contains(out, "Anonymizing network is ready") {
		t.Errorf("output = %q, want ready message", out)
	}
	if !strings.Contains(out, "127.0.0.1:9050") {
		t.Errorf("output = %q, want SOCKS address", out)
	}

	if _, err := os.Stat(filepath.Join(env.root, tor.DataDirName)); err != nil {
		t.Errorf("tor data directory not created: %v", err)
	}

	out, err = env.execute(t, "history", "--json")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	var runs []journal.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("history output not JSON: %v\n%s", err, out)
	}
	if len(runs) != 1 {
		t.Fatalf("history has %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.State != "ready" || run.BootstrapPercent != 100 {
		t.Errorf("run = %+v", run)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", run.ExitCode)
	}
	if run.Binary != env.binary {
		t.Errorf("Binary = %q, want %q", run.Binary, env.binary)
	}

	out, err = env.execute(t, "history", run.ID[:shortIDLength])
	if err != nil {
		t.Fatalf("history <id> error = %v", err)
	}
	for _, want := range []string{"installing", "launching", "bootstrapping", "ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("history detail missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ExitedBeforeReady(t *testing.T) {
	env := setupCLITestEnv(t, "echo starting\nexit 3\n")

	out, err := env.execute(t, "run")
	if !errors.Is(err, tor.ErrProcessExitedBeforeReady) {
		t.Fatalf("run error = %v, want ErrProcessExitedBeforeReady", err)
	}
	if tor.ExitCode(err) != 3 {
		t.Errorf("ExitCode = %d, want 3", tor.ExitCode(err))
	}
	if !strings.Contains(out, "Could not start anonymizing network") {
		t.Errorf("output = %q", out)
	}

	out, err = env.execute(t, "history", "--state", "failed")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, "process_exited_before_ready") {
		t.Errorf("history = %q, want failed run", out)
	}
}

func TestRun_InvalidBinary(t *testing.T) {
	env := setupCLITestEnv(t, "exit 0\n")
	if err := os.Chmod(env.binary, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	_, err := env.execute(t, "run")
	if !errors.Is(err, tor.ErrInvalidBinary) {
		t.Errorf("run error = %v, want ErrInvalidBinary", err)
	}
}

func TestRun_SecondInstanceRefused(t *testing.T) {
	env := setupCLITestEnv(t, readyThenExit)
	if err := os.MkdirAll(env.root, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	lock := flock.New(filepath.Join(env.root, "onionwarden.lock"))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer lock.Unlock() //nolint:errcheck // test cleanup

	_, err := env.execute(t, "run")
	if err == nil || !strings.Contains(err.Error(), "another onionwarden instance") {
		t.Errorf("run error = %v, want lock refusal", err)
	}

	out, err := env.execute(t, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "onionwarden is running") {
		t.Errorf("status = %q, want running", out)
	}
}

// syncBuffer lets the test poll output while the command writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Interrupted(t *testing.T) {
	env := setupCLITestEnv(t, `echo "Bootstrapped 100% (done): Done"
exec sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", env.configPath, "run"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "SOCKS proxy listening") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("tor never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run error = %v, want nil on interrupt", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after interrupt")
	}
}

func TestStatus_NoRuns(t *testing.T) {
	env := setupCLITestEnv(t, "exit 0\n")

	out, err := env.execute(t, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "not running") || !strings.Contains(out, "No runs recorded") {
		t.Errorf("status = %q", out)
	}
}

func TestConfigCheck(t *testing.T) {
	env := setupCLITestEnv(t, "exit 0\n")

	out, err := env.execute(t, "config", "check")
	if err != nil {
		t.Fatalf("config check error = %v", err)
	}
	if !strings.Contains(out, "configuration OK") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("config check printed the MQTT password")
	}
	if !strings.Contains(out, "graceful_timeout: 2s") {
		t.Errorf("output missing effective timeout:\n%s", out)
	}
}

func TestConfigCheck_Invalid(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("ONIONWARDEN_TOR_BINARY", "")
	t.Setenv("ONIONWARDEN_TOR_DATA_ROOT", "")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "check"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "tor.binary is required") {
		t.Errorf("config check error = %v, want missing binary", err)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "onionwarden dev") {
		t.Errorf("version = %q", out.String())
	}
}

func TestRenderTable(t *testing.T) {
	got := renderTable([]string{"ID", "State"}, [][]string{{"abc", "ready"}, {"def"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"ID", "State", "abc", "ready", "def"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "STATE") {
		t.Errorf("headers were upper-cased:\n%s", got)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("renderTable() with no headers should be empty")
	}
}

func TestFormatters(t *testing.T) {
	code := 2
	tests := []struct {
		got, want string
	}{
		{shortID("0123456789abcdef"), "01234567"},
		{shortID("abc"), "abc"},
		{formatPID(0), "-"},
		{formatPID(42), "42"},
		{formatExitCode(nil), "-"},
		{formatExitCode(&code), "2"},
		{formatDuration(1500 * time.Millisecond), "2s"},
		{formatDuration(250 * time.Millisecond), "250ms"},
		{describeSource(""), "defaults and environment"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
