// Package process runs a single long-lived child process and streams its output.
//
// It is the low-level half of daemon supervision: it knows how to spawn a
// binary in its own process group, hand each stdout line to a callback in the
// order the child wrote it, and tear the child down again. It knows nothing
// about what the lines mean; that is left to the caller (see package tor).
//
// Features:
//   - Spawn in a new process group so shutdown signals reach the whole tree
//   - Ordered, unbuffered line delivery from stdout on a dedicated goroutine
//   - Optional separate stderr line delivery
//   - Graceful stop (SIGTERM) with a bounded grace period before SIGKILL
//   - Stop ends the read loop immediately instead of waiting for EOF
//   - Stop may be called from the line callback itself
//   - Reaping runs apart from reading, so a child that closes stdout early
//     is reported via OnStdoutClosed while it still runs
//   - Exit code and stream errors reported once via OnExit
//
// There is deliberately no restart logic: a runner is used once. Callers that
// want another attempt create a new Manager.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:         "tor",
//	    Binary:       "/data/app/tor",
//	    Args:         []string{"--runasdaemon", "0"},
//	    OnStdoutLine: func(line string) { fmt.Println(line) },
//	})
//
//	if err := mgr.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
