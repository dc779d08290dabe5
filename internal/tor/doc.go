// Package tor supervises a local Tor daemon and reports when it is usable.
//
// A Supervisor prepares <root>/tordata, launches the tor binary in the
// foreground with stdout logging, and reads its output line by line. Every
// line goes to the configured Observer; the first line containing
// "Bootstrapped 100%" moves the handle to Ready. Anything that ends the
// attempt earlier (bad binary, unusable data directory, spawn error, the
// process exiting, a read error, an explicit Stop) moves it to Failed with a
// classified *Error. A process that closes stdout but keeps running before
// Ready is failed as exited and stopped after a short grace period.
//
// State machine:
//
//	NotStarted -> Installing -> Launching -> Bootstrapping -> Ready
//	     \____________\_____________\______________\______-> Failed
//
// Ready and Failed are terminal for a handle. A new attempt is a new Start.
//
// Only one handle per Supervisor may own a process at a time. A Ready handle
// still owns its process until it exits or is stopped.
//
// Example usage:
//
//	sup := tor.NewSupervisor(tor.Options{Logger: log})
//	h, err := sup.Start(ctx, "/opt/tor/bin/tor", "/var/lib/onionwarden")
//	if err != nil {
//	    return err
//	}
//	defer sup.Stop(h)
//
//	if err := sup.AwaitReady(ctx, h, 2*time.Minute); err != nil {
//	    fmt.Println(tor.UserMessage(err))
//	}
package tor
