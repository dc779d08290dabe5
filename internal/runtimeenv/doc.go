// Package runtimeenv prepares the filesystem the Tor daemon runs in.
//
// The daemon keeps its mutable state (consensus cache, keys, lock file) in a
// data directory that must exist and be writable before launch. This package
// creates that directory on demand and checks that the daemon binary handed to
// us by the installer is something we can actually execute.
//
// Both operations are idempotent and touch nothing but the filesystem:
//
//	if err := runtimeenv.EnsureDirectory("/var/lib/onionwarden/tordata"); err != nil {
//	    return err
//	}
package runtimeenv
