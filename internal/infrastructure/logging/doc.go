// Package logging provides structured logging for onionwarden.
//
// It wraps log/slog with the service defaults every entry carries
// (service, version) and picks a human or machine format.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "auto"     # auto, json, text
//	  output: "stderr"   # stdout, stderr
//
// "auto" writes text to a terminal and JSON everywhere else.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	sup := tor.NewSupervisor(tor.Options{Logger: logger.With("component", "tor")})
package logging
