package tor

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DataDirName is the subdirectory of the data root handed to Tor as DataDirectory.
	DataDirName = "tordata"

	// DefaultSocksAddress is where Tor listens for SOCKS clients.
	DefaultSocksAddress = "127.0.0.1:9050"

	// DefaultLogLevel is the Tor log severity written to stdout.
	DefaultLogLevel = "notice"
)

// validLogLevels are the severities Tor accepts in a Log line.
var validLogLevels = map[string]bool{
	"debug":  true,
	"info":   true,
	"notice": true,
	"warn":   true,
	"err":    true,
}

// LaunchConfig is the fully resolved configuration for one Tor process.
// It is built by the supervisor and never mutated after validation.
type LaunchConfig struct {
	// ExecutablePath is the absolute path to the tor binary.
	ExecutablePath string

	// DataDirectory is where Tor keeps its state (keys, cached consensus).
	// Always <root>/tordata.
	DataDirectory string

	// SocksBindAddress is passed as SocksPort.
	// Default: "127.0.0.1:9050"
	SocksBindAddress string

	// LogLevel is the minimum severity Tor logs to stdout.
	// Default: "notice"
	LogLevel string

	// Foreground keeps Tor from forking into the background so the
	// supervisor retains the child handle and its stdout.
	// Default: true
	Foreground bool
}

// NewLaunchConfig resolves a LaunchConfig for the given binary and data root,
// with defaults for everything else.
func NewLaunchConfig(executablePath, dataRoot string) LaunchConfig {
	return LaunchConfig{
		ExecutablePath:   executablePath,
		DataDirectory:    filepath.Join(dataRoot, DataDirName),
		SocksBindAddress: DefaultSocksAddress,
		LogLevel:         DefaultLogLevel,
		Foreground:       true,
	}
}

// Validate checks that every field is resolved and usable.
func (c LaunchConfig) Validate() error {
	var errs []error

	if c.ExecutablePath == "" {
		errs = append(errs, errors.New("executable path is required"))
	} else if !filepath.IsAbs(c.ExecutablePath) {
		errs = append(errs, fmt.Errorf("executable path must be absolute: %q", c.ExecutablePath))
	}

	if c.DataDirectory == "" {
		errs = append(errs, errors.New("data directory is required"))
	} else if !filepath.IsAbs(c.DataDirectory) {
		errs = append(errs, fmt.Errorf("data directory must be absolute: %q", c.DataDirectory))
	}

	if err := ValidateSocksAddress(c.SocksBindAddress); err != nil {
		errs = append(errs, err)
	}

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}

	// A self-daemonizing Tor detaches from our pipes.
	if !c.Foreground {
		errs = append(errs, errors.New("tor must run in the foreground to be supervised"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid launch config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateSocksAddress checks a host:port SOCKS bind address.
func ValidateSocksAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid socks address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid socks address %q: host is required", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid socks address %q: port must be 1-65535", addr)
	}
	return nil
}

// BuildArgs returns the tor command-line arguments for this config.
//
// The order and shape are fixed: "Log" is followed by a single argument
// holding both the level and the "stdout" destination.
func (c LaunchConfig) BuildArgs() []string {
	runAsDaemon := "1"
	if c.Foreground {
		runAsDaemon = "0"
	}

	return []string{
		"DataDirectory", c.DataDirectory,
		"SocksPort", c.SocksBindAddress,
		"Log", c.LogLevel + " stdout",
		"--runasdaemon", runAsDaemon,
	}
}

// String renders the command line for logs.
func (c LaunchConfig) String() string {
	return c.ExecutablePath + " " + strings.Join(c.BuildArgs(), " ")
}
