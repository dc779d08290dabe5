package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
	"github.com/nerrad567/onionwarden/internal/journal"
)

// statusReport is the --json form of the status command.
type statusReport struct {
	Supervised bool         `json:"supervised"`
	LockPath   string       `json:"lock_path"`
	LastRun    *journal.Run `json:"last_run,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether onionwarden is running and the latest Tor run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			report, err := collectStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return cmd
}

func collectStatus(ctx context.Context, cfg *config.Config) (*statusReport, error) {
	report := &statusReport{LockPath: cfg.LockPath()}

	held, err := lockHeld(cfg.LockPath())
	if err != nil {
		return nil, err
	}
	report.Supervised = held

	if !cfg.Database.Enabled {
		return report, nil
	}
	err = withJournal(ctx, cfg, func(repo journal.Repository) error {
		runs, err := repo.ListRuns(ctx, journal.Filter{Limit: 1})
		if err != nil {
			return err
		}
		if len(runs) == 1 {
			report.LastRun = &runs[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// lockHeld reports whether another process holds the instance lock.
func lockHeld(path string) (bool, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking lock: %w", err)
	}
	if ok {
		return false, lock.Unlock()
	}
	return true, nil
}

func printStatus(out io.Writer, report *statusReport) {
	if report.Supervised {
		fmt.Fprintln(out, "onionwarden is running")
	} else {
		fmt.Fprintln(out, "onionwarden is not running")
	}
	if report.LastRun == nil {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	fmt.Fprintln(out, renderKeyValues(runDetails(report.LastRun)))
}
