package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
	"github.com/nerrad567/onionwarden/internal/journal"
)

// shortIDLength is how much of a run ID the tables show.
const shortIDLength = 8

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var state string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past Tor runs, or show one run and its state changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return withJournal(cmd.Context(), cfg, func(repo journal.Repository) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					return showRun(cmd.Context(), out, repo, args[0], asJSON)
				}
				return listRuns(cmd.Context(), out, repo, journal.Filter{State: state, Limit: limit}, asJSON)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().StringVar(&state, "state", "", "Only list runs in this state (ready, failed, ...)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

// withJournal opens the journal read-write (migrating it if needed) for fn.
func withJournal(ctx context.Context, cfg *config.Config, fn func(journal.Repository) error) error {
	if !cfg.Database.Enabled {
		return fmt.Errorf("the run journal is disabled (database.enabled: false)")
	}
	db, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly handle
	return fn(journal.NewSQLiteRepository(db.DB))
}

func listRuns(ctx context.Context, out io.Writer, repo journal.Repository, filter journal.Filter, asJSON bool) error {
	runs, err := repo.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			shortID(r.ID),
			r.State,
			formatPID(r.PID),
			fmt.Sprintf("%d%%", r.BootstrapPercent),
			formatExitCode(r.ExitCode),
			r.StartedAt.Local().Format(time.DateTime),
			formatDuration(r.Duration(now)),
			r.ErrorKind,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "State", "PID", "Bootstrap", "Exit", "Started", "Duration", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func showRun(ctx context.Context, out io.Writer, repo journal.Repository, idOrPrefix string, asJSON bool) error {
	run, err := findRun(ctx, repo, idOrPrefix)
	if err != nil {
		return err
	}
	transitions, err := repo.ListTransitions(ctx, run.ID)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(out, struct {
			*journal.Run
			Transitions []journal.Transition `json:"transitions"`
		}{run, transitions})
	}

	fmt.Fprintln(out, renderKeyValues(runDetails(run)))

	rows := make([][]string, 0, len(transitions))
	for _, t := range transitions {
		rows = append(rows, []string{
			t.OccurredAt.Local().Format("15:04:05.000"),
			t.From,
			t.To,
			t.Error,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Time", "From", "To", "Error"}, rows, nil))
	return nil
}

func runDetails(run *journal.Run) [][2]string {
	pairs := [][2]string{
		{"ID", run.ID},
		{"State", run.State},
		{"Binary", run.Binary},
		{"Data directory", run.DataDirectory},
		{"SOCKS address", run.SocksAddress},
		{"PID", formatPID(run.PID)},
		{"Bootstrap", fmt.Sprintf("%d%%", run.BootstrapPercent)},
		{"Started", run.StartedAt.Local().Format(time.DateTime)},
	}
	if run.ReadyAt != nil {
		pairs = append(pairs, [2]string{"Ready after", formatDuration(run.ReadyAt.Sub(run.StartedAt))})
	}
	if run.EndedAt != nil {
		pairs = append(pairs, [2]string{"Ended", run.EndedAt.Local().Format(time.DateTime)})
	}
	pairs = append(pairs, [2]string{"Exit code", formatExitCode(run.ExitCode)})
	if run.Error != "" {
		pairs = append(pairs, [2]string{"Error", run.Error})
	}
	return pairs
}

// findRun resolves a full run ID or an unambiguous prefix of a recent one.
func findRun(ctx context.Context, repo journal.Repository, idOrPrefix string) (*journal.Run, error) {
	run, err := repo.GetRun(ctx, idOrPrefix)
	if err == nil {
		return run, nil
	}

	runs, listErr := repo.ListRuns(ctx, journal.Filter{Limit: 500})
	if listErr != nil {
		return nil, listErr
	}
	var match *journal.Run
	for i := range runs {
		if !strings.HasPrefix(runs[i].ID, idOrPrefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("run ID prefix %q is ambiguous", idOrPrefix)
		}
		match = &runs[i]
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

func formatPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
