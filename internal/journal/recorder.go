package journal

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/onionwarden/internal/tor"
)

// writeTimeout bounds each journal write so a locked database cannot stall
// the supervisor's reader goroutine for long.
const writeTimeout = 5 * time.Second

// RunInfo describes the launch a Recorder journals. It is fixed for the
// lifetime of the recorder because the host always starts the same binary.
type RunInfo struct {
	Binary        string
	DataDirectory string
	SocksAddress  string
}

// Recorder is a tor.Observer that persists every run and transition.
// Write failures are logged and never reach the supervisor.
type Recorder struct {
	tor.NopObserver

	repo   Repository
	info   RunInfo
	logger tor.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository, info RunInfo, logger tor.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		info:   info,
		logger: logger,
		runs:   make(map[string]*Run),
	}
}

// OnTransition creates the run on its first transition and updates it on
// every later one.
func (r *Recorder) OnTransition(t tor.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	run, known := r.runs[t.HandleID]
	if !known {
		run = &Run{
			ID:            t.HandleID,
			Binary:        r.info.Binary,
			DataDirectory: r.info.DataDirectory,
			SocksAddress:  r.info.SocksAddress,
			StartedAt:     t.Time.UTC(),
		}
		r.runs[t.HandleID] = run
	}

	run.State = t.To.String()
	if t.PID != 0 {
		run.PID = t.PID
	}
	switch t.To {
	case tor.StateReady:
		at := t.Time.UTC()
		run.ReadyAt = &at
		run.BootstrapPercent = 100
	case tor.StateFailed:
		at := t.Time.UTC()
		run.EndedAt = &at
		run.ErrorKind = tor.Kind(t.Err)
		if t.Err != nil {
			run.Error = t.Err.Error()
		}
		if code := tor.ExitCode(t.Err); code >= 0 {
			run.ExitCode = &code
		}
	}

	var err error
	if known {
		err = r.repo.UpdateRun(ctx, run)
	} else {
		err = r.repo.CreateRun(ctx, run)
	}
	if err != nil {
		if !known {
			delete(r.runs, t.HandleID)
		}
		r.logger.Error("journal: saving run failed", "run", t.HandleID, "error", err)
		return
	}

	rec := &Transition{
		RunID:      t.HandleID,
		From:       t.From.String(),
		To:         t.To.String(),
		OccurredAt: t.Time.UTC(),
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
	}
	if err := r.repo.AddTransition(ctx, rec); err != nil {
		r.logger.Error("journal: saving transition failed", "run", t.HandleID, "error", err)
	}
}

// OnBootstrap records bootstrap progress when it moves forward.
func (r *Recorder) OnBootstrap(p tor.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[p.HandleID]
	if !ok || p.Percent <= run.BootstrapPercent {
		return
	}
	run.BootstrapPercent = p.Percent

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.UpdateRun(ctx, run); err != nil {
		r.logger.Error("journal: saving progress failed", "run", p.HandleID, "error", err)
	}
}

// RecordExit stores the final exit status once the handle's Done channel
// has closed, then forgets the run.
func (r *Recorder) RecordExit(ctx context.Context, stats tor.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[stats.ID]
	if !ok {
		return
	}
	delete(r.runs, stats.ID)

	run.State = stats.State.String()
	if stats.PID != 0 {
		run.PID = stats.PID
	}
	if stats.ExitCode != nil && *stats.ExitCode >= 0 {
		code := *stats.ExitCode
		run.ExitCode = &code
	}
	if stats.BootstrapPercent > run.BootstrapPercent {
		run.BootstrapPercent = stats.BootstrapPercent
	}
	ended := stats.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	ended = ended.UTC()
	run.EndedAt = &ended

	if err := r.repo.UpdateRun(ctx, run); err != nil {
		r.logger.Error("journal: saving exit failed", "run", stats.ID, "error", err)
	}
}
