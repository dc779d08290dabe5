// Package warden runs the Tor supervisor for the onionwarden daemon: it
// starts and stops Tor on request and hands each finished run to exit hooks
// (journal, metrics).
package warden

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/onionwarden/internal/tor"
)

// DefaultReadyTimeout replaces a negative ReadyTimeout.
const DefaultReadyTimeout = 2 * time.Minute

// ExitHook runs once per handle after its process has been reaped (or
// immediately for handles that never spawned a process).
type ExitHook func(tor.Stats)

// Options configures a Service.
type Options struct {
	// Binary is the Tor executable.
	Binary string

	// DataRoot is the application data root; Tor state lives in DataRoot/tordata.
	DataRoot string

	// ReadyTimeout bounds StartAndWait. Zero checks once without waiting.
	ReadyTimeout time.Duration

	Logger tor.Logger
}

// Service owns a tor.Supervisor and the lifecycle around each handle.
type Service struct {
	sup    *tor.Supervisor
	opts   Options
	logger tor.Logger

	mu    sync.Mutex
	hooks []ExitHook
	last  *tor.Handle

	watchers sync.WaitGroup
}

// New creates a Service over sup.
func New(sup *tor.Supervisor, opts Options) *Service {
	if opts.ReadyTimeout < 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Service{sup: sup, opts: opts, logger: logger}
}

// OnExit registers a hook for every subsequent handle.
func (s *Service) OnExit(hook ExitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start launches Tor and returns once the process is spawned.
func (s *Service) Start(ctx context.Context) (*tor.Handle, error) {
	h, err := s.sup.Start(ctx, s.opts.Binary, s.opts.DataRoot)
	if h != nil {
		s.mu.Lock()
		s.last = h
		s.mu.Unlock()
		s.watch(h)
	}
	return h, err
}

// StartAndWait launches Tor and waits up to the ready timeout for it to
// bootstrap. On tor.ErrTimeout the handle keeps running.
func (s *Service) StartAndWait(ctx context.Context) (*tor.Handle, error) {
	h, err := s.Start(ctx)
	if err != nil {
		return h, err
	}
	return h, s.sup.AwaitReady(ctx, h, s.opts.ReadyTimeout)
}

// Stop stops the current handle, if any.
func (s *Service) Stop() error {
	h := s.sup.Current()
	if h == nil {
		return nil
	}
	return s.sup.Stop(h)
}

// Restart stops the current handle and starts a new one.
func (s *Service) Restart(ctx context.Context) (*tor.Handle, error) {
	if err := s.Stop(); err != nil {
		return nil, fmt.Errorf("restart: %w", err)
	}
	return s.Start(ctx)
}

// Status returns a snapshot of the most recent handle, running or not. ok
// is false when Tor has never been started.
func (s *Service) Status() (stats tor.Stats, ok bool) {
	s.mu.Lock()
	h := s.last
	s.mu.Unlock()
	if h == nil {
		return tor.Stats{State: tor.StateNotStarted}, false
	}
	return h.Stats(), true
}

// Current returns the supervisor's current handle, or nil.
func (s *Service) Current() *tor.Handle {
	return s.sup.Current()
}

// Wait blocks until the exit hooks of every started handle have run.
func (s *Service) Wait() {
	s.watchers.Wait()
}

// Shutdown stops Tor and waits for exit hooks, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	stopErr := s.Stop()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return stopErr
	case <-ctx.Done():
		return errors.Join(stopErr, fmt.Errorf("waiting for exit hooks: %w", ctx.Err()))
	}
}

func (s *Service) watch(h *tor.Handle) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		<-h.Done()

		stats := h.Stats()
		s.logger.Info("tor exited", "handle", stats.ID, "state", stats.State.String(), "lines", stats.Lines)

		s.mu.Lock()
		hooks := append([]ExitHook(nil), s.hooks...)
		s.mu.Unlock()
		for _, hook := range hooks {
			s.runHook(hook, stats)
		}
	}()
}

func (s *Service) runHook(hook ExitHook, stats tor.Stats) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exit hook panic recovered", "handle", stats.ID, "panic", r)
		}
	}()
	hook(stats)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
