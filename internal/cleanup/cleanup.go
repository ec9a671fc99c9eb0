// Package cleanup removes temporary artifacts after a delay. Entries live in
// an in-memory store keyed by path and are reclaimed by a periodic sweep, so
// request handlers only ever record a deadline and return.
package cleanup

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coah80/heic2jpg/internal/logger"
	"github.com/coah80/heic2jpg/internal/util"
)

const (
	SweepSpec     = "@every 5s"
	RetentionSpec = "@every 5m"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRetentionSweep also deletes any file in dirs older than retention,
// catching artifacts whose scheduled entry was lost to a restart.
func WithRetentionSweep(retention time.Duration, dirs ...string) Option {
	return func(s *Scheduler) {
		s.retention = retention
		s.dirs = dirs
	}
}

type Scheduler struct {
	mu      sync.Mutex
	due     map[string]time.Time
	clock   Clock
	remove  func(string) error
	log     *slog.Logger
	cron    *cron.Cron
	started bool

	retention time.Duration
	dirs      []string
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		due:    make(map[string]time.Time),
		clock:  systemClock{},
		remove: os.Remove,
		log:    logger.Component("cleanup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return s
}

// Schedule marks paths for removal after delay. If a path is already pending
// the earlier deadline wins. Never blocks on I/O.
func (s *Scheduler) Schedule(delay time.Duration, paths ...string) {
	at := s.clock.Now().Add(delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		if cur, ok := s.due[p]; ok && cur.Before(at) {
			continue
		}
		s.due[p] = at
	}
}

// Cancel forgets a pending path, for artifacts that were removed eagerly.
func (s *Scheduler) Cancel(path string) {
	s.mu.Lock()
	delete(s.due, path)
	s.mu.Unlock()
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.due)
}

// Sweep removes every path whose deadline has passed and returns how many
// entries it processed. Removal errors are logged and the entry is dropped;
// nothing is retried.
func (s *Scheduler) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	var ready []string
	for p, at := range s.due {
		if !at.After(now) {
			ready = append(ready, p)
			delete(s.due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range ready {
		if err := s.remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("cleanup failed", slog.String("file", filepath.Base(p)), slog.Any("error", err))
			continue
		}
		s.log.Debug("cleaned up", slog.String("file", filepath.Base(p)))
	}
	return len(ready)
}

// SweepStale runs the retention sweep once.
func (s *Scheduler) SweepStale() int {
	if s.retention <= 0 || len(s.dirs) == 0 {
		return 0
	}
	return util.CleanupStaleFiles(s.clock.Now(), s.retention, s.dirs...)
}

// Start runs the sweeps in the background until Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(SweepSpec, func() { s.Sweep() }); err != nil {
		return err
	}
	if s.retention > 0 && len(s.dirs) > 0 {
		if _, err := s.cron.AddFunc(RetentionSpec, func() { s.SweepStale() }); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.started = true
	return nil
}

// Stop halts the background sweeps and waits for a running one to finish.
// Pending entries are left for the retention sweep of the next process.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}
}
