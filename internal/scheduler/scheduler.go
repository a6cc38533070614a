// Package scheduler runs named analysis jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrStopped is returned by TriggerRun once Stop has been called.
var ErrStopped = errors.New("scheduler is stopped")

// RunFunc performs one run of the named job.
type RunFunc func(ctx context.Context, job string) error

// JobStatus is a snapshot of one scheduled job.
type JobStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

type jobState struct {
	entry    cron.EntryID
	schedule string
	running  bool
	runs     int
	lastRun  time.Time
	lastErr  error
}

// Scheduler triggers analysis runs from cron expressions. A job never
// overlaps with itself: a tick that fires while the previous run is still
// going is dropped.
type Scheduler struct {
	cron   *cron.Cron
	run    RunFunc
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// parser accepts the five standard fields plus descriptors like @daily.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler that calls run for every due job.
func New(run RunFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		run:    run,
		logger: slog.Default(),
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddJob schedules name with cronExpr, replacing any previous schedule for
// the same name. Run history is kept across replacements.
func (s *Scheduler) AddJob(name, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if s.claim(name) {
			s.execute(name)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	st, ok := s.jobs[name]
	if ok {
		s.cron.Remove(st.entry)
	} else {
		st = &jobState{}
		s.jobs[name] = st
	}
	st.entry = entryID
	st.schedule = cronExpr

	s.logger.Info("scheduled analysis",
		"job", name,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// RemoveJob unschedules name. A run already in progress is not interrupted.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.jobs[name]; ok {
		s.cron.Remove(st.entry)
		delete(s.jobs, name)
		s.logger.Info("removed schedule", "job", name)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop halts the cron loop, cancels running jobs and returns a context that
// is done once every job has returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// claim marks name as running. It returns false when the job is unknown,
// already running, or the scheduler is stopped.
func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if s.stopped || !ok || st.running {
		if ok && st.running {
			s.logger.Warn("previous run still in progress, skipping tick", "job", name)
		}
		return false
	}
	st.running = true
	s.wg.Add(1)
	return true
}

// execute runs name. The caller must have claimed it.
func (s *Scheduler) execute(name string) {
	defer s.wg.Done()

	s.logger.Info("starting scheduled analysis", "job", name)
	start := time.Now()

	err := s.run(s.ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if !ok {
		// Removed while running.
		return
	}
	st.running = false
	st.runs++
	st.lastErr = err
	if err != nil {
		s.logger.Error("scheduled analysis failed",
			"job", name,
			"duration", time.Since(start),
			"error", err)
		return
	}
	st.lastRun = time.Now()
	s.logger.Info("scheduled analysis completed",
		"job", name,
		"duration", time.Since(start))
}

// IsScheduled reports whether name has been added.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[name]
	return ok
}

// TriggerRun starts name immediately, outside its schedule.
func (s *Scheduler) TriggerRun(name string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	st, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s is not scheduled", name)
	}
	if st.running {
		s.mu.Unlock()
		return fmt.Errorf("analysis already running for %s", name)
	}
	st.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(name)
	return nil
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for name, st := range s.jobs {
		status := JobStatus{
			Name:     name,
			Running:  st.running,
			Runs:     st.runs,
			LastRun:  st.lastRun,
			NextRun:  s.cron.Entry(st.entry).Next,
			Schedule: st.schedule,
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ValidateCronExpr checks expr without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
