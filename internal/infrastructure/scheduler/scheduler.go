// Package scheduler runs the engine's periodic maintenance jobs: the full
// leaderboard rebuild and the aggregate drift reconciliation sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qahub/reputation-engine/pkg/logger"
)

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobInFlight             = errors.New("job is already running")
	ErrJobPanic                = errors.New("job panicked")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Job is one unit of maintenance work. Run's context ends when the scheduler
// stops or the run exceeds the job timeout.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// Schedule yields the next due time after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobObserver receives per-run measurements.
type JobObserver interface {
	JobFinished(job string, took time.Duration, err error)
}

type noopJobObserver struct{}

func (noopJobObserver) JobFinished(string, time.Duration, error) {}

// JobResult is the outcome of one run.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
	Manual      bool
}

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name        string
	Description string
	Running     bool
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	SkipCount   int64
	LastResult  *JobResult
}

type entry struct {
	job      Job
	schedule Schedule
	inFlight bool
	info     JobInfo
}

// SchedulerConfig configures a Scheduler. Zero values take defaults.
type SchedulerConfig struct {
	Logger       *slog.Logger
	Timezone     *time.Location // UTC
	TickInterval time.Duration  // 1s
	JobTimeout   time.Duration  // zero: unbounded
	Observer     JobObserver
	Now          func() time.Time
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Logger:       slog.Default(),
		Timezone:     time.UTC,
		TickInterval: time.Second,
		JobTimeout:   10 * time.Minute,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler runs registered jobs on their schedules. A job never overlaps
// with itself: a tick that finds the previous run still going is counted as
// skipped.
type Scheduler struct {
	cfg SchedulerConfig
	log *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = noopJobObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:  cfg,
		log:  logger.OrDefault(cfg.Logger).With(logger.Component("scheduler")),
		jobs: make(map[string]*entry),
	}
}

func (s *Scheduler) now() time.Time { return s.cfg.Now().In(s.cfg.Timezone) }

// Register adds job. Its first run is schedule.Next(now).
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	switch {
	case job == nil:
		return ErrNilJob
	case schedule == nil:
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{job: job, schedule: schedule, info: JobInfo{
		Name:        name,
		Description: job.Description(),
		Schedule:    schedule.String(),
		NextRun:     schedule.Next(s.now()),
	}}
	s.jobs[name] = e

	s.log.Info("job registered",
		slog.String("job", name),
		slog.String("schedule", e.info.Schedule),
		slog.Time("next_run", e.info.NextRun),
	)
	return nil
}

// Start runs the tick loop until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.started = s.cfg.Now()
	count := len(s.jobs)
	s.mu.Unlock()

	s.log.Info("scheduler started", slog.Int("jobs_count", count))

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped", slog.Duration("uptime", s.cfg.Now().Sub(s.started)))
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

// dispatchDue starts every due job that is not already running.
func (s *Scheduler) dispatchDue() {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if e.info.NextRun.IsZero() || now.Before(e.info.NextRun) {
			continue
		}
		e.info.NextRun = e.schedule.Next(now)
		if e.inFlight {
			e.info.SkipCount++
			s.log.Warn("job still running, tick skipped", slog.String("job", e.info.Name))
			continue
		}
		e.inFlight = true
		e.info.LastRun = now
		due = append(due, e)
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, e, false)
		}()
	}
}

// execute runs e under the job timeout and records the result. The caller has
// already marked e in flight.
func (s *Scheduler) execute(ctx context.Context, e *entry, manual bool) JobResult {
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	log := s.log.With(slog.String("job", e.info.Name), slog.Bool("manual", manual))
	log.Info("job started")

	started := s.cfg.Now()
	err := runSafely(ctx, e.job)
	finished := s.cfg.Now()

	res := JobResult{
		JobName:     e.info.Name,
		StartedAt:   started,
		CompletedAt: finished,
		Duration:    finished.Sub(started),
		Success:     err == nil,
		Error:       err,
		Manual:      manual,
	}
	s.cfg.Observer.JobFinished(res.JobName, res.Duration, err)

	s.mu.Lock()
	e.inFlight = false
	e.info.RunCount++
	if err != nil {
		e.info.FailCount++
	}
	e.info.LastResult = &res
	s.mu.Unlock()

	if err != nil {
		log.Error("job failed", logger.Latency(res.Duration), logger.Err(err))
	} else {
		log.Info("job completed", logger.Latency(res.Duration))
	}
	return res
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanic, r)
		}
	}()
	return job.Run(ctx)
}

// RunNow runs a job immediately, outside its schedule. It is refused while a
// run of the same job is in flight.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if e.inFlight {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobInFlight, name)
	}
	e.inFlight = true
	e.info.LastRun = s.now()
	s.mu.Unlock()

	res := s.execute(ctx, e, true)
	return &res, res.Error
}

// ListJobs returns a snapshot of every job, ordered by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := e.info
		info.Running = e.inFlight
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
