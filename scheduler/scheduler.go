package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inspire-scraper/db"
	"inspire-scraper/scraper"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobStore is the queue the scheduler claims jobs from
type JobStore interface {
	ClaimNextJob(ctx context.Context, runID string) (*db.Job, error)
	UpdateJobStatus(ctx context.Context, id int, status string, lastError string) error
	UpdateJobProgress(ctx context.Context, id int, leaves, records, skipped int) error
	StopRequested(ctx context.Context, id int) (bool, error)
}

// SinkFactory builds the sinks for one job
type SinkFactory func(job *db.Job, runID string) ([]Sink, error)

// Notifier receives a one-line summary per finished job
type Notifier interface {
	Notify(text string)
}

// Scheduler processes queued jobs from the database one at a time
type Scheduler struct {
	store    JobStore
	runner   *Runner
	sinks    SinkFactory
	notifier Notifier
	interval time.Duration
	stopPoll time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerOption customises a Scheduler
type SchedulerOption func(*Scheduler)

// WithInterval sets how often the queue is polled
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithStopPoll sets how often a running job's stop flag is checked
func WithStopPoll(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.stopPoll = d }
}

// WithNotifier reports finished jobs
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithSchedulerLogger sets the parent logger
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a new scheduler
func NewScheduler(store JobStore, runner *Runner, sinks SinkFactory, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		store:    store,
		runner:   runner,
		sinks:    sinks,
		interval: 5 * time.Second,
		stopPoll: 2 * time.Second,
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Start starts the scheduler in a goroutine
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the running job, if any, and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// drain the queue before waiting for the next tick
			for s.ctx.Err() == nil && s.processNextJob(s.ctx) {
			}
		}
	}
}

// processNextJob claims and runs one job. It reports whether a job was found.
func (s *Scheduler) processNextJob(ctx context.Context) bool {
	runID := uuid.NewString()
	job, err := s.store.ClaimNextJob(ctx, runID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to claim next job")
		return false
	}
	if job == nil {
		return false
	}

	logger := s.logger.With().Int("job_id", job.ID).Str("run_id", runID).Logger()
	logger.Info().Strs("regions", job.Regions).Strs("subregions", job.Subregions).Msg("processing job")

	jobCtx, cancel := context.WithCancel(ctx)
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		s.watchStop(jobCtx, cancel, job.ID, logger)
	}()
	defer func() {
		cancel()
		watcher.Wait()
	}()

	sinks, err := s.sinks(job, runID)
	if err != nil {
		s.finish(job, StatusFor(nil, err), err, nil, logger)
		return true
	}

	progress := newJobProgress(s.store, job.ID, logger)
	report, err := s.runner.Run(jobCtx, Job{
		ID:         runID,
		Regions:    job.Regions,
		Subregions: job.Subregions,
		Sinks:      sinks,
		Observer:   progress,
	})

	var closeErrs []error
	for _, sink := range sinks {
		if cerr := sink.Close(); cerr != nil {
			closeErrs = append(closeErrs, cerr)
		}
	}
	if report != nil {
		report.SinkErrors = append(report.SinkErrors, closeErrs...)
		progress.flush(report)
	}

	s.finish(job, StatusFor(report, err), err, report, logger)
	return true
}

// watchStop cancels the job once a stop is requested
func (s *Scheduler) watchStop(ctx context.Context, cancel context.CancelFunc, jobID int, logger zerolog.Logger) {
	ticker := time.NewTicker(s.stopPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stop, err := s.store.StopRequested(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("failed to check stop flag")
				}
				continue
			}
			if stop {
				logger.Info().Msg("stop requested, cancelling job")
				cancel()
				return
			}
		}
	}
}

// StatusFor maps a run outcome to a job status. A run fails when every
// selected region was fatal.
func StatusFor(report *Report, err error) string {
	switch {
	case err != nil:
		return db.StatusFailed
	case report.Cancelled:
		return db.StatusStopped
	case report.Selected > 0 && len(report.Fatal) >= report.Selected:
		return db.StatusFailed
	default:
		return db.StatusDone
	}
}

func (s *Scheduler) finish(job *db.Job, status string, runErr error, report *Report, logger zerolog.Logger) {
	lastError := ""
	switch {
	case runErr != nil:
		lastError = runErr.Error()
	case report != nil && len(report.Fatal) > 0:
		errs := make([]error, 0, len(report.Fatal))
		for _, f := range report.Fatal {
			errs = append(errs, errors.New(f.String()))
		}
		lastError = errors.Join(errs...).Error()
	}

	// the job context may be gone; the final status must still be written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateJobStatus(ctx, job.ID, status, lastError); err != nil {
		logger.Error().Err(err).Str("status", status).Msg("failed to update job status")
	}

	logger.Info().Str("status", status).Msg("job finished")

	if s.notifier == nil {
		return
	}
	if report != nil {
		s.notifier.Notify(fmt.Sprintf("Job #%d: %s\n%s", job.ID, status, report.Summary()))
	} else {
		s.notifier.Notify(fmt.Sprintf("❌ Job #%d failed: %s", job.ID, lastError))
	}
}

// jobProgress mirrors leaf progress into the job row
type jobProgress struct {
	scraper.NopObserver

	store  JobStore
	jobID  int
	logger zerolog.Logger

	mu      sync.Mutex
	leaves  int
	records int
	skipped int
}

// progressEvery is the number of leaves between job row updates
const progressEvery = 10

func newJobProgress(store JobStore, jobID int, logger zerolog.Logger) *jobProgress {
	return &jobProgress{store: store, jobID: jobID, logger: logger}
}

func (p *jobProgress) OnLeafProgress(e scraper.LeafProgress) {
	p.mu.Lock()
	if e.Skipped {
		p.skipped++
	} else {
		p.leaves++
		p.records += e.Records
	}
	due := (p.leaves+p.skipped)%progressEvery == 0
	leaves, records, skipped := p.leaves, p.records, p.skipped
	p.mu.Unlock()

	if due {
		p.write(leaves, records, skipped)
	}
}

func (p *jobProgress) flush(report *Report) {
	p.write(report.Leaves, report.Records, len(report.SkippedLeaves))
}

func (p *jobProgress) write(leaves, records, skipped int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.UpdateJobProgress(ctx, p.jobID, leaves, records, skipped); err != nil {
		p.logger.Warn().Err(err).Msg("failed to update job progress")
	}
}
