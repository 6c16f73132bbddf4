package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inspire-scraper/config"
	"inspire-scraper/filter"
	"inspire-scraper/models"
	"inspire-scraper/notify"
	"inspire-scraper/regions"
	"inspire-scraper/scraper"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sink receives the records of every completed subregion. Sinks are shared by
// parallel regions and must be safe for concurrent use.
type Sink interface {
	WriteSubregion(ctx context.Context, batch models.Batch) error
	Close() error
}

// Job describes one run
type Job struct {
	// ID becomes the run id; a new one is generated when empty
	ID string
	// Regions are ids or names; empty or "all" selects every region
	Regions []string
	// Subregions are selector patterns; empty selects every subregion
	Subregions []string
	Sinks      []Sink
	Observer   scraper.Observer
}

// Skip records a branch that was abandoned
type Skip struct {
	RegionID    string
	SubregionID string
	LeafID      string
	Step        scraper.Step
	Err         error
}

func (s Skip) String() string {
	where := []string{}
	for _, id := range []string{s.RegionID, s.SubregionID, s.LeafID} {
		if id != "" {
			where = append(where, id)
		}
	}
	return fmt.Sprintf("%s [%s]: %v", s.Step, strings.Join(where, "/"), s.Err)
}

// Report summarises a run. Selected is the number of regions the job
// resolved to; Regions counts those that got past region selection.
type Report struct {
	RunID             string
	Selected          int
	Regions           int
	Subregions        int
	Leaves            int
	Records           int
	SkippedLeaves     []Skip
	SkippedSubregions []Skip
	Fatal             []Skip
	SinkErrors        []error
	Cancelled         bool
	Elapsed           time.Duration
}

// Summary renders the report for chat and console output
func (r *Report) Summary() string {
	var sb strings.Builder
	status := "✅ Run finished"
	if r.Cancelled {
		status = "🛑 Run stopped"
	}
	fmt.Fprintf(&sb, "%s in %s\n", status, r.Elapsed.Round(time.Second))
	fmt.Fprintf(&sb, "States: %d, districts: %d, schools: %d, records: %d\n", r.Regions, r.Subregions, r.Leaves, r.Records)
	fmt.Fprintf(&sb, "Skipped schools: %d, skipped districts: %d", len(r.SkippedLeaves), len(r.SkippedSubregions))
	for _, f := range r.Fatal {
		fmt.Fprintf(&sb, "\n❌ %s", f)
	}
	if len(r.SinkErrors) > 0 {
		fmt.Fprintf(&sb, "\n⚠️ %d write error(s): %v", len(r.SinkErrors), errors.Join(r.SinkErrors...))
	}
	return sb.String()
}

// Runner drives one session per region
type Runner struct {
	cfg         *config.Config
	workers     int
	observer    scraper.Observer
	sessionOpts []scraper.Option
	base        zerolog.Logger
	logger      zerolog.Logger
}

// RunnerOption customises a Runner
type RunnerOption func(*Runner)

// WithWorkers bounds the number of regions scraped at once
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunnerObserver adds an observer notified for every job
func WithRunnerObserver(o scraper.Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithRunnerLogger sets the parent logger
func WithRunnerLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithSessionOptions passes extra options to every session
func WithSessionOptions(opts ...scraper.Option) RunnerOption {
	return func(r *Runner) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// NewRunner creates a new Runner instance
func NewRunner(cfg *config.Config, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:     cfg,
		workers: cfg.Run.Workers,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	r.base = r.logger
	r.logger = r.logger.With().Str("component", "runner").Logger()
	return r
}

// run carries the per-job state shared by region workers
type run struct {
	*Runner
	id       string
	selector *filter.Selector
	observer scraper.Observer
	sinks    []Sink
	logger   zerolog.Logger

	mu     sync.Mutex
	report *Report
}

// Run scrapes the job's regions and returns what was collected. Records are
// written to the sinks after each subregion. Sinks are not closed.
func (r *Runner) Run(ctx context.Context, job Job) (*Report, error) {
	regionIDs, err := regions.ResolveAll(job.Regions)
	if err != nil {
		return nil, err
	}
	selector, err := filter.NewSelector(job.Subregions)
	if err != nil {
		return nil, err
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}

	rn := &run{
		Runner:   r,
		id:       id,
		selector: selector,
		observer: notify.Multi{r.observer, job.Observer},
		sinks:    job.Sinks,
		logger:   r.logger.With().Str("run_id", id).Logger(),
		report:   &Report{RunID: id, Selected: len(regionIDs)},
	}

	start := time.Now()
	rn.logger.Info().Strs("regions", regionIDs).Int("workers", r.workers).Msg("run started")

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, regionID := range regionIDs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rn.region(ctx, regionID)
			return nil
		})
	}
	g.Wait()

	report := rn.report
	report.Cancelled = ctx.Err() != nil
	report.Elapsed = time.Since(start)

	rn.logger.Info().
		Int("regions", report.Regions).
		Int("subregions", report.Subregions).
		Int("leaves", report.Leaves).
		Int("records", report.Records).
		Int("skipped_leaves", len(report.SkippedLeaves)).
		Int("skipped_subregions", len(report.SkippedSubregions)).
		Int("fatal", len(report.Fatal)).
		Bool("cancelled", report.Cancelled).
		Dur("elapsed", report.Elapsed).
		Msg("run finished")

	return report, nil
}

func (rn *run) update(fn func(*Report)) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	fn(rn.report)
}

// fatal abandons a region. Failures caused by cancellation are not recorded.
func (rn *run) fatal(ctx context.Context, regionID string, err error) {
	if ctx.Err() != nil {
		return
	}
	skip := Skip{RegionID: regionID, Step: stepOf(err), Err: err}
	rn.logger.Error().Err(err).Str("region_id", regionID).Msg("region abandoned")
	rn.update(func(r *Report) { r.Fatal = append(r.Fatal, skip) })
}

// region walks every selected subregion of one region in its own session
func (rn *run) region(ctx context.Context, regionID string) {
	opts := append([]scraper.Option{
		scraper.WithObserver(rn.observer),
		scraper.WithLogger(rn.base),
		scraper.WithRunID(rn.id),
	}, rn.sessionOpts...)

	session, err := scraper.NewSession(rn.cfg, opts...)
	if err != nil {
		rn.fatal(ctx, regionID, &scraper.StepError{Step: scraper.StepInitialize, Err: err})
		return
	}
	defer session.Shutdown()

	labels := regions.All()
	session.LearnRegions(labels)

	if _, err := retryIncomplete(ctx, rn.logger, func() (struct{}, error) {
		return struct{}{}, session.Initialize(ctx)
	}); err != nil {
		rn.fatal(ctx, regionID, err)
		return
	}

	live, err := retryIncomplete(ctx, rn.logger, func() (models.OptionMap, error) {
		return session.SelectMode(ctx)
	})
	if err != nil {
		rn.fatal(ctx, regionID, err)
		return
	}
	for id, label := range live {
		labels[id] = label
	}

	subregions, err := retryIncomplete(ctx, rn.logger, func() (models.OptionMap, error) {
		return session.SelectRegion(ctx, regionID)
	})
	if err != nil {
		rn.fatal(ctx, regionID, err)
		return
	}

	selected := rn.selector.Apply(subregions)
	regionName := labels.Label(regionID)
	rn.update(func(r *Report) { r.Regions++ })

	rn.logger.Info().
		Str("region", regionName).
		Int("subregions", len(subregions)).
		Int("selected", len(selected)).
		Msg("region selected")
	rn.observer.OnRegionStarted(scraper.RegionEvent{
		RunID:      rn.id,
		RegionID:   regionID,
		Region:     regionName,
		Subregions: len(selected),
	})

	for i, subregionID := range selected {
		if ctx.Err() != nil {
			return
		}
		rn.subregion(ctx, session, subregionCursor{
			regionID:    regionID,
			region:      regionName,
			subregionID: subregionID,
			subregion:   subregions.Label(subregionID),
			index:       i + 1,
			total:       len(selected),
		})
	}
}

type subregionCursor struct {
	regionID    string
	region      string
	subregionID string
	subregion   string
	index       int
	total       int
}

// subregion submits every leaf of one subregion and persists what it found
func (rn *run) subregion(ctx context.Context, session *scraper.Session, c subregionCursor) {
	leaves, err := retryIncomplete(ctx, rn.logger, func() (models.OptionMap, error) {
		return session.SelectSubregion(ctx, c.regionID, c.subregionID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rn.logger.Warn().Err(err).Str("subregion", c.subregion).Msg("subregion skipped")
		rn.update(func(r *Report) {
			r.SkippedSubregions = append(r.SkippedSubregions, Skip{
				RegionID: c.regionID, SubregionID: c.subregionID, Step: stepOf(err), Err: err,
			})
		})
		return
	}

	leafIDs := leaves.IDs()
	rn.update(func(r *Report) { r.Subregions++ })
	rn.observer.OnSubregionStarted(scraper.SubregionEvent{
		RunID:       rn.id,
		RegionID:    c.regionID,
		Region:      c.region,
		SubregionID: c.subregionID,
		Subregion:   c.subregion,
		Index:       c.index,
		Total:       c.total,
		Leaves:      len(leafIDs),
	})

	batch := models.Batch{
		RunID:       rn.id,
		RegionID:    c.regionID,
		Region:      c.region,
		SubregionID: c.subregionID,
		Subregion:   c.subregion,
	}

	for i, leafID := range leafIDs {
		if ctx.Err() != nil {
			break
		}

		records, err := retryIncomplete(ctx, rn.logger, func() ([]models.ContactRecord, error) {
			return session.SubmitLeaf(ctx, c.regionID, c.subregionID, leafID)
		})
		if err != nil && ctx.Err() != nil {
			break
		}

		progress := scraper.LeafProgress{
			RunID:       rn.id,
			RegionID:    c.regionID,
			Region:      c.region,
			SubregionID: c.subregionID,
			Subregion:   c.subregion,
			LeafID:      leafID,
			Leaf:        leaves.Label(leafID),
			Index:       i + 1,
			Total:       len(leafIDs),
			Records:     len(records),
			Skipped:     err != nil,
		}

		if err != nil {
			rn.update(func(r *Report) {
				r.SkippedLeaves = append(r.SkippedLeaves, Skip{
					RegionID: c.regionID, SubregionID: c.subregionID, LeafID: leafID, Step: stepOf(err), Err: err,
				})
			})
		} else {
			batch.Records = append(batch.Records, records...)
			rn.update(func(r *Report) {
				r.Leaves++
				r.Records += len(records)
			})
		}
		rn.observer.OnLeafProgress(progress)
	}

	if len(batch.Records) > 0 {
		rn.persist(ctx, batch)
	}
}

// persist hands a batch to every sink. Writes finish even when ctx is cancelled.
func (rn *run) persist(ctx context.Context, batch models.Batch) {
	wctx := context.WithoutCancel(ctx)
	for _, sink := range rn.sinks {
		if err := sink.WriteSubregion(wctx, batch); err != nil {
			rn.logger.Error().Err(err).
				Str("region", batch.Region).
				Str("subregion", batch.Subregion).
				Msg("failed to write batch")
			rn.update(func(r *Report) {
				r.SinkErrors = append(r.SinkErrors, fmt.Errorf("%s/%s: %w", batch.Region, batch.Subregion, err))
			})
		}
	}
}

// retryIncomplete repeats fn once when the server answered without a full token set
func retryIncomplete[T any](ctx context.Context, logger zerolog.Logger, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err != nil && scraper.IsIncompleteTokenUpdate(err) && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("incomplete token update, retrying once")
		v, err = fn()
	}
	return v, err
}

func stepOf(err error) scraper.Step {
	var stepErr *scraper.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}
