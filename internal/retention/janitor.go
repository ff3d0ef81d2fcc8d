// Package retention keeps the substrate's in-memory state bounded. A
// janitor periodically evicts expired result-cache and context-cache
// entries and retires terminal job records older than the job retention
// window.
//
// Retired jobs are archived before they are dropped when an archiver is
// configured. Archive failures are fail-safe: the jobs stay in the
// pipeline and are retried on the next cycle.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// DefaultJobRetention is how long finished jobs stay queryable.
const DefaultJobRetention = 24 * time.Hour

// ResultSweeper evicts expired generation results.
type ResultSweeper interface {
	Sweep() int
}

// ContextSweeper evicts expired campaign context cache entries.
type ContextSweeper interface {
	SweepCache() int
}

// JobSource exposes finished jobs for retirement.
type JobSource interface {
	ExpiredJobs(olderThan time.Duration) []models.Job
	RemoveJobs(ids ...string) int
}

// JobArchiver persists retired jobs of one campaign and returns where
// they went.
type JobArchiver interface {
	Kind() string
	ArchiveJobs(ctx context.Context, campaignID string, jobs []models.Job) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ResultsEvicted  int
	ContextsEvicted int
	JobsArchived    int
	JobsPurged      int
	ArchivePaths    []string
	Errors          []error
}

// Options wires the janitor. Nil sweepers and sources are skipped.
type Options struct {
	Interval     time.Duration
	JobRetention time.Duration
	Results      ResultSweeper
	Contexts     ContextSweeper
	Jobs         JobSource
	Archiver     JobArchiver
}

// Janitor runs retention cycles on a fixed interval.
type Janitor struct {
	interval     time.Duration
	jobRetention time.Duration
	results      ResultSweeper
	contexts     ContextSweeper
	jobs         JobSource
	archiver     JobArchiver
}

// NewJanitor creates a janitor. Intervals under a second fall back to
// one minute.
func NewJanitor(opts Options) *Janitor {
	if opts.Interval < time.Second {
		opts.Interval = time.Minute
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = DefaultJobRetention
	}
	return &Janitor{
		interval:     opts.Interval,
		jobRetention: opts.JobRetention,
		results:      opts.Results,
		contexts:     opts.Contexts,
		jobs:         opts.Jobs,
		archiver:     opts.Archiver,
	}
}

// Start runs the janitor until ctx is canceled. Call it in its own goroutine.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("job_retention", j.jobRetention).
		Str("archiver", archiver).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and reports what it did.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	if j.results != nil {
		stats.ResultsEvicted = j.results.Sweep()
	}
	if j.contexts != nil {
		stats.ContextsEvicted = j.contexts.SweepCache()
	}
	if j.jobs != nil {
		j.retireJobs(ctx, &stats)
	}

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.ResultsEvicted > 0 || stats.ContextsEvicted > 0 || stats.JobsPurged > 0 {
		log.Info().
			Int("results_evicted", stats.ResultsEvicted).
			Int("contexts_evicted", stats.ContextsEvicted).
			Int("jobs_archived", stats.JobsArchived).
			Int("jobs_purged", stats.JobsPurged).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) retireJobs(ctx context.Context, stats *CycleStats) {
	expired := j.jobs.ExpiredJobs(j.jobRetention)
	if len(expired) == 0 {
		return
	}
	if j.archiver == nil {
		stats.JobsPurged += j.jobs.RemoveJobs(jobIDs(expired)...)
		return
	}

	byCampaign := make(map[string][]models.Job)
	for _, job := range expired {
		byCampaign[job.CampaignID] = append(byCampaign[job.CampaignID], job)
	}
	campaigns := make([]string, 0, len(byCampaign))
	for id := range byCampaign {
		campaigns = append(campaigns, id)
	}
	sort.Strings(campaigns)

	for _, campaignID := range campaigns {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err())
			return
		}
		batch := byCampaign[campaignID]
		path, err := j.archiver.ArchiveJobs(ctx, campaignID, batch)
		if err != nil {
			stats.Errors = append(stats.Errors, &archiveError{campaignID: campaignID, err: err})
			continue
		}
		stats.JobsArchived += len(batch)
		stats.ArchivePaths = append(stats.ArchivePaths, path)
		stats.JobsPurged += j.jobs.RemoveJobs(jobIDs(batch)...)
	}
}

func jobIDs(jobs []models.Job) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}

type archiveError struct {
	campaignID string
	err        error
}

func (e *archiveError) Error() string {
	return "archive jobs of campaign " + e.campaignID + ": " + e.err.Error()
}

func (e *archiveError) Unwrap() error { return e.err }
