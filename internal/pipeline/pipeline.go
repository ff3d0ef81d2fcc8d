// Package pipeline runs generation jobs on a fixed pool of workers.
//
// Each attempt consults the result cache, then the provider's circuit
// breaker, then the daily quota, and only then calls the provider under a
// hard timeout. Guard rejections fail the job immediately with an error
// code; provider failures and timeouts are retried at the tail of the
// queue until MaxRetries is exhausted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/resilience"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

var (
	ErrPipelineStopped = errors.New("pipeline stopped")
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidJob      = errors.New("invalid job")
)

// Agent is the sender name used for bus notifications and the agent
// recorded on generation events when no provider was involved.
const Agent = "job-pipeline"

// EventRecorder persists terminal job outcomes on the campaign context.
type EventRecorder interface {
	AddEvent(ctx context.Context, campaignID string, event models.GenerationEvent) (models.GenerationEvent, error)
}

// Notifier announces terminal job outcomes to other agents.
type Notifier interface {
	Broadcast(ctx context.Context, msg *models.Message) (bool, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers         int
	MaxRetries      int
	ProviderTimeout time.Duration
	RetryDelay      time.Duration

	// DefaultEstimates seed remaining-time estimates before any provider
	// call of that kind has completed.
	DefaultEstimates map[models.JobKind]time.Duration
}

// DefaultConfig returns 3 workers, 3 retries and a 5 minute provider timeout.
func DefaultConfig() Config {
	return Config{
		Workers:         3,
		MaxRetries:      3,
		ProviderTimeout: 5 * time.Minute,
		RetryDelay:      2 * time.Second,
		DefaultEstimates: map[models.JobKind]time.Duration{
			models.JobKindImage: 30 * time.Second,
			models.JobKindVideo: 3 * time.Minute,
		},
	}
}

// Deps are the collaborators a pipeline works with. Providers maps a job
// kind to its provider; Fallback serves kinds with no entry. Every other
// field is optional.
type Deps struct {
	Providers map[models.JobKind]Provider
	Fallback  Provider
	Cache     *resilience.ResultCache
	Breakers  *resilience.BreakerSet
	Quota     *resilience.QuotaController
	Events    EventRecorder
	Notifier  Notifier
}

// Pipeline owns the job records and the worker pool.
type Pipeline struct {
	cfg       Config
	deps      Deps
	now       func() time.Time
	queue     *jobQueue
	estimates *estimator

	mu   sync.RWMutex
	jobs map[string]*models.Job

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	workers   sync.WaitGroup

	retryMu sync.Mutex
	retries map[string]*time.Timer
}

// New creates a pipeline. Call Start to launch the workers.
func New(cfg Config, deps Deps) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.DefaultEstimates == nil {
		cfg.DefaultEstimates = def.DefaultEstimates
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewBreakerSet(resilience.DefaultBreakerConfig())
	}
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		now:       func() time.Time { return time.Now().UTC() },
		queue:     newJobQueue(),
		estimates: newEstimator(cfg.DefaultEstimates),
		jobs:      make(map[string]*models.Job),
		retries:   make(map[string]*time.Timer),
	}
}

// Start launches the workers. Jobs enqueued before Start wait in the queue.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.stopped {
		return ErrPipelineStopped
	}
	if p.started {
		return nil
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(ctx, i)
	}

	log.Info().
		Int("workers", p.cfg.Workers).
		Int("max_retries", p.cfg.MaxRetries).
		Dur("provider_timeout", p.cfg.ProviderTimeout).
		Msg("⚙️  Job pipeline started")
	return nil
}

// Stop rejects new jobs, cancels pending retries and waits for the jobs
// workers are currently processing. Queued jobs stay in their current
// state.
func (p *Pipeline) Stop() {
	p.lifecycle.Lock()
	if p.stopped {
		p.lifecycle.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.lifecycle.Unlock()

	p.queue.close()
	p.retryMu.Lock()
	for id, t := range p.retries {
		t.Stop()
		delete(p.retries, id)
	}
	p.retryMu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.workers.Wait()
	log.Info().Msg("Job pipeline stopped")
}

// Enqueue records a queued job and returns its id without waiting for
// any work to happen.
func (p *Pipeline) Enqueue(campaignID, targetID string, kind models.JobKind, prompt string, metadata map[string]string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrInvalidJob)
	}
	if kind == "" {
		kind = models.JobKindGeneric
	}

	p.lifecycle.Lock()
	stopped := p.stopped
	p.lifecycle.Unlock()
	if stopped {
		return "", ErrPipelineStopped
	}

	now := p.now()
	job := &models.Job{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		TargetID:   targetID,
		Kind:       kind,
		Prompt:     prompt,
		Metadata:   cloneMap(metadata),
		Status:     models.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: p.cfg.MaxRetries,
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	if !p.queue.push(job.ID) {
		p.mu.Lock()
		delete(p.jobs, job.ID)
		p.mu.Unlock()
		return "", ErrPipelineStopped
	}
	metrics.QueueDepth.Set(float64(p.queue.len()))

	log.Debug().
		Str("job_id", job.ID).
		Str("campaign_id", campaignID).
		Str("kind", string(kind)).
		Msg("Job enqueued")
	return job.ID, nil
}

// GetJobStatus returns a copy of the job.
func (p *Pipeline) GetJobStatus(id string) (models.Job, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

// ListJobs returns copies of the campaign's jobs, oldest first. An empty
// campaignID lists every job.
func (p *Pipeline) ListJobs(campaignID string) []models.Job {
	p.mu.RLock()
	out := make([]models.Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		if campaignID == "" || j.CampaignID == campaignID {
			out = append(out, j.Clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// GetCampaignStatus aggregates the campaign's jobs. OverallProgress is the
// mean job progress. EstimatedSecondsRemaining averages, over processing
// jobs, the expected provider duration for the job's kind scaled by the
// job's remaining fraction.
func (p *Pipeline) GetCampaignStatus(campaignID string) models.CampaignStatus {
	st := models.CampaignStatus{CampaignID: campaignID}

	type inflight struct {
		kind      models.JobKind
		remaining float64
	}
	var running []inflight
	var progress float64

	p.mu.RLock()
	for _, j := range p.jobs {
		if j.CampaignID != campaignID {
			continue
		}
		st.TotalJobs++
		progress += j.Progress
		switch j.Status {
		case models.JobQueued, models.JobRetry:
			st.QueuedJobs++
		case models.JobProcessing:
			st.ProcessingJobs++
			running = append(running, inflight{kind: j.Kind, remaining: 1 - j.Progress})
		case models.JobCompleted:
			st.CompletedJobs++
		case models.JobFailed:
			st.FailedJobs++
		}
	}
	p.mu.RUnlock()

	if st.TotalJobs > 0 {
		st.OverallProgress = progress / float64(st.TotalJobs)
	}
	if len(running) > 0 {
		var total float64
		for _, r := range running {
			total += p.estimates.expected(r.kind).Seconds() * r.remaining
		}
		st.EstimatedSecondsRemaining = total / float64(len(running))
	}
	return st
}

// ExpiredJobs returns copies of the completed and failed jobs that
// finished more than olderThan ago, oldest first.
func (p *Pipeline) ExpiredJobs(olderThan time.Duration) []models.Job {
	cutoff := p.now().Add(-olderThan)
	p.mu.RLock()
	var out []models.Job
	for _, j := range p.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CompletedAt.Before(*out[k].CompletedAt) })
	return out
}

// RemoveJobs drops terminal job records. Ids of unknown or still active
// jobs are ignored. Returns how many were removed.
func (p *Pipeline) RemoveJobs(ids ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if j, ok := p.jobs[id]; ok && j.Status.Terminal() {
			delete(p.jobs, id)
			removed++
		}
	}
	return removed
}

// PruneFinished drops completed and failed jobs that finished more than
// olderThan ago. Returns how many were removed.
func (p *Pipeline) PruneFinished(olderThan time.Duration) int {
	expired := p.ExpiredJobs(olderThan)
	ids := make([]string, len(expired))
	for i, j := range expired {
		ids[i] = j.ID
	}
	return p.RemoveJobs(ids...)
}

// ProviderBinding names the provider serving a job kind.
type ProviderBinding struct {
	Kind     models.JobKind `json:"kind"`
	Provider string         `json:"provider"`
}

// Providers lists the kind-to-provider bindings, sorted by kind. The
// fallback provider, if any, is reported with an empty kind.
func (p *Pipeline) Providers() []ProviderBinding {
	out := make([]ProviderBinding, 0, len(p.deps.Providers)+1)
	for kind, prov := range p.deps.Providers {
		if prov != nil {
			out = append(out, ProviderBinding{Kind: kind, Provider: prov.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	if p.deps.Fallback != nil {
		out = append(out, ProviderBinding{Provider: p.deps.Fallback.Name()})
	}
	return out
}

// QueueDepth reports how many job ids are waiting for a worker.
func (p *Pipeline) QueueDepth() int {
	return p.queue.len()
}

// ── Job record updates ──────────────────────────────────────

// update applies fn to the live job under the lock and returns a copy.
func (p *Pipeline) update(id string, fn func(j *models.Job)) (models.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	fn(j)
	j.UpdatedAt = p.now()
	return j.Clone(), true
}

// advance moves progress forward to fraction and sets the step label.
// Progress never decreases, including across retries.
func (p *Pipeline) advance(id string, fraction float64, step string) {
	p.update(id, func(j *models.Job) {
		if fraction > j.Progress {
			j.Progress = fraction
		}
		j.Step = step
	})
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
