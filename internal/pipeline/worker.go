package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/campaign"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/resilience"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

var tracer = otel.Tracer("campaign-substrate/pipeline")

// Progress checkpoints. Provider-reported progress is mapped into
// [progressSubmit, progressProviderEnd].
const (
	progressCache       = 0.05
	progressSubmit      = 0.1
	progressProviderEnd = 0.8
	progressPersist     = 0.9
	progressDone        = 1.0
)

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.workers.Done()
	log.Debug().Int("worker", n).Msg("Pipeline worker started")

	for {
		id, ok := p.queue.pop(ctx)
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(p.queue.len()))
		// in-flight jobs finish even when Stop cancels ctx
		p.process(context.WithoutCancel(ctx), id)
	}
}

// attempt is the outcome of one provider attempt.
type attempt struct {
	result    *Result
	provider  string
	fromCache bool
	err       error
	code      models.JobErrorCode
	retryable bool
	elapsed   time.Duration
}

func (p *Pipeline) process(ctx context.Context, id string) {
	job, ok := p.update(id, func(j *models.Job) {
		if j.Status != models.JobQueued && j.Status != models.JobRetry {
			return
		}
		j.Status = models.JobProcessing
		if j.StartedAt == nil {
			now := p.now()
			j.StartedAt = &now
		}
	})
	if !ok || job.Status != models.JobProcessing {
		return
	}

	ctx, span := tracer.Start(ctx, "pipeline.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("campaign.id", job.CampaignID),
		attribute.Int("job.retries", job.Retries),
	)

	a := p.run(ctx, &job)
	if a.err != nil {
		span.RecordError(a.err)
		span.SetStatus(codes.Error, a.err.Error())
	}

	switch {
	case a.err == nil:
		p.complete(ctx, job, a)
	case a.retryable && job.Retries < job.MaxRetries:
		p.retry(job, a)
	default:
		p.fail(ctx, job, a)
	}
}

// run performs the guarded provider call for one attempt.
func (p *Pipeline) run(ctx context.Context, job *models.Job) attempt {
	p.advance(job.ID, progressCache, "checking cache")

	key := cacheKey(job)
	if p.deps.Cache != nil {
		if hit, ok := p.deps.Cache.Get(key); ok {
			return attempt{
				result:    &Result{AssetRef: hit.AssetRef, Metadata: hit.Metadata},
				provider:  hit.Provider,
				fromCache: true,
			}
		}
	}

	provider := p.providerFor(job.Kind)
	if provider == nil {
		return attempt{
			err:  fmt.Errorf("no provider configured for %s jobs", job.Kind),
			code: models.ErrCodeProviderUnavailable,
		}
	}
	name := provider.Name()
	p.update(job.ID, func(j *models.Job) { j.Provider = name })

	breaker := p.deps.Breakers.Get(name)
	if !breaker.CanExecute() {
		return attempt{
			provider: name,
			err:      fmt.Errorf("circuit open for provider %s", name),
			code:     models.ErrCodeProviderUnavailable,
		}
	}

	var reservation *resilience.Reservation
	if p.deps.Quota != nil {
		reservation = p.deps.Quota.Reserve()
		if reservation == nil {
			// the breaker may have admitted its half-open trial for us
			breaker.ReleaseTrial()
			return attempt{
				provider: name,
				err:      errors.New("daily generation quota exhausted"),
				code:     models.ErrCodeQuotaExceeded,
			}
		}
	}

	p.advance(job.ID, progressSubmit, "submitting")
	start := time.Now()
	result, err := p.call(ctx, provider, job)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderLatency.WithLabelValues(name, outcome).Observe(elapsed.Seconds())

	if err != nil {
		breaker.RecordFailure()
		if reservation != nil {
			reservation.Cancel()
		}
		code := models.ErrCodeProviderFailure
		if errors.Is(err, context.DeadlineExceeded) {
			code = models.ErrCodeProviderTimeout
		}
		return attempt{provider: name, err: err, code: code, retryable: true, elapsed: elapsed}
	}

	breaker.RecordSuccess()
	if reservation != nil {
		reservation.Commit()
	}
	p.estimates.observe(job.Kind, elapsed)

	p.advance(job.ID, progressPersist, "persisting result")
	if p.deps.Cache != nil {
		p.deps.Cache.Put(key, resilience.CachedResult{
			AssetRef: result.AssetRef,
			Provider: name,
			Metadata: result.Metadata,
		})
	}
	return attempt{result: result, provider: name, elapsed: elapsed}
}

// call invokes the provider under the configured deadline. A provider that
// ignores ctx is abandoned when the deadline passes.
func (p *Pipeline) call(ctx context.Context, provider Provider, job *models.Job) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	req := &Request{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		TargetID:   job.TargetID,
		Kind:       job.Kind,
		Prompt:     job.Prompt,
		Params:     cloneMap(job.Metadata),
		Progress: func(fraction float64, step string) {
			if ctx.Err() != nil {
				return
			}
			fraction = min(max(fraction, 0), 1)
			p.advance(job.ID, progressSubmit+fraction*(progressProviderEnd-progressSubmit), step)
		},
	}

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("provider %s panicked: %v", provider.Name(), r)}
			}
		}()
		res, err := provider.Submit(ctx, req)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && (r.res == nil || r.res.AssetRef == "") {
			return nil, fmt.Errorf("provider %s returned no asset", provider.Name())
		}
		if r.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("provider %s: %w", provider.Name(), ctx.Err())
		}
		return r.res, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("provider %s timed out after %s: %w", provider.Name(), p.cfg.ProviderTimeout, ctx.Err())
	}
}

func (p *Pipeline) providerFor(kind models.JobKind) Provider {
	if prov, ok := p.deps.Providers[kind]; ok && prov != nil {
		return prov
	}
	return p.deps.Fallback
}

// cacheKey hashes the prompt with the job kind and metadata, which carry
// everything that changes the produced asset.
func cacheKey(job *models.Job) string {
	fields := cloneMap(job.Metadata)
	if fields == nil {
		fields = make(map[string]string, 1)
	}
	fields["kind"] = string(job.Kind)
	return resilience.Key(job.Prompt, fields)
}

// ── Outcomes ────────────────────────────────────────────────

func (p *Pipeline) complete(ctx context.Context, job models.Job, a attempt) {
	now := p.now()
	job, ok := p.update(job.ID, func(j *models.Job) {
		j.Status = models.JobCompleted
		j.Progress = progressDone
		j.Step = "completed"
		j.ResultRef = a.result.AssetRef
		j.FromCache = a.fromCache
		j.Error = ""
		j.ErrorCode = ""
		if a.provider != "" {
			j.Provider = a.provider
		}
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "completed").Inc()

	log.Info().
		Str("job_id", job.ID).
		Str("campaign_id", job.CampaignID).
		Str("kind", string(job.Kind)).
		Bool("from_cache", a.fromCache).
		Int("retries", job.Retries).
		Msg("Job completed")

	meta := map[string]string{
		"job_id":     job.ID,
		"asset_ref":  job.ResultRef,
		"from_cache": strconv.FormatBool(a.fromCache),
	}
	if job.TargetID != "" {
		meta["target_id"] = job.TargetID
	}
	p.recordEvent(ctx, job, true, a.elapsed, "", meta)
	p.notify(ctx, job, models.GenerationComplete{
		JobID:     job.ID,
		TargetID:  job.TargetID,
		Kind:      job.Kind,
		AssetRef:  job.ResultRef,
		FromCache: a.fromCache,
	})
}

func (p *Pipeline) retry(job models.Job, a attempt) {
	job, ok := p.update(job.ID, func(j *models.Job) {
		j.Status = models.JobRetry
		j.Retries++
		j.Error = a.err.Error()
		j.ErrorCode = a.code
		j.Step = "waiting to retry"
	})
	if !ok {
		return
	}
	metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()

	log.Warn().Err(a.err).
		Str("job_id", job.ID).
		Str("provider", a.provider).
		Int("retry", job.Retries).
		Int("max_retries", job.MaxRetries).
		Msg("Job attempt failed, retrying")

	if p.cfg.RetryDelay <= 0 {
		p.requeue(job.ID)
		return
	}
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	p.retries[job.ID] = time.AfterFunc(p.cfg.RetryDelay, func() {
		p.retryMu.Lock()
		delete(p.retries, job.ID)
		p.retryMu.Unlock()
		p.requeue(job.ID)
	})
}

func (p *Pipeline) requeue(id string) {
	if !p.queue.push(id) {
		log.Warn().Str("job_id", id).Msg("Pipeline stopped, retry dropped")
		return
	}
	metrics.QueueDepth.Set(float64(p.queue.len()))
}

func (p *Pipeline) fail(ctx context.Context, job models.Job, a attempt) {
	now := p.now()
	job, ok := p.update(job.ID, func(j *models.Job) {
		j.Status = models.JobFailed
		j.Error = a.err.Error()
		j.ErrorCode = a.code
		j.Step = "failed"
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "failed").Inc()

	log.Error().Err(a.err).
		Str("job_id", job.ID).
		Str("campaign_id", job.CampaignID).
		Str("error_code", string(a.code)).
		Int("retries", job.Retries).
		Msg("Job failed")

	meta := map[string]string{
		"job_id":     job.ID,
		"error_code": string(a.code),
		"retries":    strconv.Itoa(job.Retries),
	}
	if job.TargetID != "" {
		meta["target_id"] = job.TargetID
	}
	p.recordEvent(ctx, job, false, a.elapsed, job.Error, meta)
	p.notify(ctx, job, models.ErrorNotification{
		Code:        string(a.code),
		Message:     job.Error,
		JobID:       job.ID,
		Recoverable: a.code == models.ErrCodeQuotaExceeded || a.code == models.ErrCodeProviderUnavailable,
	})
}

func (p *Pipeline) recordEvent(ctx context.Context, job models.Job, success bool, elapsed time.Duration, errMsg string, meta map[string]string) {
	if p.deps.Events == nil || job.CampaignID == "" {
		return
	}
	agent := job.Provider
	if agent == "" {
		agent = Agent
	}
	ev := models.GenerationEvent{
		Stage:    job.Kind.Stage(),
		Agent:    agent,
		Success:  success,
		Error:    errMsg,
		Metadata: meta,
	}
	if elapsed > 0 {
		ev.Duration = &elapsed
	}
	if _, err := p.deps.Events.AddEvent(ctx, job.CampaignID, ev); err != nil {
		evt := log.Warn()
		if campaign.IsNotFound(err) {
			evt = log.Debug()
		}
		evt.Err(err).Str("job_id", job.ID).Str("campaign_id", job.CampaignID).Msg("Could not record generation event")
	}
}

func (p *Pipeline) notify(ctx context.Context, job models.Job, payload models.Payload) {
	if p.deps.Notifier == nil {
		return
	}
	msg := models.NewMessage(Agent, nil, job.CampaignID, payload)
	if _, err := p.deps.Notifier.Broadcast(ctx, msg); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Could not announce job outcome")
	}
}
