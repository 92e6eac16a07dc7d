package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediaforge/mediaforge/internal/cache"
	"github.com/mediaforge/mediaforge/internal/job"
	"github.com/mediaforge/mediaforge/internal/metrics"
	"github.com/mediaforge/mediaforge/internal/webhook"
)

// Config holds the manager's scheduling knobs.
type Config struct {
	// PollInterval is the pause between claim passes against the store.
	PollInterval time.Duration
	// MaxConcurrent is the global ceiling on in-flight jobs.
	MaxConcurrent int
	// PerTypeLimits optionally caps in-flight jobs per job type. Types at
	// their cap are excluded from the next claim rather than claimed and
	// parked, so claim exclusivity is preserved.
	PerTypeLimits map[string]int
	// JobTimeout, when non-zero, bounds a single handler execution. On
	// expiry the job fails with PROCESSING_TIMEOUT and the slot is
	// reclaimed; the handler goroutine is cancelled and abandoned.
	JobTimeout time.Duration
}

// Manager polls the store for claimable jobs, dispatches them to registered
// handlers under a bounded concurrency budget, persists outcomes, keeps
// batch counters current, and triggers webhooks on terminal states. The poll
// loop itself never runs a handler; each claimed job gets its own goroutine.
type Manager struct {
	cfg    Config
	store  job.Store
	reg    *Registry
	sender *webhook.Sender
	cache  cache.Cache
	met    *metrics.Collector
	log    *logrus.Entry

	inflight   atomic.Int64
	mu         sync.Mutex
	typeCounts map[string]int
	wg         sync.WaitGroup
}

func New(cfg Config, store job.Store, reg *Registry, sender *webhook.Sender, c cache.Cache, met *metrics.Collector, logger *logrus.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		reg:        reg,
		sender:     sender,
		cache:      c,
		met:        met,
		log:        logger.WithField("component", "worker"),
		typeCounts: make(map[string]int),
	}
}

// Recover resets jobs left in "processing" by a previous crash back to
// pending so the claim cycle picks them up again. Called once before Run.
func (m *Manager) Recover(ctx context.Context) error {
	ids, err := m.store.ResetProcessing(ctx)
	if err != nil {
		return fmt.Errorf("reset processing: %w", err)
	}
	if len(ids) > 0 {
		m.log.WithFields(logrus.Fields{"count": len(ids), "job_ids": ids}).Info("recovered interrupted jobs")
	}
	return nil
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to finish.
// Claim or update errors are logged and retried at the next tick; the loop
// itself never terminates on a job fault.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.claimAvailable(ctx)
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.claimAvailable(ctx)
		}
	}
}

// claimAvailable claims pending jobs until the concurrency budget is spent
// or the store runs dry. Jobs are claimed oldest-first; completion order is
// not guaranteed.
func (m *Manager) claimAvailable(ctx context.Context) {
	for m.inflight.Load() < int64(m.cfg.MaxConcurrent) {
		j, err := m.store.ClaimNextPending(ctx, m.saturatedTypes())
		if err != nil {
			if ctx.Err() == nil {
				m.log.WithField("error", err).Error("claim failed, retrying next tick")
			}
			return
		}
		if j == nil {
			return
		}

		m.inflight.Add(1)
		m.trackType(j.Type, +1)
		m.met.JobsInFlight.Inc()
		m.met.JobsClaimed.WithLabelValues(j.Type).Inc()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.execute(ctx, j)
		}()
	}
}

func (m *Manager) execute(ctx context.Context, j *job.Job) {
	start := time.Now()
	results, jobErr := m.invoke(ctx, j)
	m.finalize(ctx, j, results, jobErr, start)
}

type outcome struct {
	results map[string]any
	err     error
}

// invoke resolves and runs the handler, converting every failure mode
// (missing handler, returned error, panic, timeout) into a structured
// *job.Error. It never propagates a handler fault upward.
func (m *Manager) invoke(ctx context.Context, j *job.Job) (map[string]any, *job.Error) {
	h, ok := m.reg.Get(j.Type)
	if !ok {
		return nil, &job.Error{
			Code:    job.CodeUnknownJobType,
			Message: fmt.Sprintf("no handler registered for job type %q", j.Type),
		}
	}

	var hctx context.Context
	var cancel context.CancelFunc
	if m.cfg.JobTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	rt := &Runtime{store: m.store, cache: m.cache, jobID: j.ID, log: m.log}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &job.Error{
					Code:    job.CodeHandlerError,
					Message: fmt.Sprintf("handler panic: %v", r),
					Details: map[string]any{"stack": string(debug.Stack())},
				}}
			}
		}()
		res, err := h(hctx, j, rt)
		ch <- outcome{results: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.results, asJobError(o.err)
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, &job.Error{
				Code:    job.CodeProcessingTimeout,
				Message: fmt.Sprintf("handler exceeded %s deadline", m.cfg.JobTimeout),
			}
		}
		// Shutdown: the handler sees the cancelled context; wait for it to
		// return so its outcome is persisted.
		o := <-ch
		return o.results, asJobError(o.err)
	}
}

func asJobError(err error) *job.Error {
	if err == nil {
		return nil
	}
	var jerr *job.Error
	if errors.As(err, &jerr) {
		return jerr
	}
	return &job.Error{Code: job.CodeHandlerError, Message: err.Error()}
}

// finalize persists the outcome, releases the concurrency slot, updates the
// owning batch's counters (done inside the store's terminal update), and
// fires the webhook. It runs for every claimed job, whatever invoke did.
func (m *Manager) finalize(ctx context.Context, j *job.Job, results map[string]any, jobErr *job.Error, start time.Time) {
	defer func() {
		m.trackType(j.Type, -1)
		m.inflight.Add(-1)
		m.met.JobsInFlight.Dec()
	}()

	// Finalization must survive shutdown; the outcome is already decided.
	fctx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	if jobErr == nil {
		if err := m.persistOutcome(j.ID, func() error {
			return m.store.CompleteJob(fctx, j.ID, results)
		}); err != nil {
			m.log.WithFields(logrus.Fields{"job_id": j.ID, "error": err}).Error("persist completion failed")
		}
		j.Status = job.StatusCompleted
		j.Results = results
		m.met.JobsCompleted.WithLabelValues(j.Type).Inc()
	} else {
		if err := m.persistOutcome(j.ID, func() error {
			return m.store.FailJob(fctx, j.ID, jobErr)
		}); err != nil {
			m.log.WithFields(logrus.Fields{"job_id": j.ID, "error": err}).Error("persist failure failed")
		}
		j.Status = job.StatusFailed
		j.Error = jobErr
		m.met.JobsFailed.WithLabelValues(j.Type, jobErr.Code).Inc()
		m.log.WithFields(logrus.Fields{
			"job_id":   j.ID,
			"job_type": j.Type,
			"code":     jobErr.Code,
			"error":    jobErr.Message,
		}).Warn("job failed")
	}
	j.CompletedAt = &now
	m.met.JobDuration.WithLabelValues(j.Type).Observe(time.Since(start).Seconds())

	if j.Webhook != nil && j.Webhook.URL != "" {
		// Delivery runs detached so retry backoff never holds a
		// concurrency slot; Run still waits for it on shutdown.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deliverWebhook(fctx, j)
		}()
	}
}

const (
	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
)

// persistOutcome retries a terminal store update a few times before giving
// up. A job whose terminal write is lost stays in processing until the next
// Recover, so transient store faults are worth absorbing here.
func (m *Manager) persistOutcome(jobID string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < persistAttempts {
			m.log.WithFields(logrus.Fields{
				"job_id":  jobID,
				"attempt": attempt,
				"error":   err,
			}).Warn("terminal update failed, retrying")
			time.Sleep(persistBackoff * time.Duration(attempt))
		}
	}
	return err
}

func (m *Manager) deliverWebhook(ctx context.Context, j *job.Job) {
	if err := m.sender.Deliver(ctx, j.Webhook, webhook.NewEnvelope(j)); err != nil {
		// Delivery failure is observability data; the job's terminal
		// state is already fixed.
		m.met.Webhooks.WithLabelValues("failure").Inc()
		m.log.WithFields(logrus.Fields{
			"job_id": j.ID,
			"code":   "WEBHOOK_DELIVERY_FAILED",
			"error":  err,
		}).Warn("webhook delivery failed")
		return
	}
	m.met.Webhooks.WithLabelValues("success").Inc()
}

// saturatedTypes returns job types whose per-type in-flight count is at its
// configured cap, to be excluded from the next claim.
func (m *Manager) saturatedTypes() []string {
	if len(m.cfg.PerTypeLimits) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for t, limit := range m.cfg.PerTypeLimits {
		if m.typeCounts[t] >= limit {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) trackType(jobType string, delta int) {
	if len(m.cfg.PerTypeLimits) == 0 {
		return
	}
	if _, limited := m.cfg.PerTypeLimits[jobType]; !limited {
		return
	}
	m.mu.Lock()
	m.typeCounts[jobType] += delta
	m.mu.Unlock()
}
