package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mediaforge/mediaforge/internal/cache"
	"github.com/mediaforge/mediaforge/internal/job"
)

// Handler is job-type-specific logic invoked by the manager. It returns a
// results map on success; a *job.Error return carries a structured failure
// code, any other error is wrapped as HANDLER_ERROR. Handlers report
// progress through the Runtime at least once per meaningful phase.
type Handler func(ctx context.Context, j *job.Job, rt *Runtime) (map[string]any, error)

// Runtime is the store accessor and shared resource context handed to a
// running handler. It scopes progress, log, and cache access to the one job
// the handler owns.
type Runtime struct {
	store job.Store
	cache cache.Cache
	jobID string
	log   *logrus.Entry
}

// NewRuntime builds a Runtime scoped to one job. The manager constructs one
// per execution; exported so handler packages can test against the real
// contract.
func NewRuntime(store job.Store, c cache.Cache, jobID string, logger *logrus.Logger) *Runtime {
	return &Runtime{store: store, cache: c, jobID: jobID, log: logger.WithField("component", "worker")}
}

// Progress persists the handler's current step.
func (rt *Runtime) Progress(ctx context.Context, step string, percent int, message string) error {
	return rt.store.UpdateProgress(ctx, rt.jobID, job.Progress{
		Step:    step,
		Percent: percent,
		Message: message,
	})
}

// Log appends one line to the job's persistent log. Append failures are
// logged process-side but never fail the handler.
func (rt *Runtime) Log(ctx context.Context, level, message string) {
	e := job.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message}
	if err := rt.store.AppendLog(ctx, rt.jobID, e); err != nil {
		rt.log.WithFields(logrus.Fields{"job_id": rt.jobID, "error": err}).Warn("append job log failed")
	}
}

// Cache returns the shared result cache for the handler to consult before
// expensive work and populate afterwards.
func (rt *Runtime) Cache() cache.Cache {
	return rt.cache
}
