package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by operations addressing a job or batch id
	// that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotTerminal is returned by RestartJob when the job is still
	// pending or processing.
	ErrNotTerminal = errors.New("job is not in a terminal state")
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status  Status
	Type    string
	BatchID string
	UserID  string
	Limit   int
	Offset  int
}

// Store persists and retrieves jobs and batches. It is the only shared
// mutable state between the poll loop, running handlers, and API readers;
// every mutation goes through it so multiple manager processes can poll the
// same store.
//
// ClaimNextPending is the correctness-critical primitive: a conditional
// pending→processing update that must never let two callers observe the same
// job as claimable. Terminal updates (CompleteJob, FailJob) and RestartJob
// also maintain the owning batch's counters in the same operation.
type Store interface {
	Enqueue(ctx context.Context, j *Job) error
	EnqueueBatch(ctx context.Context, b *Batch, jobs []*Job) error

	// ClaimNextPending atomically claims the oldest pending job whose type
	// is not in excludeTypes, marking it processing. Returns (nil, nil)
	// when nothing is claimable.
	ClaimNextPending(ctx context.Context, excludeTypes []string) (*Job, error)

	UpdateProgress(ctx context.Context, id string, p Progress) error
	CompleteJob(ctx context.Context, id string, results map[string]any) error
	FailJob(ctx context.Context, id string, jobErr *Error) error
	AppendLog(ctx context.Context, id string, e LogEntry) error

	// RestartJob resets a terminal job to pending, clearing error and
	// progress, preserving logs and the prior attempt's results. Returns
	// ErrNotTerminal for pending/processing jobs.
	RestartJob(ctx context.Context, id string) (*Job, error)

	// ResetProcessing moves all "processing" jobs back to "pending" and
	// returns their IDs. Called at startup to recover jobs interrupted by
	// a crash.
	ResetProcessing(ctx context.Context) ([]string, error)

	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]*Job, int, error)

	GetBatch(ctx context.Context, id string) (*Batch, error)
	ArchiveBatch(ctx context.Context, id string, active bool) error

	// DeleteTerminalBefore purges terminal jobs completed before the cutoff.
	// Administrative operation; never invoked by the worker manager.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

	Close(ctx context.Context) error
}
