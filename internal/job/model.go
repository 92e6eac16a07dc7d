package job

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Error codes raised by the dispatch core itself. Handlers define and raise
// their own codes (DOWNLOAD_FAILED, UNSUPPORTED_FILE, ...); the core passes
// those through untouched.
const (
	CodeUnknownJobType    = "UNKNOWN_JOB_TYPE"
	CodeHandlerError      = "HANDLER_ERROR"
	CodeProcessingTimeout = "PROCESSING_TIMEOUT"
)

// Error is a structured job failure. It satisfies the error interface so
// handlers can return one directly.
type Error struct {
	Code    string         `bson:"code" json:"code"`
	Message string         `bson:"message" json:"message"`
	Details map[string]any `bson:"details,omitempty" json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Progress describes where a running handler currently is.
type Progress struct {
	Step    string `bson:"step" json:"step"`
	Percent int    `bson:"percent" json:"percent"`
	Message string `bson:"message,omitempty" json:"message,omitempty"`
}

// LogEntry is one line of a job's append-only log.
type LogEntry struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Level     string    `bson:"level" json:"level"`
	Message   string    `bson:"message" json:"message"`
}

// Webhook is the per-job callback configuration. Secret is sent back as
// X-Callback-Token and keys the HMAC body signature. ExternalID, when set,
// is echoed as the webhook's jobId instead of the internal id.
type Webhook struct {
	URL        string `bson:"url" json:"url"`
	Secret     string `bson:"secret,omitempty" json:"secret,omitempty"`
	ExternalID string `bson:"external_id,omitempty" json:"external_id,omitempty"`
}

// AccessControl lists the actors allowed to see or mutate a job.
type AccessControl struct {
	Read  []string `bson:"read,omitempty" json:"read,omitempty"`
	Write []string `bson:"write,omitempty" json:"write,omitempty"`
	Admin []string `bson:"admin,omitempty" json:"admin,omitempty"`
}

// Job is a single unit of asynchronous work. Parameters and Results are
// opaque to the core; only the registered handler interprets them.
type Job struct {
	ID                  string         `bson:"_id" json:"job_id"`
	Type                string         `bson:"job_type" json:"job_type"`
	Status              Status         `bson:"status" json:"status"`
	Parameters          map[string]any `bson:"parameters,omitempty" json:"parameters,omitempty"`
	Progress            *Progress      `bson:"progress,omitempty" json:"progress,omitempty"`
	Results             map[string]any `bson:"results,omitempty" json:"results,omitempty"`
	Error               *Error         `bson:"error,omitempty" json:"error,omitempty"`
	Logs                []LogEntry     `bson:"logs,omitempty" json:"logs,omitempty"`
	BatchID             string         `bson:"batch_id,omitempty" json:"batch_id,omitempty"`
	UserID              string         `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Access              *AccessControl `bson:"access_control,omitempty" json:"access_control,omitempty"`
	Webhook             *Webhook       `bson:"webhook,omitempty" json:"webhook,omitempty"`
	CreatedAt           time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `bson:"updated_at" json:"updated_at"`
	ProcessingStartedAt *time.Time     `bson:"processing_started_at,omitempty" json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

// Batch is a named grouping of jobs created together. Its counters are the
// only failure report; a batch completes even if every member job failed.
type Batch struct {
	ID             string      `bson:"_id" json:"batch_id"`
	Name           string      `bson:"batch_name" json:"batch_name"`
	Status         BatchStatus `bson:"status" json:"status"`
	TotalJobs      int         `bson:"total_jobs" json:"total_jobs"`
	PendingJobs    int         `bson:"pending_jobs" json:"pending_jobs"`
	ProcessingJobs int         `bson:"processing_jobs" json:"processing_jobs"`
	CompletedJobs  int         `bson:"completed_jobs" json:"completed_jobs"`
	FailedJobs     int         `bson:"failed_jobs" json:"failed_jobs"`
	Active         bool        `bson:"active" json:"active"`
	CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `bson:"updated_at" json:"updated_at"`
}

// DeriveStatus computes the batch status from its counters. Status is never
// set independently; both store implementations call this after every
// counter update.
func (b *Batch) DeriveStatus() BatchStatus {
	switch {
	case b.TotalJobs > 0 && b.CompletedJobs+b.FailedJobs == b.TotalJobs:
		return BatchCompleted
	case b.ProcessingJobs > 0 || b.CompletedJobs > 0 || b.FailedJobs > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}

// CountersConsistent reports whether the per-status counters add up to the
// batch total.
func (b *Batch) CountersConsistent() bool {
	return b.PendingJobs+b.ProcessingJobs+b.CompletedJobs+b.FailedJobs == b.TotalJobs
}

var validate = validator.New()

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	Type       string          `json:"job_type" validate:"required"`
	Parameters map[string]any  `json:"parameters"`
	Webhook    *WebhookRequest `json:"webhook,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
}

// WebhookRequest mirrors Webhook on the enqueue payload.
type WebhookRequest struct {
	URL        string `json:"url" validate:"required,url"`
	Secret     string `json:"secret,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Webhook != nil {
		return validate.Struct(r.Webhook)
	}
	return nil
}

// BatchCreateRequest is the payload used to submit a batch of jobs.
type BatchCreateRequest struct {
	Name string          `json:"batch_name" validate:"required"`
	Jobs []CreateRequest `json:"jobs" validate:"required,min=1"`
}

func (r *BatchCreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for i := range r.Jobs {
		if err := r.Jobs[i].Validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
	}
	return nil
}

// New builds a pending Job from a validated CreateRequest.
func New(req *CreateRequest) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.New().String(),
		Type:       req.Type,
		Status:     StatusPending,
		Parameters: req.Parameters,
		UserID:     req.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Webhook != nil {
		j.Webhook = &Webhook{
			URL:        req.Webhook.URL,
			Secret:     req.Webhook.Secret,
			ExternalID: req.Webhook.ExternalID,
		}
	}
	return j
}

// NewBatch builds a pending Batch and its member jobs from a validated
// BatchCreateRequest.
func NewBatch(req *BatchCreateRequest) (*Batch, []*Job) {
	now := time.Now().UTC()
	b := &Batch{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Status:      BatchPending,
		TotalJobs:   len(req.Jobs),
		PendingJobs: len(req.Jobs),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	jobs := make([]*Job, 0, len(req.Jobs))
	for i := range req.Jobs {
		j := New(&req.Jobs[i])
		j.BatchID = b.ID
		jobs = append(jobs, j)
	}
	return b, jobs
}
