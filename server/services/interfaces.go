package services

import (
	"context"
	"time"

	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

// Task is one unit of work travelling through the queue. Tasks are serialized
// to JSON for the backing key/value store.
type Task struct {
	ID         string                 `json:"id"`
	JobID      models.JobID           `json:"job_id"`
	Callable   string                 `json:"callable"`
	Args       []interface{}          `json:"args,omitempty"`
	Kwargs     map[string]interface{} `json:"kwargs,omitempty"`
	UploadID   *models.UploadID       `json:"upload_id,omitempty"`
	EnqueuedAt models.Time            `json:"enqueued_at"`
}

// ScheduledFire is one (job, fire time) pair derived from a cron schedule.
type ScheduledFire struct {
	JobID    models.JobID
	FireTime time.Time
}

type QueueService interface {
	// Enqueue appends a task to the FIFO of immediately-runnable work.
	// Returns a transient error if the backing store is unreachable.
	Enqueue(ctx context.Context, task *Task) error
	// EnqueueAt inserts a task into the delayed set keyed by the target fire time.
	EnqueueAt(ctx context.Context, task *Task, at time.Time) error
	// Promote moves all delayed entries with a target time at or before now into
	// the FIFO, preserving their relative target order, and returns any tasks
	// whose claim lease has expired to the FIFO for re-delivery.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Claim atomically pops one FIFO entry and records a lease held by workerID.
	// Returns nil with no error if the FIFO is empty. Another worker may re-claim
	// the task after the lease expires.
	Claim(ctx context.Context, workerID string, now time.Time, leaseDuration time.Duration) (*Task, error)
	// Ack removes the lease for a claimed task. Both a successful run and a
	// recorded failure ack.
	Ack(ctx context.Context, workerID string, taskID string) error
	// EnqueueOnce atomically records the marker and appends the task to the
	// FIFO in a single step; if the marker already exists nothing is enqueued
	// and false is returned. Markers expire after ttl. A crash leaves either
	// both the marker and the task or neither.
	EnqueueOnce(ctx context.Context, markerKey string, ttl time.Duration, task *Task) (bool, error)
	// RemoveDelayedForJob removes all not-yet-promoted delayed tasks for the
	// specified job, returning the number removed. Used when a job is
	// unregistered so its pending dispatches do not fire.
	RemoveDelayedForJob(ctx context.Context, jobID models.JobID) (int, error)
}

type ScheduleRegistry interface {
	// Register idempotently stores the cron schedule for a job, replacing any
	// existing entry. The next fire time is computed from now.
	// Returns gerror.ErrMalformedSchedule if the expression does not parse.
	Register(ctx context.Context, jobID models.JobID, cronExpr string, now time.Time) error
	// Unregister removes the durable entry for a job along with any
	// not-yet-fired pending dispatch for it.
	Unregister(ctx context.Context, jobID models.JobID) error
	// Due returns the (jobID, fireTime) pairs with fireTime <= now that have
	// not yet been marked dispatched.
	// Returns a transient error if the backing store is unreachable.
	Due(ctx context.Context, now time.Time) ([]ScheduledFire, error)
	// DispatchOnce atomically records the fire as dispatched and enqueues the
	// task, so a crash between the two cannot double-fire or lose a fire.
	// Returns false if the (job, fireTime) pair was already dispatched.
	DispatchOnce(ctx context.Context, fire ScheduledFire, task *Task) (bool, error)
	// AdvanceNextFire stores the next computed fire time for a job after a
	// successful dispatch.
	AdvanceNextFire(ctx context.Context, jobID models.JobID, after time.Time) error
	// Reconcile is given the authoritative job set; it adds missing
	// registrations, updates changed schedules and removes orphans. Missed
	// fires while the process was down are not replayed.
	Reconcile(ctx context.Context, jobs []*models.Job, now time.Time) error
}

// CallableRequest carries the invocation payload handed to a callable.
type CallableRequest struct {
	// Run is the job run record for this invocation. Callables that manage
	// their own step telemetry or finalisation mutate and persist it.
	Run    *models.JobRun
	Args   []interface{}
	Kwargs map[string]interface{}
}

// Callable is an in-process entry point bound to a symbolic
// "namespace.function" name through the callable registry.
type Callable func(ctx context.Context, req *CallableRequest) error

type CallableRegistry interface {
	// Register binds a symbolic "namespace.function" name to an entry point.
	// Returns an error if the name is already bound.
	Register(name string, callable Callable) error
	// Resolve returns the callable bound to name, or nil if the name is unknown.
	Resolve(name string) Callable
	// Names returns all registered callable names.
	Names() []string
}

type PipelineService interface {
	// ProcessUpload drives the upload through the five pipeline stages,
	// recording per-step telemetry on the supplied run. Invoking it on an
	// already published upload is a no-op; invoking it on a processing upload
	// resumes from the first stage that has not succeeded in the most recent
	// prior run.
	ProcessUpload(ctx context.Context, uploadID models.UploadID, run *models.JobRun) error
	// EnqueuePipelineRun enqueues a pipeline execution for the upload, delayed
	// by the supplied duration (zero means immediately runnable). Job reads go
	// through txOrNil when a transaction is supplied, so callers already inside
	// one can enqueue without re-entering the store lock.
	EnqueuePipelineRun(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, delay time.Duration) error
}

type KnownErrorService interface {
	// Match returns the earliest-created known error whose regex matches the
	// message, or nil if no rule matches. Matching is case-insensitive against
	// the raw message substring. Reads through the supplied transaction when
	// one is given, so callers holding a transaction can classify inside it.
	Match(ctx context.Context, txOrNil *store.Tx, message string) (*models.KnownError, error)
	// EnsureDefaults seeds the built-in known error library, skipping entries
	// that already exist.
	EnsureDefaults(ctx context.Context) error
}

type IncidentService interface {
	// RecordFailure creates or updates the open incident for the
	// (upload, failing stage) pair, classifying the failure against the known
	// error library and scheduling a bounded auto-retry when the matched rule
	// allows it. Exactly one open incident is permitted per pair.
	RecordFailure(ctx context.Context, txOrNil *store.Tx, uploadID models.UploadID, runID models.JobRunID, stage models.StageName, errMessage string) (*models.Incident, error)
	// AutoResolveForUpload resolves every open incident for the upload after a
	// successful pipeline run, appending an auto_resolved timeline event and
	// preserving the full failure record for audit.
	AutoResolveForUpload(ctx context.Context, uploadID models.UploadID) error
	// Assign sets the assignee; the incident moves open -> in_progress on first
	// assignment. Idempotent on its final state.
	Assign(ctx context.Context, id models.IncidentID, assignee string) (*models.Incident, error)
	// Analyze updates severity, impact summary and analysis notes.
	Analyze(ctx context.Context, id models.IncidentID, severity models.Severity, impactSummary, analysisNotes string) (*models.Incident, error)
	// Resolve moves the incident to resolved. Fails if the incident is archived.
	Resolve(ctx context.Context, id models.IncidentID, rootCause, correctiveAction, resolutionReport string) (*models.Incident, error)
	// Retry re-enqueues the pipeline for the incident's upload. Permitted in
	// any non-archived state.
	Retry(ctx context.Context, id models.IncidentID, actor, notes string) (*models.Incident, error)
	// Archive moves the incident to archived; only permitted from resolved.
	Archive(ctx context.Context, id models.IncidentID) (*models.Incident, error)
}

type IngestService interface {
	// GenerateUpload snapshots department records for the source (empty means
	// all sources) into a fresh CSV file under the storage root, creates a
	// pending upload in transform mode and enqueues a pipeline execution for
	// it. Returns as soon as the enqueue succeeds.
	GenerateUpload(ctx context.Context, source string) (*models.Upload, error)
}
