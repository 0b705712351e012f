// Package forge runs build jobs: it turns a verified site into a
// distributable package through the queued, building, signing and
// uploading stages.
//
// The concurrency rules live in SQLite, not in mutexes. A partial unique
// index admits at most one non-terminal job per app, so Start is an
// atomic check-and-create. Every stage change is a guarded UPDATE keyed
// on the expected current status, so between a finishing worker, Cancel
// and the timeout reaper exactly one terminal write wins and the losers
// observe it.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jaafar-jad/solostore/idgen"
	"github.com/jaafar-jad/solostore/notify"
	"github.com/jaafar-jad/solostore/observability"
)

// Stage boundary progress values reported to observers.
const (
	progressQueued    = 0
	progressBuilding  = 25
	progressSigning   = 60
	progressUploading = 85
)

// AppGate is the slice of the app state machine the orchestrator drives.
// Satisfied by apps.Service.
type AppGate interface {
	MarkBuilding(ctx context.Context, appID, jobID string) error
	MarkBuildCompleted(ctx context.Context, appID, jobID, artifact string) error
	MarkBuildFailed(ctx context.Context, appID, jobID string) error
}

// DomainChecker reports the app's domain and whether it is verified.
// Wired from the verifier and app store at startup.
type DomainChecker func(ctx context.Context, appID string) (domain string, verified bool, err error)

// Orchestrator starts, tracks and finishes build jobs.
type Orchestrator struct {
	store    *Store
	gate     AppGate
	domains  DomainChecker
	builder  Builder
	notifier notify.Notifier
	events   *observability.EventLogger
	newID    idgen.Generator
	logger   *slog.Logger
	now      func() time.Time

	jobTimeout   time.Duration
	reapInterval time.Duration

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBuilder replaces the default local package builder.
func WithBuilder(b Builder) Option { return func(o *Orchestrator) { o.builder = b } }

// WithNotifier sets the push channel for build stage events.
func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithEventLogger records job outcomes as business events.
func WithEventLogger(l *observability.EventLogger) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithIDGenerator sets a custom job ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(o *Orchestrator) { o.newID = gen } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.store.now = now
	}
}

// WithJobTimeout sets the ceiling after which a stuck job is force
// failed. Default 10 minutes.
func WithJobTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.jobTimeout = d } }

// WithReapInterval sets how often Run sweeps for timed out jobs.
func WithReapInterval(d time.Duration) Option { return func(o *Orchestrator) { o.reapInterval = d } }

// New creates an orchestrator. gate and domains are required; the forge
// schema must be applied to st's database.
func New(st *Store, gate AppGate, domains DomainChecker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		gate:         gate,
		domains:      domains,
		builder:      NewPackageBuilder("packages"),
		notifier:     notify.Discard,
		newID:        idgen.Prefixed("job_", idgen.Default),
		logger:       slog.Default(),
		now:          time.Now,
		jobTimeout:   10 * time.Minute,
		reapInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store exposes the underlying job store for read-side wiring.
func (o *Orchestrator) Store() *Store { return o.store }

// Start creates a queued job for the app and launches its worker.
// Returns ErrDomainNotVerified without a verified domain and
// ErrBuildInProgress when the app already has a non-terminal job. The
// check-and-create is a single INSERT: concurrent Starts race on the
// partial unique index and exactly one wins.
func (o *Orchestrator) Start(ctx context.Context, ownerID, appID string) (*Job, error) {
	domain, verified, err := o.domains(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("forge: domain check: %w", err)
	}
	if !verified {
		return nil, &ErrDomainNotVerified{AppID: appID}
	}

	job := &Job{
		ID:        o.newID(),
		AppID:     appID,
		OwnerID:   ownerID,
		Status:    StatusQueued,
		CreatedAt: o.now(),
	}
	if err := o.store.createJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.gate.MarkBuilding(ctx, appID, job.ID); err != nil {
		// The app refused the transition; the queued row must not
		// survive or it would block the next Start forever.
		if derr := o.store.deleteJob(ctx, job.ID); derr != nil {
			o.logger.Error("orphaned queued job", "job_id", job.ID, "error", derr)
		}
		return nil, err
	}

	o.appendLog(ctx, job.ID, "build queued")
	o.emit(job, string(StatusQueued), progressQueued, "")
	o.logger.Info("build started", "job_id", job.ID, "app_id", appID, "domain", domain)

	o.wg.Add(1)
	go o.runJob(job.ID, appID, ownerID, domain)
	return job, nil
}

// Cancel force-fails a running job with the cancelled error code.
// Returns ErrJobTerminal when the job already finished, including when
// it finished during the call.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return &ErrJobTerminal{JobID: jobID, Status: job.Status}
	}
	won, err := o.store.fail(ctx, jobID, ErrCodeCancelled, "cancelled by owner")
	if err != nil {
		return err
	}
	if !won {
		// Lost the race against the worker or the reaper.
		job, err = o.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		return &ErrJobTerminal{JobID: jobID, Status: job.Status}
	}
	o.finishFailed(ctx, job, ErrCodeCancelled, "build cancelled")
	return nil
}

// GetStatus returns the job's current state. Pure read, callable at any
// frequency for polling.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	return o.store.Get(ctx, jobID)
}

// GetLogs returns the job's build output in order.
func (o *Orchestrator) GetLogs(ctx context.Context, jobID string) ([]string, error) {
	if _, err := o.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return o.store.Logs(ctx, jobID)
}

// Run sweeps for timed out jobs until ctx is cancelled, then waits for
// in-flight workers.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-ticker.C:
			o.reap(ctx)
		}
	}
}

// Wait blocks until all in-flight workers finish. Tests use it; servers
// get the same via Run.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) reap(ctx context.Context) {
	ids, err := o.store.expired(ctx, o.now().Add(-o.jobTimeout))
	if err != nil {
		o.logger.Error("reap sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			continue
		}
		won, err := o.store.fail(ctx, id, ErrCodeTimeout, "build exceeded time limit")
		if err != nil {
			o.logger.Error("reap job failed", "job_id", id, "error", err)
			continue
		}
		if won {
			o.finishFailed(ctx, job, ErrCodeTimeout, "build timed out")
		}
	}
}

// runJob drives one job through its stages. Work happens inside a stage;
// the guarded advance before each unit of work doubles as the
// cancellation check, so a cancelled or timed out job stops at the next
// stage boundary without a second bookkeeping path.
func (o *Orchestrator) runJob(jobID, appID, ownerID, domain string) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), o.jobTimeout)
	defer cancel()
	job := &Job{ID: jobID, AppID: appID, OwnerID: ownerID}

	stages := []struct {
		from, to Status
		progress int
		log      string
		work     func(context.Context) error
	}{
		{StatusQueued, StatusBuilding, progressBuilding, "compiling site " + domain,
			func(ctx context.Context) error { return o.builder.Compile(ctx, appID, domain) }},
		{StatusBuilding, StatusSigning, progressSigning, "signing package",
			func(ctx context.Context) error { return o.builder.Sign(ctx, appID) }},
	}
	for _, st := range stages {
		won, err := o.store.advance(ctx, jobID, st.from, st.to, st.progress)
		if err != nil {
			o.logger.Error("stage advance failed", "job_id", jobID, "error", err)
			return
		}
		if !won {
			return // cancelled or timed out; the terminal writer finalized
		}
		o.appendLog(ctx, jobID, st.log)
		o.emit(job, string(st.to), st.progress, "")
		if err := st.work(ctx); err != nil {
			o.failJob(ctx, job, err)
			return
		}
	}

	won, err := o.store.advance(ctx, jobID, StatusSigning, StatusUploading, progressUploading)
	if err != nil || !won {
		return
	}
	o.appendLog(ctx, jobID, "uploading package")
	o.emit(job, string(StatusUploading), progressUploading, "")
	artifact, err := o.builder.Upload(ctx, appID, jobID)
	if err != nil {
		o.failJob(ctx, job, err)
		return
	}

	// Past the upload the worker deadline no longer applies; the
	// completion bookkeeping has to land even if it fires now.
	ctx = context.WithoutCancel(ctx)
	won, err = o.store.complete(ctx, jobID, artifact)
	if err != nil {
		o.logger.Error("complete failed", "job_id", jobID, "error", err)
		return
	}
	if !won {
		return
	}
	o.appendLog(ctx, jobID, "build completed: "+artifact)
	o.emit(job, string(StatusCompleted), 100, "")
	if err := o.gate.MarkBuildCompleted(ctx, appID, jobID, artifact); err != nil {
		o.logger.Error("app completion update failed", "job_id", jobID, "error", err)
	}
	o.logEvent(ctx, job, "build_completed", true)
	o.logger.Info("build completed", "job_id", jobID, "app_id", appID)
}

// failJob records a worker-side failure, distinguishing the timeout
// ceiling from ordinary build errors.
func (o *Orchestrator) failJob(ctx context.Context, job *Job, cause error) {
	code := ErrCodeBuildFailed
	if errors.Is(cause, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	// The worker ctx may already be dead; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	won, err := o.store.fail(ctx, job.ID, code, cause.Error())
	if err != nil {
		o.logger.Error("fail update failed", "job_id", job.ID, "error", err)
		return
	}
	if won {
		o.finishFailed(ctx, job, code, "build failed: "+cause.Error())
	}
}

// finishFailed does the shared bookkeeping after a won terminal write.
func (o *Orchestrator) finishFailed(ctx context.Context, job *Job, code, logLine string) {
	// The terminal write already won; the canceller's request ctx may
	// die mid-call and the app update still has to land, or the app
	// stays stuck in building with no reaper to free it.
	ctx = context.WithoutCancel(ctx)
	o.appendLog(ctx, job.ID, logLine)
	o.emit(job, string(StatusFailed), 0, code)
	if err := o.gate.MarkBuildFailed(ctx, job.AppID, job.ID); err != nil {
		o.logger.Error("app failure update failed", "job_id", job.ID, "error", err)
	}
	o.logEvent(ctx, job, code, false)
	o.logger.Info("build failed", "job_id", job.ID, "app_id", job.AppID, "code", code)
}

func (o *Orchestrator) appendLog(ctx context.Context, jobID, line string) {
	if err := o.store.AppendLog(ctx, jobID, line); err != nil {
		o.logger.Error("append build log failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) emit(job *Job, state string, progress int, message string) {
	o.notifier.Notify(job.OwnerID, notify.Event{
		Kind:     notify.KindBuildStage,
		OwnerID:  job.OwnerID,
		AppID:    job.AppID,
		JobID:    job.ID,
		State:    state,
		Progress: progress,
		Message:  message,
		At:       o.now(),
	})
}

func (o *Orchestrator) logEvent(ctx context.Context, job *Job, action string, success bool) {
	if o.events == nil {
		return
	}
	o.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   "build",
		ServiceName: "forge",
		EntityType:  "build_job",
		EntityID:    job.ID,
		UserID:      job.OwnerID,
		Action:      action,
		Success:     success,
	})
}
