package forge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a build job state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusSigning   Status = "signing"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one build run for an app.
type Job struct {
	ID           string     `json:"id"`
	AppID        string     `json:"app_id"`
	OwnerID      string     `json:"owner_id"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Artifact     string     `json:"artifact,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Store persists build jobs and their logs. It also satisfies the
// latest-build lookup the app state machine needs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store on db. The forge schema must be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const selectJob = `
	SELECT id, app_id, owner_id, status, progress,
	       COALESCE(error_code,''), COALESCE(error_message,''), COALESCE(artifact,''),
	       created_at, started_at, finished_at
	FROM build_jobs`

// createJob inserts a queued job. The partial unique index rejects the
// insert when a non-terminal job already exists for the app, which is
// how Start stays atomic under concurrent callers.
func (st *Store) createJob(ctx context.Context, job *Job) error {
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO build_jobs (id, app_id, owner_id, status, progress, created_at)
		VALUES (?,?,?,?,0,?)`,
		job.ID, job.AppID, job.OwnerID, job.Status, job.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrBuildInProgress{AppID: job.AppID}
		}
		return fmt.Errorf("forge: create job: %w", err)
	}
	return nil
}

// modernc.org/sqlite surfaces constraint failures as plain errors with
// the SQLite message text, so string matching is the available signal.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (st *Store) deleteJob(ctx context.Context, jobID string) error {
	_, err := st.db.ExecContext(ctx, `DELETE FROM build_jobs WHERE id = ?`, jobID)
	return err
}

// Get returns one job by ID.
func (st *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	return st.scanOne(st.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID), jobID)
}

func (st *Store) scanOne(row *sql.Row, jobID string) (*Job, error) {
	job := &Job{}
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&job.ID, &job.AppID, &job.OwnerID, &job.Status, &job.Progress,
		&job.ErrorCode, &job.ErrorMessage, &job.Artifact, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrJobNotFound{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("forge: scan job: %w", err)
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		job.FinishedAt = &t
	}
	return job, nil
}

// Latest returns the most recent job for an app, or nil if none exists.
func (st *Store) Latest(ctx context.Context, appID string) (*Job, error) {
	job, err := st.scanOne(st.db.QueryRowContext(ctx,
		selectJob+` WHERE app_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, appID), "")
	var notFound *ErrJobNotFound
	if errors.As(err, &notFound) {
		return nil, nil
	}
	return job, err
}

// ListByApp returns all jobs for an app, newest first.
func (st *Store) ListByApp(ctx context.Context, appID string) ([]*Job, error) {
	rows, err := st.db.QueryContext(ctx,
		selectJob+` WHERE app_id = ? ORDER BY created_at DESC, id DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("forge: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job := &Job{}
		var createdAt int64
		var startedAt, finishedAt sql.NullInt64
		if err := rows.Scan(&job.ID, &job.AppID, &job.OwnerID, &job.Status, &job.Progress,
			&job.ErrorCode, &job.ErrorMessage, &job.Artifact, &createdAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		job.CreatedAt = time.Unix(createdAt, 0)
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0)
			job.StartedAt = &t
		}
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0)
			job.FinishedAt = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// advance moves a job from one non-terminal status to the next. The
// guarded UPDATE observes cancellation and timeouts: if the job is no
// longer in from, zero rows change and advance reports false.
func (st *Store) advance(ctx context.Context, jobID string, from, to Status, progress int) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE build_jobs SET status = ?, progress = ?,
		       started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?`,
		to, progress, st.now().Unix(), jobID, from)
	if err != nil {
		return false, fmt.Errorf("forge: advance %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// complete finishes a job successfully. Guarded on the uploading stage
// so a concurrent cancel or timeout wins at most one terminal write.
func (st *Store) complete(ctx context.Context, jobID, artifact string) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE build_jobs SET status = ?, progress = 100, artifact = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, artifact, st.now().Unix(), jobID, StatusUploading)
	if err != nil {
		return false, fmt.Errorf("forge: complete %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// fail moves a non-terminal job to failed with the given code. Returns
// false when the job was already terminal, which makes the operation
// idempotent under races between the worker, Cancel and the reaper.
func (st *Store) fail(ctx context.Context, jobID, code, message string) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		UPDATE build_jobs SET status = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusFailed, code, message, st.now().Unix(), jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("forge: fail %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// expired returns the IDs of non-terminal jobs older than cutoff.
func (st *Store) expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id FROM build_jobs
		WHERE status NOT IN (?, ?) AND created_at < ?`,
		StatusCompleted, StatusFailed, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("forge: expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendLog adds one line to the job's build output.
func (st *Store) AppendLog(ctx context.Context, jobID, line string) error {
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO build_job_logs (job_id, line, created_at) VALUES (?,?,?)`,
		jobID, line, st.now().Unix())
	if err != nil {
		return fmt.Errorf("forge: append log: %w", err)
	}
	return nil
}

// Logs returns the job's build output in append order.
func (st *Store) Logs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT line FROM build_job_logs WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("forge: logs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}
