package forge

// Schema contains the DDL for build jobs and their logs.
//
// The partial unique index is the concurrency contract: at most one
// non-terminal job per app, enforced by the database at insert time
// (check-and-create, not read-then-write).
const Schema = `
CREATE TABLE IF NOT EXISTS build_jobs (
    id            TEXT PRIMARY KEY,
    app_id        TEXT NOT NULL,
    owner_id      TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'queued'
        CHECK (status IN ('queued','building','signing','uploading','completed','failed')),
    progress      INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    error_code    TEXT,
    error_message TEXT,
    artifact      TEXT,
    created_at    INTEGER NOT NULL,
    started_at    INTEGER,
    finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_build_jobs_app ON build_jobs(app_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_build_jobs_one_active
    ON build_jobs(app_id) WHERE status NOT IN ('completed','failed');

-- Append-only, order-preserving build output. Ordered by rowid.
CREATE TABLE IF NOT EXISTS build_job_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES build_jobs(id) ON DELETE CASCADE,
    line       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_job_logs_job ON build_job_logs(job_id, id);
`
