package apps

// Schema contains the DDL for the app and settings tables. The settings row
// is a singleton (id=1), seeded here so reads never miss.
const Schema = `
-- Convertible projects and their publication status.
CREATE TABLE IF NOT EXISTS apps (
    id                     TEXT PRIMARY KEY,
    owner_id               TEXT NOT NULL,
    name                   TEXT NOT NULL,
    description            TEXT NOT NULL DEFAULT '',
    status                 TEXT NOT NULL DEFAULT 'draft'
        CHECK (status IN ('draft','building','pending_review','published','rejected','unpublished')),
    domain_verification_id TEXT,
    latest_build_job_id    TEXT,
    package_artifact       TEXT,
    rejection_reason       TEXT,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_apps_owner ON apps(owner_id);
CREATE INDEX IF NOT EXISTS idx_apps_status ON apps(status);

-- Platform-wide configuration. Always the row with id=1.
CREATE TABLE IF NOT EXISTS settings (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    review_mode          TEXT NOT NULL DEFAULT 'manual'
        CHECK (review_mode IN ('auto','manual')),
    force_verify_enabled INTEGER NOT NULL DEFAULT 0,
    updated_at           INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
INSERT OR IGNORE INTO settings (id) VALUES (1);
`
