package observability

import "database/sql"

// Schema contains the DDL for the observability tables.
// Call Init(db) to apply it, or embed the constant in your own schema
// management.
const Schema = `
-- Business events: one row per domain-level action (app transition,
-- verification result, build terminal). Append-only.
CREATE TABLE IF NOT EXISTS business_event_logs (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    service_name TEXT NOT NULL,
    entity_type  TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    user_id      TEXT,
    action       TEXT NOT NULL,
    details      TEXT,
    success      INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_business_events_entity
    ON business_event_logs(entity_type, entity_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_business_events_time
    ON business_event_logs(created_at DESC);
`

// Init applies the observability schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
