package drafts

// Schema contains the DDL for the two draft tiers. The content tier
// holds the full wizard payload; the index tier holds the cheap summary
// the dashboard lists without touching payload blobs. One draft per
// owner, overwritten in place.
const Schema = `
CREATE TABLE IF NOT EXISTS draft_payloads (
    owner_id TEXT PRIMARY KEY,
    payload  BLOB NOT NULL,
    saved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS draft_index (
    owner_id        TEXT PRIMARY KEY,
    step            INTEGER NOT NULL DEFAULT 0,
    name            TEXT NOT NULL DEFAULT '',
    domain          TEXT NOT NULL DEFAULT '',
    has_icon        INTEGER NOT NULL DEFAULT 0,
    has_screenshots INTEGER NOT NULL DEFAULT 0,
    saved_at        INTEGER NOT NULL
);
`
