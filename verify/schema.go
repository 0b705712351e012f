package verify

// Schema contains the DDL for the domain verification table.
const Schema = `
-- Domain ownership claims. challenge_token is generated once per record and
-- never reused; status 'failed' is re-checkable, 'verified' is sticky.
CREATE TABLE IF NOT EXISTS domain_verifications (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    domain          TEXT NOT NULL,
    method          TEXT NOT NULL CHECK (method IN ('dns_txt', 'file')),
    status          TEXT NOT NULL DEFAULT 'pending'
                        CHECK (status IN ('pending', 'verified', 'failed')),
    challenge_token TEXT NOT NULL UNIQUE,
    verified_at     INTEGER,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verifications_owner ON domain_verifications(owner_id);
CREATE INDEX IF NOT EXISTS idx_verifications_owner_domain
    ON domain_verifications(owner_id, domain);
`
