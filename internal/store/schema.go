package store

// schemaSQL is idempotent and runs on every start.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS payslip_documents (
    vendor_id           TEXT PRIMARY KEY,
    source_account      TEXT NOT NULL,
    company_name        TEXT NOT NULL,
    sub_path            TEXT NOT NULL,
    filename            TEXT NOT NULL,
    document_date       TEXT NOT NULL,
    issue_date          TIMESTAMPTZ,
    qualification_label TEXT NOT NULL,
    content_type        TEXT NOT NULL,
    metadata            JSONB NOT NULL,
    stored_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
    source_account TEXT PRIMARY KEY,
    record         JSONB NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id             UUID PRIMARY KEY,
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ,
    status         TEXT NOT NULL,
    full_refresh   BOOLEAN NOT NULL,
    reason         TEXT NOT NULL,
    source_account TEXT,
    documents      INTEGER NOT NULL DEFAULT 0,
    error          TEXT
);

CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at DESC);
`
