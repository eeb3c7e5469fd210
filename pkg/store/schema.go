package store

type migration struct {
	version int
	sql     string
}

// migrations are applied in order; each one records its own version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Account sessions: the recovery view of each account
CREATE TABLE IF NOT EXISTS account_sessions (
    account_id         TEXT PRIMARY KEY,
    state              TEXT NOT NULL,
    needs_reauth       BOOLEAN NOT NULL DEFAULT FALSE,
    reauth_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
    attempts           INTEGER NOT NULL DEFAULT 0,
    last_error         TEXT NOT NULL DEFAULT '',
    pending_auth_url   TEXT NOT NULL DEFAULT '',
    updated_at         DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
-- Reauthorization flows: one row per finished round trip
CREATE TABLE IF NOT EXISTS reauth_flows (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    attempts    INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reauth_flows_account ON reauth_flows(account_id, finished_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// defaultFlowLimit caps ListFlows when no limit is given.
const defaultFlowLimit = 50
