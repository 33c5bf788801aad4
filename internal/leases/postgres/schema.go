package postgres

// Rows are never deleted; term keeps counting across handovers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS poller_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	term BIGINT NOT NULL DEFAULT 1 CHECK (term > 0),
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
