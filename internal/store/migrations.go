package store

import "fmt"

// migration holds one schema migration. The postgres text is used when the
// store runs on PostgreSQL; everything else gets the sqlite text.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

func (m migration) forDriver(driver string) string {
	if driver == DriverPostgres && m.postgres != "" {
		return m.postgres
	}
	return m.sqlite
}

// migrations is the ordered list of schema migrations. Versions are
// sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id      TEXT NOT NULL UNIQUE,
	subject        TEXT NOT NULL DEFAULT '',
	sender_address TEXT NOT NULL,
	sender_name    TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'pending', 'closed')),
	priority       TEXT NOT NULL DEFAULT 'medium',
	assigned_to    TEXT,
	category       TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id     TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	response_type TEXT NOT NULL CHECK(response_type IN ('incoming', 'outgoing')),
	sender        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id    TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	response_id  INTEGER REFERENCES responses(id) ON DELETE SET NULL,
	filename     TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint  TEXT NOT NULL UNIQUE,
	processed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_updated_at ON tickets(updated_at);
CREATE INDEX IF NOT EXISTS idx_responses_ticket_id ON responses(ticket_id);
CREATE INDEX IF NOT EXISTS idx_attachments_ticket_id ON attachments(ticket_id);

INSERT INTO schema_version (version) VALUES (1);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id             BIGSERIAL PRIMARY KEY,
	ticket_id      TEXT NOT NULL UNIQUE,
	subject        TEXT NOT NULL DEFAULT '',
	sender_address TEXT NOT NULL,
	sender_name    TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'pending', 'closed')),
	priority       TEXT NOT NULL DEFAULT 'medium',
	assigned_to    TEXT,
	category       TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id            BIGSERIAL PRIMARY KEY,
	ticket_id     TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	response_type TEXT NOT NULL CHECK(response_type IN ('incoming', 'outgoing')),
	sender        TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id           BIGSERIAL PRIMARY KEY,
	ticket_id    TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
	response_id  BIGINT REFERENCES responses(id) ON DELETE SET NULL,
	filename     TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	id           BIGSERIAL PRIMARY KEY,
	fingerprint  TEXT NOT NULL UNIQUE,
	processed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_updated_at ON tickets(updated_at);
CREATE INDEX IF NOT EXISTS idx_responses_ticket_id ON responses(ticket_id);
CREATE INDEX IF NOT EXISTS idx_attachments_ticket_id ON attachments(ticket_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	var err error
	if s.driver == DriverPostgres {
		err = s.db.Get(&tableCount,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'schema_version'")
	} else {
		err = s.db.Get(&tableCount,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	}
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.forDriver(s.driver)); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}
