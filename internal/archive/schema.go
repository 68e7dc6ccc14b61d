package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_timestamp
    ON chat_messages (session_id, timestamp);
`

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL DEFAULT '',
    recorded_at  TIMESTAMPTZ  NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    sample_rate  INTEGER      NOT NULL,
    size_bytes   BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recordings_session_id
    ON recordings (session_id);
`

// Migrate creates the archive tables if they do not exist. It is safe to run
// on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"chat_messages", ddlChatMessages},
		{"recordings", ddlRecordings},
	} {
		if _, err := pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("archive: migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
