package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", "count", len(migrations))

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            participant_key TEXT NOT NULL,
            publication_key TEXT NOT NULL DEFAULT '',
            publication_id TEXT,
            last_message_id UUID,
            last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(participant_key, publication_key)
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id UUID NOT NULL REFERENCES conversations(id),
            user_id TEXT NOT NULL,
            unread_count INT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
            archived BOOLEAN NOT NULL DEFAULT FALSE,
            blocked BOOLEAN NOT NULL DEFAULT FALSE,
            hidden BOOLEAN NOT NULL DEFAULT FALSE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            seq BIGSERIAL NOT NULL,
            conversation_id UUID NOT NULL REFERENCES conversations(id),
            sender_id TEXT NOT NULL,
            recipients TEXT[] NOT NULL DEFAULT '{}',
            type TEXT NOT NULL,
            content JSONB NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'sent',
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            edited_at TIMESTAMPTZ,
            edit_history JSONB NOT NULL DEFAULT '[]',
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            deleted_by TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at DESC, seq DESC);`,
	`CREATE TABLE IF NOT EXISTS message_receipts (
            message_id UUID NOT NULL REFERENCES messages(id),
            user_id TEXT NOT NULL,
            delivered_at TIMESTAMPTZ,
            read_at TIMESTAMPTZ,
            PRIMARY KEY(message_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS message_receipts_unread_idx ON message_receipts (user_id) WHERE read_at IS NULL;`,
	`CREATE TABLE IF NOT EXISTS exchange_proposals (
            message_id UUID PRIMARY KEY REFERENCES messages(id),
            proposer TEXT NOT NULL,
            offered_items JSONB NOT NULL,
            requested_items JSONB NOT NULL,
            terms TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            expires_at TIMESTAMPTZ NOT NULL,
            responded_by TEXT,
            responded_at TIMESTAMPTZ,
            counter_of UUID,
            countered_by UUID
        );`,
	`CREATE INDEX IF NOT EXISTS exchange_proposals_pending_idx ON exchange_proposals (expires_at) WHERE status = 'pending';`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
