package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema if it does not exist. Every statement is
// idempotent so it runs on each start.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            type VARCHAR(10) CHECK (type IN ('private', 'group')) DEFAULT 'private',
            last_message TEXT NOT NULL DEFAULT '',
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            joined_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (conversation_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            reply_to_id TEXT,
            status VARCHAR(10) NOT NULL DEFAULT 'sent',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS message_attachments (
            message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
            position INT NOT NULL,
            name TEXT NOT NULL,
            url TEXT NOT NULL,
            size BIGINT NOT NULL DEFAULT 0,
            mime_type TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (message_id, position)
        )`,

		`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
            emoji TEXT NOT NULL,
            user_id TEXT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (message_id, emoji, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS stories (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            type VARCHAR(10) CHECK (type IN ('image', 'video', 'text')),
            url TEXT NOT NULL DEFAULT '',
            text TEXT NOT NULL DEFAULT '',
            background_color TEXT NOT NULL DEFAULT '',
            text_color TEXT NOT NULL DEFAULT '',
            font TEXT NOT NULL DEFAULT '',
            duration DOUBLE PRECISION,
            created_at TIMESTAMPTZ NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS stories_expires_idx ON stories (expires_at)`,

		`CREATE TABLE IF NOT EXISTS story_views (
            story_id TEXT REFERENCES stories(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            viewed_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (story_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS story_reactions (
            story_id TEXT REFERENCES stories(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            reacted_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (story_id, user_id)
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
