package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
)

// SQL for the federation tables
const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		inbox TEXT NOT NULL,
		outbox TEXT NOT NULL DEFAULT ''
	)`

	sqlCreateUsersTable = `CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL UNIQUE REFERENCES actors(id),
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		acct TEXT NOT NULL,
		remote INTEGER NOT NULL DEFAULT 0,
		url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		icon_url TEXT NOT NULL DEFAULT '',
		key_id TEXT NOT NULL DEFAULT ''
	)`

	// Follow edges are keyed by the Follow activity URI
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL REFERENCES actors(id),
		followed_id TEXT NOT NULL REFERENCES actors(id),
		created_at TEXT NOT NULL,
		UNIQUE(follower_id, followed_id)
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		boosted_post_id TEXT REFERENCES posts(id)
	)`

	sqlCreateAttachmentsTable = `CREATE TABLE IF NOT EXISTS attachments (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id),
		url TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		marked_sensitive INTEGER NOT NULL DEFAULT 0,
		alt TEXT NOT NULL DEFAULT ''
	)`

	// Audit log of everything this server dispatched
	sqlCreateOutboundActivitiesTable = `CREATE TABLE IF NOT EXISTS outbound_activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		key_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`

	sqlCreateDeadLettersTable = `CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`
)

// migrations are applied in order; the index of the last applied one is kept
// in PRAGMA user_version.
var migrations = [][]string{
	{
		sqlCreateActorsTable,
		sqlCreateUsersTable,
		sqlCreateFollowsTable,
		sqlCreatePostsTable,
		sqlCreateAttachmentsTable,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
		`CREATE INDEX IF NOT EXISTS idx_follows_followed_id ON follows(followed_id)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_user_id ON posts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_post_id ON attachments(post_id)`,
	},
	{
		sqlCreateOutboundActivitiesTable,
		sqlCreateDeliveryQueueTable,
		sqlCreateDeadLettersTable,
		`CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at)`,
	},
}

// RunMigrations brings the schema up to date
func (db *DB) RunMigrations(ctx context.Context) error {
	var version int
	if err := db.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		step := migrations[i]
		next := i + 1
		err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range step {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", next))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d failed: %w", next, err)
		}
		log.Info("Applied migration", "version", next)
	}

	return nil
}
