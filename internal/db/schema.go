package db

import (
	"context"
	"fmt"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const roomsSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL UNIQUE,
	owner_id UUID NOT NULL REFERENCES users(id),
	current_dj_id UUID REFERENCES users(id),
	settings JSONB NOT NULL DEFAULT '{}',
	active_vote_id UUID,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const roomMembersSchema = `
CREATE TABLE IF NOT EXISTS room_members (
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL DEFAULT 'listener',
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (room_id, user_id)
);`

// The partial unique index is what makes concurrent vote starts safe: the
// second INSERT of an active session for the same room fails instead of
// racing.
const voteSessionsSchema = `
CREATE TABLE IF NOT EXISTS vote_sessions (
	id UUID PRIMARY KEY,
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	target_dj_id UUID,
	eligible INT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_by UUID NOT NULL,
	winner_id UUID,
	passed BOOLEAN,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS vote_sessions_one_active_per_room
	ON vote_sessions (room_id) WHERE status = 'active';`

const votesSchema = `
CREATE TABLE IF NOT EXISTS votes (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES vote_sessions(id) ON DELETE CASCADE,
	voter_id UUID NOT NULL,
	candidate_id UUID,
	approve BOOLEAN,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, voter_id)
);`

// At most one open tenure per room; the open row is the sitting DJ.
const djHistorySchema = `
CREATE TABLE IF NOT EXISTS dj_history (
	id BIGSERIAL PRIMARY KEY,
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id UUID NOT NULL,
	became_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	removed_at TIMESTAMPTZ,
	removal_reason TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS dj_history_one_open_per_room
	ON dj_history (room_id) WHERE removed_at IS NULL;`

const chatMessagesSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id BIGSERIAL PRIMARY KEY,
	room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id UUID NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_messages_room_idx
	ON chat_messages (room_id, id DESC);`

// Migrate creates every table and index the server needs. All statements are
// idempotent, so running it on every boot is safe.
func (db *Database) Migrate(ctx context.Context) error {
	schemas := []string{
		usersSchema,
		roomsSchema,
		roomMembersSchema,
		voteSessionsSchema,
		votesSchema,
		djHistorySchema,
		chatMessagesSchema,
	}
	for _, schema := range schemas {
		if _, err := db.pool.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
