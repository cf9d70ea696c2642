package store

import (
	"context"
	"database/sql"
)

// migrations run in order at startup; every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INT NOT NULL DEFAULT 4370,
		password INT NOT NULL DEFAULT 0,
		timeout_seconds INT NOT NULL DEFAULT 8,
		tolerance_minutes INT NOT NULL DEFAULT 10,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		note TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS persons (
		id UUID PRIMARY KEY,
		display_name TEXT NOT NULL,
		badge_id TEXT,
		role TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS persons_badge_idx ON persons (badge_id)`,
	`CREATE TABLE IF NOT EXISTS device_users (
		id UUID PRIMARY KEY,
		device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		device_uid INT NOT NULL DEFAULT 0,
		device_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		person_id UUID REFERENCES persons(id) ON DELETE SET NULL
	)`,
	// One slot per device; uid 0 means the slot is not known yet.
	`CREATE UNIQUE INDEX IF NOT EXISTS device_users_slot_idx
		ON device_users (device_id, device_uid) WHERE device_uid > 0`,
	`CREATE TABLE IF NOT EXISTS punches (
		id UUID PRIMARY KEY,
		device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		device_local_user_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		status TEXT,
		raw TEXT,
		person_id UUID REFERENCES persons(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE (device_id, device_local_user_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		session_date DATE NOT NULL,
		start_hour DOUBLE PRECISION NOT NULL,
		end_hour DOUBLE PRECISION NOT NULL,
		teacher_person_id UUID REFERENCES persons(id) ON DELETE SET NULL,
		teacher_present BOOLEAN NOT NULL DEFAULT FALSE,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_date_idx ON sessions (session_date)`,
	`CREATE TABLE IF NOT EXISTS session_members (
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		person_id UUID NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
		state TEXT NOT NULL DEFAULT 'roster'
			CHECK (state IN ('roster', 'present', 'late', 'excused')),
		PRIMARY KEY (session_id, person_id)
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
