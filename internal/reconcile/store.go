package reconcile

import (
	"context"
	"database/sql"
	"time"
)

// memberState values for session_members rows. "roster" means enrolled
// but unmarked (absent).
const (
	stateRoster  = "roster"
	statePresent = "present"
	stateLate    = "late"
	stateExcused = "excused"
)

// SQLSessionStore reads and writes sessions in the shared Postgres
// instance.
type SQLSessionStore struct {
	db *sql.DB
}

func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

// FindOpenSessions returns the unlocked sessions scheduled on a calendar
// date, with their membership sets loaded.
func (s *SQLSessionStore) FindOpenSessions(ctx context.Context, date time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_date, start_hour, end_hour, teacher_person_id, teacher_present, locked, COALESCE(note, '')
		FROM sessions
		WHERE session_date = $1 AND NOT locked
		ORDER BY start_hour
	`, date.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess := Session{
			Present: make(map[string]bool),
			Late:    make(map[string]bool),
			Excused: make(map[string]bool),
		}
		var teacher sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Date, &sess.StartHour, &sess.EndHour, &teacher, &sess.TeacherPresent, &sess.Locked, &sess.Note); err != nil {
			return nil, err
		}
		if teacher.Valid {
			sess.TeacherPersonID = &teacher.String
		}
		sess.Date = sess.Date.UTC().Truncate(24 * time.Hour)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		if err := s.loadMembers(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *SQLSessionStore) loadMembers(ctx context.Context, sess *Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person_id, state FROM session_members WHERE session_id = $1
	`, sess.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var personID, state string
		if err := rows.Scan(&personID, &state); err != nil {
			return err
		}
		sess.Roster = append(sess.Roster, personID)
		switch state {
		case statePresent:
			sess.Present[personID] = true
		case stateLate:
			sess.Late[personID] = true
		case stateExcused:
			sess.Excused[personID] = true
		}
	}
	return rows.Err()
}

// SaveSession persists a session's marks and note in one transaction, so
// a failure leaves the session untouched rather than half-written.
func (s *SQLSessionStore) SaveSession(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET teacher_present = $2, note = $3 WHERE id = $1 AND NOT locked
	`, sess.ID, sess.TeacherPresent, sess.Note); err != nil {
		return err
	}

	for _, personID := range sess.Roster {
		state := stateRoster
		switch {
		case sess.Present[personID]:
			state = statePresent
		case sess.Late[personID]:
			state = stateLate
		case sess.Excused[personID]:
			state = stateExcused
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE session_members SET state = $3 WHERE session_id = $1 AND person_id = $2
		`, sess.ID, personID, state); err != nil {
			return err
		}
	}
	return tx.Commit()
}
