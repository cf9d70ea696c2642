package directory

import (
	"context"
	"database/sql"
	"errors"
)

// Person is an organization-wide identity (student/teacher/staff). It is
// owned by the organizational record store; this package only reads it.
type Person struct {
	ID          string
	DisplayName string
	BadgeID     string
	Role        string
}

// Directory is the person-lookup capability consumed by the linker and
// the reconciler.
type Directory interface {
	Get(ctx context.Context, id string) (*Person, error)
	// FindByBadge returns every person carrying the badge identifier.
	// Zero or multiple matches are the caller's problem, not an error.
	FindByBadge(ctx context.Context, badgeID string) ([]Person, error)
}

// SQLDirectory reads persons from the shared Postgres instance.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Get(ctx context.Context, id string) (*Person, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(badge_id, ''), COALESCE(role, '')
		FROM persons WHERE id = $1
	`, id)
	var p Person
	if err := row.Scan(&p.ID, &p.DisplayName, &p.BadgeID, &p.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *SQLDirectory) FindByBadge(ctx context.Context, badgeID string) ([]Person, error) {
	if badgeID == "" {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, display_name, COALESCE(badge_id, ''), COALESCE(role, '')
		FROM persons WHERE badge_id = $1
	`, badgeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.BadgeID, &p.Role); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
