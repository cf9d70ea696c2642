package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the persistence surface the sync, identity, reconcile and
// export services depend on. Repository is the Postgres implementation.
type Store interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, activeOnly bool) ([]Device, error)

	FindDeviceUser(ctx context.Context, deviceID, localID string) (*DeviceUser, error)
	GetDeviceUserByUID(ctx context.Context, deviceID string, uid int) (*DeviceUser, error)
	CreateDeviceUser(ctx context.Context, du *DeviceUser) error
	UpdateDeviceUserName(ctx context.Context, id, name string) error
	SetDeviceUserUID(ctx context.Context, id string, uid int) error
	LinkPerson(ctx context.Context, id, personID string) error
	ListDeviceUsers(ctx context.Context, deviceID string, onlyLinked bool) ([]DeviceUser, error)

	InsertPunch(ctx context.Context, p *Punch) (bool, error)
	ListPunches(ctx context.Context, f PunchFilter) ([]Punch, error)
}

// Repository persists sync data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const deviceCols = `id, name, host, port, password, timeout_seconds, tolerance_minutes, active, COALESCE(note, ''), created_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &d.Password, &d.TimeoutSeconds,
		&d.ToleranceMinutes, &d.Active, &d.Note, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDevice registers a new terminal configuration.
func (r *Repository) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Port == 0 {
		d.Port = 4370
	}
	d.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, host, port, password, timeout_seconds, tolerance_minutes, active, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, d.ID, d.Name, d.Host, d.Port, d.Password, d.TimeoutSeconds, d.ToleranceMinutes, d.Active, d.Note, d.CreatedAt)
	return err
}

// UpdateDevice rewrites a terminal configuration.
func (r *Repository) UpdateDevice(ctx context.Context, d *Device) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET name=$2, host=$3, port=$4, password=$5, timeout_seconds=$6, tolerance_minutes=$7, active=$8, note=$9
		WHERE id=$1
	`, d.ID, d.Name, d.Host, d.Port, d.Password, d.TimeoutSeconds, d.ToleranceMinutes, d.Active, d.Note)
	return err
}

// GetDevice returns one device or nil.
func (r *Repository) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// ListDevices returns devices, optionally only active ones.
func (r *Repository) ListDevices(ctx context.Context, activeOnly bool) ([]Device, error) {
	query := `SELECT ` + deviceCols + ` FROM devices`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *d)
	}
	return res, rows.Err()
}

const deviceUserCols = `id, device_id, device_uid, device_user_id, name, person_id`

func scanDeviceUser(row interface{ Scan(...any) error }) (*DeviceUser, error) {
	var du DeviceUser
	var personID sql.NullString
	if err := row.Scan(&du.ID, &du.DeviceID, &du.DeviceUID, &du.DeviceUserID, &du.Name, &personID); err != nil {
		return nil, err
	}
	if personID.Valid {
		du.PersonID = &personID.String
	}
	return &du, nil
}

// FindDeviceUser resolves a punch's device-local identifier against the
// enrollment records, matching the textual user id or the numeric slot.
func (r *Repository) FindDeviceUser(ctx context.Context, deviceID, localID string) (*DeviceUser, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceUserCols+`
		FROM device_users
		WHERE device_id = $1 AND (device_user_id = $2 OR device_uid::text = $2)
		LIMIT 1
	`, deviceID, localID)
	du, err := scanDeviceUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return du, err
}

// GetDeviceUserByUID returns the enrollment record holding a terminal slot.
func (r *Repository) GetDeviceUserByUID(ctx context.Context, deviceID string, uid int) (*DeviceUser, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+deviceUserCols+` FROM device_users WHERE device_id = $1 AND device_uid = $2
	`, deviceID, uid)
	du, err := scanDeviceUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return du, err
}

// CreateDeviceUser inserts a new enrollment record.
func (r *Repository) CreateDeviceUser(ctx context.Context, du *DeviceUser) error {
	if du.ID == "" {
		du.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_users (id, device_id, device_uid, device_user_id, name, person_id)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, du.ID, du.DeviceID, du.DeviceUID, du.DeviceUserID, du.Name, du.PersonID)
	return err
}

// UpdateDeviceUserName rewrites the stored display name.
func (r *Repository) UpdateDeviceUserName(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_users SET name = $2 WHERE id = $1`, id, name)
	return err
}

// SetDeviceUserUID records the terminal slot once it becomes known.
func (r *Repository) SetDeviceUserUID(ctx context.Context, id string, uid int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_users SET device_uid = $2 WHERE id = $1`, id, uid)
	return err
}

// LinkPerson binds an enrollment record to a person.
func (r *Repository) LinkPerson(ctx context.Context, id, personID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_users SET person_id = $2 WHERE id = $1`, id, personID)
	return err
}

// ListDeviceUsers returns enrollment records for a device.
func (r *Repository) ListDeviceUsers(ctx context.Context, deviceID string, onlyLinked bool) ([]DeviceUser, error) {
	query := `SELECT ` + deviceUserCols + ` FROM device_users WHERE device_id = $1`
	if onlyLinked {
		query += ` AND person_id IS NOT NULL`
	}
	query += ` ORDER BY device_uid, device_user_id`
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DeviceUser
	for rows.Next() {
		du, err := scanDeviceUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *du)
	}
	return res, rows.Err()
}

// InsertPunch writes one punch. The uniqueness constraint on
// (device_id, device_local_user_id, ts) makes the insert idempotent:
// created is false when an identical punch already exists. Each insert is
// a single statement, so one conflict never poisons the rest of a batch.
func (r *Repository) InsertPunch(ctx context.Context, p *Punch) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO punches (id, device_id, device_local_user_id, ts, status, raw, person_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (device_id, device_local_user_id, ts) DO NOTHING
	`, p.ID, p.DeviceID, p.DeviceLocalUserID, p.Timestamp, p.Status, p.Raw, p.PersonID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPunches returns punches matching the filter, oldest first.
func (r *Repository) ListPunches(ctx context.Context, f PunchFilter) ([]Punch, error) {
	query := `
		SELECT id, device_id, device_local_user_id, ts, COALESCE(status, ''), COALESCE(raw, ''), person_id, created_at
		FROM punches WHERE device_id = $1`
	args := []any{f.DeviceID}
	if f.From != nil {
		args = append(args, *f.From)
		query += ` AND ts >= $` + itoa(len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += ` AND ts <= $` + itoa(len(args))
	}
	query += ` ORDER BY ts`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Punch
	for rows.Next() {
		var p Punch
		var personID sql.NullString
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.DeviceLocalUserID, &p.Timestamp, &p.Status, &p.Raw, &personID, &p.CreatedAt); err != nil {
			return nil, err
		}
		if personID.Valid {
			p.PersonID = &personID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// isUniqueViolation reports whether err is SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
