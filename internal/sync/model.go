package sync

import (
	"time"

	"biosync/internal/device"
)

// Device is a configured terminal. Deactivated devices are skipped by
// scheduled syncs but keep their historical data.
type Device struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	Password         int       `json:"password"`
	TimeoutSeconds   int       `json:"timeout_seconds"`
	ToleranceMinutes int       `json:"tolerance_minutes"`
	Active           bool      `json:"active"`
	Note             string    `json:"note,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Tolerance is the lateness grace period for this device's sessions.
func (d Device) Tolerance() time.Duration {
	if d.ToleranceMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(d.ToleranceMinutes) * time.Minute
}

// TransportConfig maps the stored device onto a dialable config.
func (d Device) TransportConfig() device.Config {
	return device.Config{
		Host:           d.Host,
		Port:           d.Port,
		Password:       d.Password,
		TimeoutSeconds: d.TimeoutSeconds,
	}
}

// DeviceUser is a device-local enrollment slot. DeviceUID is the slot
// number on the terminal (0 while unknown, e.g. created from a punch for a
// user the enrollment fetch has not seen yet). PersonID is a weak link to
// the organization-wide person.
type DeviceUser struct {
	ID           string  `json:"id"`
	DeviceID     string  `json:"device_id"`
	DeviceUID    int     `json:"device_uid"`
	DeviceUserID string  `json:"device_user_id"`
	Name         string  `json:"name"`
	PersonID     *string `json:"person_id,omitempty"`
}

// Punch is one persisted check-in event. (DeviceID, DeviceLocalUserID,
// Timestamp) is unique, which makes re-ingesting overlapping device
// history idempotent. PersonID is derived from the DeviceUser link at
// write time.
type Punch struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"device_id"`
	DeviceLocalUserID string    `json:"device_local_user_id"`
	Timestamp         time.Time `json:"timestamp"`
	Status            string    `json:"status,omitempty"`
	Raw               string    `json:"raw,omitempty"`
	PersonID          *string   `json:"person_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// PunchFilter narrows punch listings for export and reconciliation.
type PunchFilter struct {
	DeviceID string
	From     *time.Time
	To       *time.Time
}
