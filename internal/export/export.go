package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"biosync/internal/directory"
	"biosync/internal/sync"
)

// Request is the explicit parameter object for an export: which device,
// and for punches an optional timestamp range.
type Request struct {
	DeviceID string
	From     *time.Time
	To       *time.Time
}

// Exporter writes flat tabular dumps of punches and device users.
type Exporter struct {
	store   sync.Store
	persons directory.Directory
}

func NewExporter(store sync.Store, persons directory.Directory) *Exporter {
	return &Exporter{store: store, persons: persons}
}

// Punches writes a CSV dump of the device's punches.
func (e *Exporter) Punches(ctx context.Context, w io.Writer, req Request) error {
	dev, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("unknown device %s", req.DeviceID)
	}
	punches, err := e.store.ListPunches(ctx, sync.PunchFilter{DeviceID: req.DeviceID, From: req.From, To: req.To})
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"id", "device_id", "device_name", "device_host", "device_local_user_id",
		"timestamp", "status", "person_id", "person_name", "raw",
	}); err != nil {
		return err
	}
	for _, p := range punches {
		personID, personName := "", ""
		if p.PersonID != nil {
			personID = *p.PersonID
			personName = e.personName(ctx, personID)
		}
		row := []string{
			p.ID, p.DeviceID, dev.Name, dev.Host, p.DeviceLocalUserID,
			p.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			p.Status, personID, personName,
			strings.ReplaceAll(p.Raw, "\n", `\n`),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Users writes a CSV dump of the device's enrollment records.
func (e *Exporter) Users(ctx context.Context, w io.Writer, req Request) error {
	dev, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("unknown device %s", req.DeviceID)
	}
	users, err := e.store.ListDeviceUsers(ctx, req.DeviceID, false)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"id", "name", "device_id", "device_name", "device_uid", "device_user_id", "person_id", "person_name",
	}); err != nil {
		return err
	}
	for _, u := range users {
		personID, personName := "", ""
		if u.PersonID != nil {
			personID = *u.PersonID
			personName = e.personName(ctx, personID)
		}
		row := []string{
			u.ID, u.Name, u.DeviceID, dev.Name,
			fmt.Sprintf("%d", u.DeviceUID), u.DeviceUserID, personID, personName,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) personName(ctx context.Context, id string) string {
	if p, err := e.persons.Get(ctx, id); err == nil && p != nil {
		return p.DisplayName
	}
	return ""
}
