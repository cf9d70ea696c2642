package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"biosync/internal/directory"
	"biosync/internal/sync"
)

type exportStore struct {
	device  *sync.Device
	punches []sync.Punch
	users   []sync.DeviceUser
	filter  sync.PunchFilter
}

func (s *exportStore) GetDevice(_ context.Context, id string) (*sync.Device, error) {
	if s.device != nil && s.device.ID == id {
		return s.device, nil
	}
	return nil, nil
}

func (s *exportStore) ListDevices(context.Context, bool) ([]sync.Device, error) { return nil, nil }
func (s *exportStore) FindDeviceUser(context.Context, string, string) (*sync.DeviceUser, error) {
	return nil, nil
}
func (s *exportStore) GetDeviceUserByUID(context.Context, string, int) (*sync.DeviceUser, error) {
	return nil, nil
}
func (s *exportStore) CreateDeviceUser(context.Context, *sync.DeviceUser) error   { return nil }
func (s *exportStore) UpdateDeviceUserName(context.Context, string, string) error { return nil }
func (s *exportStore) SetDeviceUserUID(context.Context, string, int) error        { return nil }
func (s *exportStore) LinkPerson(context.Context, string, string) error           { return nil }

func (s *exportStore) ListDeviceUsers(context.Context, string, bool) ([]sync.DeviceUser, error) {
	return s.users, nil
}

func (s *exportStore) InsertPunch(context.Context, *sync.Punch) (bool, error) { return false, nil }

func (s *exportStore) ListPunches(_ context.Context, f sync.PunchFilter) ([]sync.Punch, error) {
	s.filter = f
	return s.punches, nil
}

type nameDirectory struct {
	names map[string]string
}

func (d *nameDirectory) Get(_ context.Context, id string) (*directory.Person, error) {
	if name, ok := d.names[id]; ok {
		return &directory.Person{ID: id, DisplayName: name}, nil
	}
	return nil, nil
}

func (d *nameDirectory) FindByBadge(context.Context, string) ([]directory.Person, error) {
	return nil, nil
}

func TestPunchesCSV(t *testing.T) {
	personID := "p-1"
	ts := time.Date(2024, 1, 10, 8, 58, 0, 0, time.UTC)
	store := &exportStore{
		device: &sync.Device{ID: "dev-1", Name: "Gate A", Host: "10.0.0.5"},
		punches: []sync.Punch{
			{ID: "pu-1", DeviceID: "dev-1", DeviceLocalUserID: "7", Timestamp: ts, Status: "0", Raw: "line one\nline two", PersonID: &personID},
			{ID: "pu-2", DeviceID: "dev-1", DeviceLocalUserID: "9", Timestamp: ts.Add(time.Minute)},
		},
	}
	e := NewExporter(store, &nameDirectory{names: map[string]string{"p-1": "Aisha K"}})

	var buf bytes.Buffer
	from := ts.Add(-time.Hour)
	err := e.Punches(context.Background(), &buf, Request{DeviceID: "dev-1", From: &from})
	require.NoError(t, err)
	require.Equal(t, &from, store.filter.From)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{
		"id", "device_id", "device_name", "device_host", "device_local_user_id",
		"timestamp", "status", "person_id", "person_name", "raw",
	}, rows[0])
	require.Equal(t, []string{
		"pu-1", "dev-1", "Gate A", "10.0.0.5", "7",
		"2024-01-10 08:58:00", "0", "p-1", "Aisha K", `line one\nline two`,
	}, rows[1])
	// Unlinked punch leaves the person columns empty.
	require.Equal(t, "", rows[2][7])
	require.Equal(t, "", rows[2][8])
}

func TestPunchesUnknownDevice(t *testing.T) {
	e := NewExporter(&exportStore{}, &nameDirectory{})
	var buf bytes.Buffer
	err := e.Punches(context.Background(), &buf, Request{DeviceID: "missing"})
	require.Error(t, err)
	require.Zero(t, buf.Len())
}

func TestUsersCSV(t *testing.T) {
	personID := "p-1"
	store := &exportStore{
		device: &sync.Device{ID: "dev-1", Name: "Gate A"},
		users: []sync.DeviceUser{
			{ID: "du-1", DeviceID: "dev-1", DeviceUID: 3, DeviceUserID: "7", Name: "Aisha K", PersonID: &personID},
			{ID: "du-2", DeviceID: "dev-1", DeviceUserID: "9", Name: "Unknown"},
		},
	}
	e := NewExporter(store, &nameDirectory{names: map[string]string{"p-1": "Aisha Khalid"}})

	var buf bytes.Buffer
	err := e.Users(context.Background(), &buf, Request{DeviceID: "dev-1"})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{
		"id", "name", "device_id", "device_name", "device_uid", "device_user_id", "person_id", "person_name",
	}, rows[0])
	require.Equal(t, []string{"du-1", "Aisha K", "dev-1", "Gate A", "3", "7", "p-1", "Aisha Khalid"}, rows[1])
	require.Equal(t, []string{"du-2", "Unknown", "dev-1", "Gate A", "0", "9", "", ""}, rows[2])
}
