package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"biosync/internal/device"
	"biosync/internal/directory"
	"biosync/internal/sync"
)

// fakeDirectory serves persons from memory.
type fakeDirectory struct {
	persons []directory.Person
}

func (f *fakeDirectory) Get(_ context.Context, id string) (*directory.Person, error) {
	for _, p := range f.persons {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) FindByBadge(_ context.Context, badgeID string) ([]directory.Person, error) {
	var res []directory.Person
	for _, p := range f.persons {
		if p.BadgeID == badgeID {
			res = append(res, p)
		}
	}
	return res, nil
}

// linkStore records link writes; only the methods the linker touches are
// meaningful.
type linkStore struct {
	users     []*sync.DeviceUser
	linkCalls int
	nameCalls int
	uidCalls  int
}

func (s *linkStore) GetDevice(context.Context, string) (*sync.Device, error) { return nil, nil }
func (s *linkStore) ListDevices(context.Context, bool) ([]sync.Device, error) {
	return nil, nil
}
func (s *linkStore) FindDeviceUser(context.Context, string, string) (*sync.DeviceUser, error) {
	return nil, nil
}
func (s *linkStore) GetDeviceUserByUID(context.Context, string, int) (*sync.DeviceUser, error) {
	return nil, nil
}
func (s *linkStore) CreateDeviceUser(context.Context, *sync.DeviceUser) error { return nil }

func (s *linkStore) UpdateDeviceUserName(_ context.Context, id, name string) error {
	s.nameCalls++
	for _, du := range s.users {
		if du.ID == id {
			du.Name = name
		}
	}
	return nil
}

func (s *linkStore) SetDeviceUserUID(_ context.Context, id string, uid int) error {
	s.uidCalls++
	for _, du := range s.users {
		if du.ID == id {
			du.DeviceUID = uid
		}
	}
	return nil
}

func (s *linkStore) LinkPerson(_ context.Context, id, personID string) error {
	s.linkCalls++
	for _, du := range s.users {
		if du.ID == id {
			du.PersonID = &personID
		}
	}
	return nil
}

func (s *linkStore) ListDeviceUsers(_ context.Context, deviceID string, onlyLinked bool) ([]sync.DeviceUser, error) {
	var res []sync.DeviceUser
	for _, du := range s.users {
		if du.DeviceID != deviceID {
			continue
		}
		if onlyLinked && du.PersonID == nil {
			continue
		}
		res = append(res, *du)
	}
	return res, nil
}

func (s *linkStore) InsertPunch(context.Context, *sync.Punch) (bool, error) { return false, nil }
func (s *linkStore) ListPunches(context.Context, sync.PunchFilter) ([]sync.Punch, error) {
	return nil, nil
}

type pushOpener struct {
	session *pushSession
}

func (o *pushOpener) Open(device.Config) device.Transport { return o }
func (o *pushOpener) Connect(context.Context) (device.Session, error) {
	return o.session, nil
}

type pushSession struct {
	remote   []device.UserRecord
	set      []device.UserRecord
	rejected map[int]bool
}

func (s *pushSession) DisableIntake(context.Context) error { return nil }
func (s *pushSession) EnableIntake(context.Context) error  { return nil }
func (s *pushSession) Close() error                        { return nil }
func (s *pushSession) Users(context.Context) ([]device.UserRecord, error) {
	return s.remote, nil
}
func (s *pushSession) Punches(context.Context) ([]device.RawPunch, error) { return nil, nil }

func (s *pushSession) SetUser(_ context.Context, rec device.UserRecord) (bool, error) {
	if s.rejected[rec.UID] {
		return false, nil
	}
	s.set = append(s.set, rec)
	return true, nil
}

func TestResolveExplicitLinkWins(t *testing.T) {
	personID := "p-1"
	dir := &fakeDirectory{persons: []directory.Person{
		{ID: "p-1", DisplayName: "Aisha K", BadgeID: "7"},
		{ID: "p-2", DisplayName: "Impostor", BadgeID: "7"},
	}}
	store := &linkStore{}
	l := NewLinker(store, dir, &pushOpener{})

	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUserID: "7", PersonID: &personID}
	p, err := l.Resolve(context.Background(), du)
	require.NoError(t, err)
	require.Equal(t, "p-1", p.ID)
	// The ambiguous badge must not disturb the stored link.
	require.Zero(t, store.linkCalls)
}

func TestResolveBadgeMatchMemoizes(t *testing.T) {
	dir := &fakeDirectory{persons: []directory.Person{{ID: "p-1", DisplayName: "Aisha K", BadgeID: "7"}}}
	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUserID: "7"}
	store := &linkStore{users: []*sync.DeviceUser{du}}
	l := NewLinker(store, dir, &pushOpener{})

	p, err := l.Resolve(context.Background(), du)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, 1, store.linkCalls)
	require.NotNil(t, du.PersonID)

	// Re-running resolves through the link, not the badge.
	dir.persons = append(dir.persons, directory.Person{ID: "p-2", BadgeID: "7"})
	p, err = l.Resolve(context.Background(), du)
	require.NoError(t, err)
	require.Equal(t, "p-1", p.ID)
	require.Equal(t, 1, store.linkCalls)
}

func TestResolveAmbiguousBadgeStaysUnlinked(t *testing.T) {
	dir := &fakeDirectory{persons: []directory.Person{
		{ID: "p-1", BadgeID: "7"},
		{ID: "p-2", BadgeID: "7"},
	}}
	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUserID: "7"}
	store := &linkStore{users: []*sync.DeviceUser{du}}
	l := NewLinker(store, dir, &pushOpener{})

	p, err := l.Resolve(context.Background(), du)
	require.NoError(t, err)
	require.Nil(t, p)
	require.Zero(t, store.linkCalls)
	require.Nil(t, du.PersonID)
}

func TestPushEnrollmentPrefersPersonName(t *testing.T) {
	personID := "p-1"
	dir := &fakeDirectory{persons: []directory.Person{{ID: "p-1", DisplayName: "Aisha Khalid", BadgeID: "1007"}}}
	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUID: 1, DeviceUserID: "7", Name: "Aisha K", PersonID: &personID}
	store := &linkStore{users: []*sync.DeviceUser{du}}
	sess := &pushSession{remote: []device.UserRecord{{UID: 1, Name: "Aisha K"}}}
	l := NewLinker(store, dir, &pushOpener{session: sess})

	report, err := l.PushEnrollment(context.Background(), []sync.Device{{ID: "dev-1", Name: "Gate A"}}, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
	require.Equal(t, 1, report.UpdatedRemote)
	require.Equal(t, 1, report.UpdatedLocal)
	require.Equal(t, "Aisha Khalid", du.Name)
	require.Len(t, sess.set, 1)
	require.Equal(t, "Aisha Khalid", sess.set[0].Name)
	require.Equal(t, int64(1007), sess.set[0].Card)
}

func TestPushEnrollmentAllocatesFreeUID(t *testing.T) {
	dir := &fakeDirectory{}
	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUID: 0, DeviceUserID: "9", Name: "New Person"}
	store := &linkStore{users: []*sync.DeviceUser{du}}
	sess := &pushSession{remote: []device.UserRecord{{UID: 1, Name: "A"}, {UID: 3, Name: "B"}}}
	l := NewLinker(store, dir, &pushOpener{session: sess})

	report, err := l.PushEnrollment(context.Background(), []sync.Device{{ID: "dev-1"}}, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
	require.Equal(t, 1, report.CreatedRemote)
	require.Len(t, sess.set, 1)
	require.Equal(t, 4, sess.set[0].UID)
	require.Equal(t, 4, du.DeviceUID)
}

func TestPushEnrollmentTruncatesName(t *testing.T) {
	long := strings.Repeat("Abdurrahman ", 5)
	dir := &fakeDirectory{}
	du := &sync.DeviceUser{ID: "du-1", DeviceID: "dev-1", DeviceUID: 1, DeviceUserID: "7", Name: long}
	store := &linkStore{users: []*sync.DeviceUser{du}}
	sess := &pushSession{}
	l := NewLinker(store, dir, &pushOpener{session: sess})

	_, err := l.PushEnrollment(context.Background(), []sync.Device{{ID: "dev-1"}}, PushOptions{})
	require.NoError(t, err)
	require.Len(t, sess.set, 1)
	require.Len(t, sess.set[0].Name, 31)
}

func TestPushEnrollmentRejectionIsIsolated(t *testing.T) {
	dir := &fakeDirectory{}
	store := &linkStore{users: []*sync.DeviceUser{
		{ID: "du-1", DeviceID: "dev-1", DeviceUID: 1, DeviceUserID: "7", Name: "A"},
		{ID: "du-2", DeviceID: "dev-1", DeviceUID: 2, DeviceUserID: "8", Name: "B"},
	}}
	sess := &pushSession{rejected: map[int]bool{1: true}}
	l := NewLinker(store, dir, &pushOpener{session: sess})

	report, err := l.PushEnrollment(context.Background(), []sync.Device{{ID: "dev-1"}}, PushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Pushed)
}
