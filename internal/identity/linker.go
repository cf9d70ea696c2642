package identity

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"biosync/internal/device"
	"biosync/internal/directory"
	"biosync/internal/sync"
)

// deviceNameLimit is the terminals' display-name field size.
const deviceNameLimit = 31

// Linker maintains the mapping from device-local enrollment records to
// organization-wide persons.
type Linker struct {
	store   sync.Store
	persons directory.Directory
	bridge  device.Opener
}

// NewLinker creates a linker.
func NewLinker(store sync.Store, persons directory.Directory, bridge device.Opener) *Linker {
	return &Linker{store: store, persons: persons, bridge: bridge}
}

// Resolve returns the person linked to a device user. An explicit link
// always wins and is never re-derived, so a badge match that later turns
// ambiguous cannot disturb it. Without a link it falls back to matching
// the person badge identifier against the device-local user id, binding
// the link only on exactly one match. Zero or many matches resolve to nil
// without error.
func (l *Linker) Resolve(ctx context.Context, du *sync.DeviceUser) (*directory.Person, error) {
	if du == nil {
		return nil, nil
	}
	if du.PersonID != nil {
		return l.persons.Get(ctx, *du.PersonID)
	}

	matches, err := l.persons.FindByBadge(ctx, du.DeviceUserID)
	if err != nil {
		return nil, err
	}
	if len(matches) != 1 {
		return nil, nil
	}
	p := matches[0]
	if err := l.store.LinkPerson(ctx, du.ID, p.ID); err != nil {
		return nil, err
	}
	du.PersonID = &p.ID
	return &p, nil
}

// PushOptions filters which enrollment records get pushed to a device.
type PushOptions struct {
	OnlyLinked bool `json:"only_linked"`
}

// PushReport aggregates one enrollment push run.
type PushReport struct {
	Pushed        int `json:"pushed"`
	CreatedRemote int `json:"created_remote"`
	UpdatedRemote int `json:"updated_remote"`
	UpdatedLocal  int `json:"updated_local"`
	Skipped       int `json:"skipped"`
}

// PushEnrollment writes enrollment records out to the terminals so the
// device display names follow the person directory. The local record is
// updated first so a remote failure cannot leave the two disagreeing in
// the wrong direction; one record's failure never aborts the rest.
func (l *Linker) PushEnrollment(ctx context.Context, devices []sync.Device, opts PushOptions) (PushReport, error) {
	var report PushReport
	for _, dev := range devices {
		if err := l.pushDevice(ctx, dev, opts, &report); err != nil {
			return report, fmt.Errorf("push to device %s: %w", dev.Name, err)
		}
	}
	return report, nil
}

func (l *Linker) pushDevice(ctx context.Context, dev sync.Device, opts PushOptions, report *PushReport) error {
	tr := l.bridge.Open(dev.TransportConfig())
	return device.WithSession(ctx, tr, func(sess device.Session) error {
		remote, err := sess.Users(ctx)
		if err != nil {
			return fmt.Errorf("read device users: %w", err)
		}
		remoteNames := make(map[int]string, len(remote))
		usedUIDs := make(map[int]bool, len(remote))
		maxUID := 0
		for _, u := range remote {
			remoteNames[u.UID] = u.Name
			usedUIDs[u.UID] = true
			if u.UID > maxUID {
				maxUID = u.UID
			}
		}

		users, err := l.store.ListDeviceUsers(ctx, dev.ID, opts.OnlyLinked)
		if err != nil {
			return err
		}

		for _, du := range users {
			uid := du.DeviceUID
			if uid == 0 {
				maxUID++
				for usedUIDs[maxUID] {
					maxUID++
				}
				uid = maxUID
			}

			desired, card := l.desiredIdentity(ctx, &du)
			if du.Name != desired {
				if err := l.store.UpdateDeviceUserName(ctx, du.ID, desired); err != nil {
					log.Printf("push %s: local name update for %s failed: %v", dev.ID, du.ID, err)
				} else {
					report.UpdatedLocal++
				}
			}

			name := truncate(desired, deviceNameLimit)
			localID := du.DeviceUserID
			if localID == "" {
				localID = strconv.Itoa(uid)
			}
			ok, err := sess.SetUser(ctx, device.UserRecord{UID: uid, UserID: localID, Name: name, Card: card})
			if err != nil {
				log.Printf("push %s: set user uid=%d failed: %v", dev.ID, uid, err)
				report.Skipped++
				continue
			}
			if !ok {
				log.Printf("push %s: device rejected user uid=%d", dev.ID, uid)
				report.Skipped++
				continue
			}

			report.Pushed++
			prev, existed := remoteNames[uid]
			switch {
			case !existed || prev == "":
				report.CreatedRemote++
			case prev != name:
				report.UpdatedRemote++
			}
			remoteNames[uid] = name
			usedUIDs[uid] = true

			if du.DeviceUID == 0 {
				if err := l.store.SetDeviceUserUID(ctx, du.ID, uid); err != nil {
					log.Printf("push %s: record uid=%d for %s failed: %v", dev.ID, uid, du.ID, err)
				}
			}
		}
		return nil
	})
}

// desiredIdentity prefers the linked person's display name over the
// device-local one, and carries the numeric badge id as the card value.
func (l *Linker) desiredIdentity(ctx context.Context, du *sync.DeviceUser) (string, int64) {
	var card int64
	if du.PersonID != nil {
		if p, err := l.persons.Get(ctx, *du.PersonID); err == nil && p != nil {
			if n, err := strconv.ParseInt(p.BadgeID, 10, 64); err == nil {
				card = n
			}
			if p.DisplayName != "" {
				return p.DisplayName, card
			}
		}
	}
	if du.Name != "" {
		return du.Name, card
	}
	return "Unknown", card
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
