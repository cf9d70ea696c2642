package sync

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"biosync/internal/device"
	"biosync/internal/directory"
	"biosync/internal/metrics"
	"biosync/internal/timeparse"
)

// maxInvalidSamples caps the diagnostics attached to a sync report.
const maxInvalidSamples = 10

// placeholderName is used for slots created from a punch before any
// enrollment fetch has supplied a real name.
const placeholderName = "Unknown"

// Resolver resolves a device-local enrollment record to a person.
// Implemented by identity.Linker.
type Resolver interface {
	Resolve(ctx context.Context, du *DeviceUser) (*directory.Person, error)
}

// Service pulls enrollment and punch data from terminals and ingests it.
type Service struct {
	store    Store
	bridge   device.Opener
	resolver Resolver
}

// NewService creates a sync service.
func NewService(store Store, bridge device.Opener, resolver Resolver) *Service {
	return &Service{store: store, bridge: bridge, resolver: resolver}
}

// Options controls a sync run. Preview fetches and resolves without
// persisting anything.
type Options struct {
	Persist bool `json:"persist"`
	Preview bool `json:"preview"`
}

// Report aggregates one device's sync run.
type Report struct {
	DeviceID                string        `json:"device_id"`
	UsersFetched            int           `json:"users_fetched"`
	UsersCreated            int           `json:"users_created"`
	UsersUpdated            int           `json:"users_updated"`
	PunchesFetched          int           `json:"punches_fetched"`
	PunchesCreated          int           `json:"punches_created"`
	PunchesSkippedDuplicate int           `json:"punches_skipped_duplicate"`
	PunchesInvalid          int           `json:"punches_invalid"`
	InvalidSamples          []string      `json:"invalid_samples,omitempty"`
	Preview                 []PreviewLine `json:"preview,omitempty"`
}

// PreviewLine is one incoming punch shown without persisting it.
type PreviewLine struct {
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status,omitempty"`
	Raw        string    `json:"raw,omitempty"`
	PersonName string    `json:"person_name,omitempty"`
}

// IngestCounts aggregates one ingested batch.
type IngestCounts struct {
	Fetched           int
	Created           int
	SkippedDuplicates int
	Invalid           int
	InvalidSamples    []string
}

// TestConnection verifies the terminal is reachable and answers commands.
func (s *Service) TestConnection(ctx context.Context, dev Device) error {
	tr := s.bridge.Open(dev.TransportConfig())
	return device.WithSession(ctx, tr, func(device.Session) error { return nil })
}

// RunSync fetches enrollment records and punches from one device and,
// unless previewing, ingests them. A transport failure aborts this
// device's run only; the caller decides whether other devices proceed.
func (s *Service) RunSync(ctx context.Context, dev Device, opts Options) (Report, error) {
	report := Report{DeviceID: dev.ID}
	tr := s.bridge.Open(dev.TransportConfig())

	err := device.WithSession(ctx, tr, func(sess device.Session) error {
		users, err := sess.Users(ctx)
		if err != nil {
			return fmt.Errorf("fetch users: %w", err)
		}
		report.UsersFetched = len(users)
		for _, u := range users {
			created, updated, err := s.upsertDeviceUser(ctx, dev, u)
			if err != nil {
				log.Printf("sync %s: upsert device user uid=%d failed: %v", dev.ID, u.UID, err)
				continue
			}
			if created {
				report.UsersCreated++
			}
			if updated {
				report.UsersUpdated++
			}
		}

		raws, err := sess.Punches(ctx)
		if err != nil {
			return fmt.Errorf("fetch punches: %w", err)
		}
		report.PunchesFetched = len(raws)

		if opts.Preview {
			report.Preview = s.preview(ctx, dev, raws)
			return nil
		}
		if !opts.Persist {
			return nil
		}

		counts := s.Ingest(ctx, dev, raws)
		report.PunchesCreated = counts.Created
		report.PunchesSkippedDuplicate = counts.SkippedDuplicates
		report.PunchesInvalid = counts.Invalid
		report.InvalidSamples = counts.InvalidSamples
		return nil
	})
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return report, err
	}
	metrics.SyncRuns.WithLabelValues("ok").Inc()
	return report, nil
}

// upsertDeviceUser applies one enrollment record from the terminal.
func (s *Service) upsertDeviceUser(ctx context.Context, dev Device, u device.UserRecord) (created, updated bool, err error) {
	localID := u.UserID
	if localID == "" {
		localID = strconv.Itoa(u.UID)
	}
	name := u.Name
	if name == "" {
		name = placeholderName
	}

	existing, err := s.store.GetDeviceUserByUID(ctx, dev.ID, u.UID)
	if err != nil {
		return false, false, err
	}
	if existing == nil {
		// A punch may have created the record before the slot was known.
		existing, err = s.store.FindDeviceUser(ctx, dev.ID, localID)
		if err != nil {
			return false, false, err
		}
		if existing != nil && existing.DeviceUID == 0 && u.UID != 0 {
			if err := s.store.SetDeviceUserUID(ctx, existing.ID, u.UID); err != nil {
				return false, false, err
			}
			updated = true
		}
	}

	if existing == nil {
		du := &DeviceUser{
			DeviceID:     dev.ID,
			DeviceUID:    u.UID,
			DeviceUserID: localID,
			Name:         name,
		}
		return true, false, s.store.CreateDeviceUser(ctx, du)
	}
	if u.Name != "" && existing.Name != u.Name {
		if err := s.store.UpdateDeviceUserName(ctx, existing.ID, u.Name); err != nil {
			return false, updated, err
		}
		updated = true
	}
	return false, updated, nil
}

// Ingest persists a batch of raw punches with per-record isolation: a
// record that fails to parse or to persist never aborts its siblings.
func (s *Service) Ingest(ctx context.Context, dev Device, raws []device.RawPunch) IngestCounts {
	counts := IngestCounts{Fetched: len(raws)}
	for _, raw := range raws {
		switch s.ingestOne(ctx, dev, raw) {
		case ingestCreated:
			counts.Created++
			metrics.PunchesCreated.Inc()
		case ingestDuplicate:
			counts.SkippedDuplicates++
			metrics.PunchesDuplicate.Inc()
		case ingestInvalid:
			counts.Invalid++
			metrics.PunchesInvalid.Inc()
			if len(counts.InvalidSamples) < maxInvalidSamples {
				counts.InvalidSamples = append(counts.InvalidSamples, sample(raw))
			}
		}
	}
	return counts
}

type ingestResult int

const (
	ingestCreated ingestResult = iota
	ingestDuplicate
	ingestInvalid
)

func (s *Service) ingestOne(ctx context.Context, dev Device, raw device.RawPunch) ingestResult {
	if raw.UserID == "" {
		log.Printf("ingest %s: punch without user id: %q", dev.ID, raw.Raw)
		return ingestInvalid
	}
	ts, ok := timeparse.Normalize(timeparse.Value{Time: raw.Timestamp, Text: raw.Text, Epoch: raw.Epoch}, raw.Raw)
	if !ok {
		log.Printf("ingest %s: unparseable timestamp for user %s: %q", dev.ID, raw.UserID, raw.Raw)
		return ingestInvalid
	}

	du, err := s.store.FindDeviceUser(ctx, dev.ID, raw.UserID)
	if err != nil {
		log.Printf("ingest %s: device user lookup failed: %v", dev.ID, err)
		return ingestInvalid
	}
	if du == nil {
		du = &DeviceUser{
			DeviceID:     dev.ID,
			DeviceUserID: raw.UserID,
			Name:         placeholderName,
		}
		if err := s.store.CreateDeviceUser(ctx, du); err != nil {
			log.Printf("ingest %s: create device user %s failed: %v", dev.ID, raw.UserID, err)
			return ingestInvalid
		}
	}

	var personID *string
	if s.resolver != nil {
		if p, err := s.resolver.Resolve(ctx, du); err != nil {
			log.Printf("ingest %s: resolve person for %s failed: %v", dev.ID, raw.UserID, err)
		} else if p != nil {
			personID = &p.ID
		}
	}

	created, err := s.store.InsertPunch(ctx, &Punch{
		DeviceID:          dev.ID,
		DeviceLocalUserID: raw.UserID,
		Timestamp:         ts,
		Status:            raw.Status,
		Raw:               raw.Raw,
		PersonID:          personID,
	})
	if err != nil {
		log.Printf("ingest %s: insert punch failed: %v", dev.ID, err)
		return ingestInvalid
	}
	if !created {
		return ingestDuplicate
	}
	return ingestCreated
}

// preview builds the would-be punch lines without writing anything.
func (s *Service) preview(ctx context.Context, dev Device, raws []device.RawPunch) []PreviewLine {
	lines := make([]PreviewLine, 0, len(raws))
	for _, raw := range raws {
		line := PreviewLine{UserID: raw.UserID, Status: raw.Status, Raw: raw.Raw}
		if ts, ok := timeparse.Normalize(timeparse.Value{Time: raw.Timestamp, Text: raw.Text, Epoch: raw.Epoch}, raw.Raw); ok {
			line.Timestamp = ts
		}
		// Only follow existing links here: badge matching memoizes the
		// link, and preview must not write.
		if du, err := s.store.FindDeviceUser(ctx, dev.ID, raw.UserID); err == nil && du != nil && du.PersonID != nil && s.resolver != nil {
			if p, err := s.resolver.Resolve(ctx, du); err == nil && p != nil {
				line.PersonName = p.DisplayName
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func sample(raw device.RawPunch) string {
	return fmt.Sprintf("user=%s text=%q epoch=%d raw=%q", raw.UserID, raw.Text, raw.Epoch, raw.Raw)
}
