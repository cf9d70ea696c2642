package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"biosync/internal/directory"
	"biosync/internal/metrics"
	"biosync/internal/sync"
)

// tailGrace is how far past session end a punch may land and still be
// considered at all.
const tailGrace = 5 * time.Minute

// Session is a scheduled attendance sheet. Start/end are fractional hours
// into Date. Present, Late and Excused are mutually exclusive per person;
// roster members in none of them are absent.
type Session struct {
	ID              string
	Date            time.Time
	StartHour       float64
	EndHour         float64
	TeacherPersonID *string
	TeacherPresent  bool
	Locked          bool
	Note            string
	Roster          []string
	Present         map[string]bool
	Late            map[string]bool
	Excused         map[string]bool
}

// StartAt returns the session start instant.
func (s *Session) StartAt() time.Time { return s.Date.Add(hours(s.StartHour)) }

// EndAt returns the session end instant.
func (s *Session) EndAt() time.Time { return s.Date.Add(hours(s.EndHour)) }

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// markPresent moves a person into the present set, displacing any other
// mark.
func (s *Session) markPresent(personID string) bool {
	if s.Present[personID] {
		return false
	}
	delete(s.Late, personID)
	delete(s.Excused, personID)
	s.Present[personID] = true
	return true
}

func (s *Session) markLate(personID string) bool {
	if s.Late[personID] {
		return false
	}
	delete(s.Present, personID)
	delete(s.Excused, personID)
	s.Late[personID] = true
	return true
}

// SessionStore provides open-session lookup and atomic per-session writes.
// The session records themselves are owned by the scheduling collaborator.
type SessionStore interface {
	FindOpenSessions(ctx context.Context, date time.Time) ([]Session, error)
	SaveSession(ctx context.Context, s *Session) error
}

// Report summarizes one reconciliation run.
type Report struct {
	DeviceID            string   `json:"device_id"`
	SessionsVisited     int      `json:"sessions_visited"`
	TeachersMarked      int      `json:"teachers_marked"`
	StudentsOnTime      int      `json:"students_on_time"`
	StudentsLate        int      `json:"students_late"`
	Updates             int      `json:"updates"`
	SessionsFailed      int      `json:"sessions_failed"`
	DatesWithoutSession []string `json:"dates_without_session,omitempty"`
}

// Reconciler classifies persisted punches against open sessions.
type Reconciler struct {
	store    sync.Store
	sessions SessionStore
	persons  directory.Directory
}

// NewReconciler creates a reconciler.
func NewReconciler(store sync.Store, sessions SessionStore, persons directory.Directory) *Reconciler {
	return &Reconciler{store: store, sessions: sessions, persons: persons}
}

// Run loads all punches for a device, groups them by calendar date, and
// classifies every open session on those dates. One session's write
// failure never blocks the others.
func (r *Reconciler) Run(ctx context.Context, dev sync.Device) (Report, error) {
	report := Report{DeviceID: dev.ID}

	punches, err := r.store.ListPunches(ctx, sync.PunchFilter{DeviceID: dev.ID})
	if err != nil {
		return report, fmt.Errorf("load punches: %w", err)
	}

	byDate := make(map[string][]sync.Punch)
	for _, p := range punches {
		key := p.Timestamp.UTC().Format("2006-01-02")
		byDate[key] = append(byDate[key], p)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	personCache := make(map[string]*string)

	for _, dateKey := range dates {
		date, _ := time.Parse("2006-01-02", dateKey)
		sessions, err := r.sessions.FindOpenSessions(ctx, date)
		if err != nil {
			log.Printf("reconcile %s: session lookup for %s failed: %v", dev.ID, dateKey, err)
			report.SessionsFailed++
			continue
		}
		if len(sessions) == 0 {
			report.DatesWithoutSession = append(report.DatesWithoutSession, dateKey)
			continue
		}
		for i := range sessions {
			r.reconcileSession(ctx, dev, &sessions[i], byDate[dateKey], personCache, &report)
		}
	}
	return report, nil
}

type sessionStats struct {
	teachersMarked int
	onTime         int
	late           int
	updates        int
}

func (r *Reconciler) reconcileSession(ctx context.Context, dev sync.Device, sess *Session, punches []sync.Punch, personCache map[string]*string, report *Report) {
	tol := dev.Tolerance()
	start := sess.StartAt()
	end := sess.EndAt()
	windowStart := start.Add(-tol)
	onTimeDeadline := start.Add(tol)
	lateDeadline := end
	windowEnd := end.Add(tailGrace)

	// Earliest qualifying punch per person inside the window. Arriving
	// early is never penalized; arriving after the tail grace counts as
	// not having attended at all.
	earliest := make(map[string]time.Time)
	for _, p := range punches {
		ts := p.Timestamp.UTC()
		if ts.Before(windowStart) || ts.After(windowEnd) {
			continue
		}
		personID := r.punchPerson(ctx, dev, p, personCache)
		if personID == "" {
			continue
		}
		if prev, ok := earliest[personID]; !ok || ts.Before(prev) {
			earliest[personID] = ts
		}
	}
	if len(earliest) == 0 {
		return
	}

	report.SessionsVisited++
	var stats sessionStats
	changed := false

	if sess.TeacherPersonID != nil {
		if _, ok := earliest[*sess.TeacherPersonID]; ok && !sess.TeacherPresent {
			sess.TeacherPresent = true
			stats.teachersMarked++
			stats.updates++
			changed = true
		}
	}

	for _, personID := range sess.Roster {
		ts, ok := earliest[personID]
		if !ok {
			// No qualifying punch: leave the person absent.
			continue
		}
		switch {
		case !ts.After(onTimeDeadline):
			if sess.markPresent(personID) {
				stats.onTime++
				stats.updates++
				changed = true
			}
		case !ts.After(lateDeadline):
			if sess.markLate(personID) {
				stats.late++
				stats.updates++
				changed = true
			}
			if r.appendLateNote(ctx, sess, personID, ts) {
				changed = true
			}
		default:
			// Between session end and the tail grace: ignored entirely.
		}
	}

	if !changed {
		return
	}
	if err := r.sessions.SaveSession(ctx, sess); err != nil {
		log.Printf("reconcile %s: save session %s failed: %v", dev.ID, sess.ID, err)
		report.SessionsFailed++
		return
	}
	metrics.SessionsReconciled.Inc()
	report.TeachersMarked += stats.teachersMarked
	report.StudentsOnTime += stats.onTime
	report.StudentsLate += stats.late
	report.Updates += stats.updates
}

// appendLateNote adds a "<name> (late): HH:MM" line unless the note
// already carries the exact text.
func (r *Reconciler) appendLateNote(ctx context.Context, sess *Session, personID string, ts time.Time) bool {
	name := personID
	if p, err := r.persons.Get(ctx, personID); err == nil && p != nil && p.DisplayName != "" {
		name = p.DisplayName
	}
	line := fmt.Sprintf("%s (late): %s", name, ts.Format("15:04"))
	if strings.Contains(sess.Note, line) {
		return false
	}
	if sess.Note != "" {
		sess.Note += "\n"
	}
	sess.Note += line
	return true
}

// punchPerson returns the person behind a punch: the resolved id written
// at ingest time, else the current device-user link.
func (r *Reconciler) punchPerson(ctx context.Context, dev sync.Device, p sync.Punch, cache map[string]*string) string {
	if p.PersonID != nil {
		return *p.PersonID
	}
	if cached, ok := cache[p.DeviceLocalUserID]; ok {
		if cached == nil {
			return ""
		}
		return *cached
	}
	du, err := r.store.FindDeviceUser(ctx, dev.ID, p.DeviceLocalUserID)
	if err != nil || du == nil || du.PersonID == nil {
		cache[p.DeviceLocalUserID] = nil
		return ""
	}
	cache[p.DeviceLocalUserID] = du.PersonID
	return *du.PersonID
}
