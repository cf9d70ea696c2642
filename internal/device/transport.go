package device

import (
	"context"
	"fmt"
	"time"
)

// Config identifies one physical terminal and how to reach it.
type Config struct {
	Host           string
	Port           int
	Password       int
	TimeoutSeconds int
}

// Timeout returns the dial/read timeout with a floor of 8s, matching the
// terminals' default.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UserRecord is one enrollment slot as reported by a terminal. Absent
// fields stay at their zero value.
type UserRecord struct {
	UID    int    `json:"uid"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Card   int64  `json:"card"`
}

// RawPunch is one attendance log entry as reported by a terminal. The
// timestamp arrives in whatever shape the firmware produced: Timestamp
// when structured, Epoch when numeric, otherwise only buried in Raw.
type RawPunch struct {
	UserID    string     `json:"user_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Text      string     `json:"timestamp_text,omitempty"`
	Epoch     int64      `json:"epoch,omitempty"`
	Status    string     `json:"status,omitempty"`
	Raw       string     `json:"raw,omitempty"`
}

// Session is an open connection to one terminal. It is not safe for
// concurrent use; scope it per invocation via WithSession.
type Session interface {
	// DisableIntake pauses the keypad/reader so reads see a stable log.
	DisableIntake(ctx context.Context) error
	// EnableIntake resumes the keypad/reader. Must run on every exit path.
	EnableIntake(ctx context.Context) error
	Users(ctx context.Context) ([]UserRecord, error)
	Punches(ctx context.Context) ([]RawPunch, error)
	// SetUser creates or updates an enrollment slot. A false return means
	// the terminal rejected the write without a transport error.
	SetUser(ctx context.Context, rec UserRecord) (bool, error)
	Close() error
}

// Transport opens sessions against one terminal.
type Transport interface {
	Connect(ctx context.Context) (Session, error)
}

// Opener builds transports for terminal configs. Implemented by Bridge.
type Opener interface {
	Open(cfg Config) Transport
}

// ConnectError wraps any failure to establish a session so callers see one
// normalized error regardless of the underlying client.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to device %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WithSession connects, disables intake, runs fn, and guarantees that
// intake is re-enabled and the session closed on every exit path. Leaving
// a terminal with intake disabled locks out its keypad users.
func WithSession(ctx context.Context, t Transport, fn func(Session) error) error {
	sess, err := t.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.EnableIntake(ctx)
		_ = sess.Close()
	}()
	if err := sess.DisableIntake(ctx); err != nil {
		return fmt.Errorf("disable intake: %w", err)
	}
	return fn(sess)
}
