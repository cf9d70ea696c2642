package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Bridge talks to the device bridge service that owns the proprietary
// binary terminal protocol. One Bridge serves many terminals; Open binds
// it to a single terminal config.
type Bridge struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewBridge creates a client. With skip set, sessions are mocked so the
// rest of the pipeline can run without hardware.
func NewBridge(baseURL string, skip bool) *Bridge {
	return &Bridge{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Open returns a Transport scoped to one terminal.
func (b *Bridge) Open(cfg Config) Transport {
	return &bridgeTransport{bridge: b, cfg: cfg}
}

type bridgeTransport struct {
	bridge *Bridge
	cfg    Config
}

// Connect establishes a bridge session against the terminal. All failure
// modes collapse into a single ConnectError.
func (t *bridgeTransport) Connect(ctx context.Context) (Session, error) {
	if t.bridge.Skip {
		return &mockSession{}, nil
	}

	body, _ := json.Marshal(map[string]any{
		"host":     t.cfg.Host,
		"port":     t.cfg.Port,
		"password": t.cfg.Password,
		"timeout":  int(t.cfg.Timeout().Seconds()),
	})
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := t.bridge.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return nil, &ConnectError{Addr: t.cfg.Addr(), Err: err}
	}
	if out.SessionID == "" {
		return nil, &ConnectError{Addr: t.cfg.Addr(), Err: fmt.Errorf("bridge returned no session id")}
	}
	return &bridgeSession{bridge: t.bridge, id: out.SessionID}, nil
}

type bridgeSession struct {
	bridge *Bridge
	id     string
}

func (s *bridgeSession) DisableIntake(ctx context.Context) error {
	return s.bridge.do(ctx, http.MethodPost, "/sessions/"+s.id+"/disable", nil, nil)
}

func (s *bridgeSession) EnableIntake(ctx context.Context) error {
	return s.bridge.do(ctx, http.MethodPost, "/sessions/"+s.id+"/enable", nil, nil)
}

func (s *bridgeSession) Users(ctx context.Context) ([]UserRecord, error) {
	var out struct {
		Users []UserRecord `json:"users"`
	}
	if err := s.bridge.do(ctx, http.MethodGet, "/sessions/"+s.id+"/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (s *bridgeSession) Punches(ctx context.Context) ([]RawPunch, error) {
	var out struct {
		Punches []RawPunch `json:"punches"`
	}
	if err := s.bridge.do(ctx, http.MethodGet, "/sessions/"+s.id+"/attendance", nil, &out); err != nil {
		return nil, err
	}
	return out.Punches, nil
}

func (s *bridgeSession) SetUser(ctx context.Context, rec UserRecord) (bool, error) {
	body, _ := json.Marshal(rec)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := s.bridge.do(ctx, http.MethodPut, "/sessions/"+s.id+"/users", body, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}

func (s *bridgeSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.bridge.do(ctx, http.MethodDelete, "/sessions/"+s.id, nil, nil)
}

func (b *Bridge) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge error %s: %s", resp.Status, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Health checks bridge availability.
func (b *Bridge) Health(ctx context.Context) error {
	if b.Skip {
		return nil
	}
	return b.do(ctx, http.MethodGet, "/health", nil, nil)
}

// mockSession backs Skip mode with a couple of canned records.
type mockSession struct{}

func (m *mockSession) DisableIntake(ctx context.Context) error { return nil }
func (m *mockSession) EnableIntake(ctx context.Context) error  { return nil }
func (m *mockSession) Close() error                            { return nil }

func (m *mockSession) Users(ctx context.Context) ([]UserRecord, error) {
	return []UserRecord{
		{UID: 1, UserID: "7", Name: "Mock User"},
	}, nil
}

func (m *mockSession) Punches(ctx context.Context) ([]RawPunch, error) {
	ts := time.Now().UTC().Truncate(time.Second)
	return []RawPunch{
		{UserID: "7", Timestamp: &ts, Status: "0", Raw: "mock"},
	}, nil
}

func (m *mockSession) SetUser(ctx context.Context, rec UserRecord) (bool, error) {
	return true, nil
}
