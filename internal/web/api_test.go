package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nuha.dev/fieldsync/internal/clock"
	"nuha.dev/fieldsync/internal/device/simplejson"
	"nuha.dev/fieldsync/internal/events"
	"nuha.dev/fieldsync/internal/location"
	"nuha.dev/fieldsync/internal/scheduler"
	"nuha.dev/fieldsync/internal/session"
	"nuha.dev/fieldsync/internal/upload"
	"nuha.dev/fieldsync/internal/web/login"
	"nuha.dev/fieldsync/internal/web/service"
	"nuha.dev/fieldsync/internal/web/webstream"
)

type mockSource struct {
	mu      sync.Mutex
	enabled bool
	auth    location.Authorization
	obs     location.Observer
}

func (m *mockSource) ServicesEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *mockSource) Authorization() location.Authorization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth
}

func (m *mockSource) RequestAuthorization() {}

func (m *mockSource) StartUpdates(obs location.Observer) {
	m.mu.Lock()
	m.obs = obs
	m.mu.Unlock()
}

func (m *mockSource) StopUpdates() {
	m.mu.Lock()
	m.obs = nil
	m.mu.Unlock()
}

func (m *mockSource) observer() location.Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs
}

func (m *mockSource) set(enabled bool, auth location.Authorization) {
	m.mu.Lock()
	m.enabled = enabled
	m.auth = auth
	m.mu.Unlock()
}

type mockDevice struct{}

func (mockDevice) Status() simplejson.DeviceStatus {
	return simplejson.DeviceStatus{Serial: "A1", Connected: true}
}

type fixture struct {
	srv    *httptest.Server
	client *http.Client
	src    *mockSource
	csrf   string
	token  string
}

func newFixture(t *testing.T) *fixture {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass1"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	bus, err := events.NewBus()
	if err != nil {
		t.Fatal(err)
	}
	src := &mockSource{enabled: true, auth: location.AuthorizedAlways}
	mgr, err := session.NewManager(&session.Config{
		Users:     map[string]string{"tech1": string(hash)},
		TokenSalt: "test",
	}, &session.Param{
		Source: src,
		Uploader: upload.UploaderFunc(func(ctx context.Context, p upload.Payload) error {
			return nil
		}),
		Bus:   bus,
		Clock: clock.NewManual(time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatal(err)
	}
	api := NewApi(mgr, bus, mockDevice{}, &ApiConfig{VerifyCSRF: true})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	jar, _ := cookiejar.New(nil)
	return &fixture{srv: srv, client: &http.Client{Jar: jar}, src: src}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, res interface{}) int {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", f.srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if f.csrf != "" {
		req.Header.Set("X-XSRF-TOKEN", f.csrf)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if res != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) login(t *testing.T) login.LoginResponse {
	res := login.LoginResponse{}
	code := f.post(t, "/func/login", login.LoginRequest{UserId: "tech1", Password: "pass1"}, &res)
	if code != http.StatusOK || res.Status != 0 {
		t.Fatalf("login failed: %d %+v", code, res)
	}
	f.csrf = res.CsrfToken
	f.token = res.WsToken
	return res
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	res := login.LoginResponse{}
	code := f.post(t, "/func/login", login.LoginRequest{UserId: "tech1", Password: "nope"}, &res)
	if code != http.StatusOK || res.Status != -1 || res.SessionInfo != nil {
		t.Errorf("unexpected response %d %+v", code, res)
	}
}

func TestLoginRejectsEmptyBody(t *testing.T) {
	f := newFixture(t)
	if code := f.post(t, "/func/login", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestLoginAndStatus(t *testing.T) {
	f := newFixture(t)
	lr := f.login(t)
	if lr.Scheduler.State != scheduler.Tracking {
		t.Errorf("expected tracking after login, got %v", lr.Scheduler.State)
	}
	res := service.StatusResponse{}
	if code := f.post(t, "/func/GetStatus", nil, &res); code != http.StatusOK {
		t.Fatalf("GetStatus returned %d", code)
	}
	if res.SessionId != lr.SessionId || res.UserId != "tech1" {
		t.Errorf("unexpected status %+v", res)
	}
	if !res.Scheduler.IsRunning || res.Device == nil || res.Device.Serial != "A1" {
		t.Errorf("unexpected status %+v", res)
	}
}

func TestCallRequiresCsrf(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.csrf = "wrong"
	if code := f.post(t, "/func/GetStatus", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestCallUnknownFunction(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	if code := f.post(t, "/func/Nope", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestDistance(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	res := service.DistanceResponse{}
	if code := f.post(t, "/func/Distance", service.DistanceRequest{Latitude: 45, Longitude: 15}, &res); code != http.StatusOK {
		t.Fatalf("Distance returned %d", code)
	}
	if res.Available {
		t.Error("distance available without a position")
	}
	f.src.observer().OnPosition(location.Position{Latitude: 45, Longitude: 15})
	res = service.DistanceResponse{}
	f.post(t, "/func/Distance", service.DistanceRequest{Latitude: 46, Longitude: 15}, &res)
	if !res.Available || res.Meters < 111000 || res.Meters > 111400 {
		t.Errorf("unexpected distance %+v", res)
	}
	if code := f.post(t, "/func/Distance", service.DistanceRequest{Latitude: 95}, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid latitude, got %d", code)
	}
}

func TestRestartFromBlocked(t *testing.T) {
	f := newFixture(t)
	f.src.set(true, location.Restricted)
	lr := f.login(t)
	if lr.Scheduler.State != scheduler.Blocked || lr.Scheduler.Reason != events.AuthorizationRestricted {
		t.Fatalf("expected blocked, got %+v", lr.Scheduler)
	}
	res := service.RestartResponse{}
	f.post(t, "/func/Restart", nil, &res)
	if res.Status != -1 || res.Scheduler.State != scheduler.Blocked {
		t.Errorf("restart without grant should fail: %+v", res)
	}
	f.src.set(true, location.AuthorizedWhenInUse)
	res = service.RestartResponse{}
	f.post(t, "/func/Restart", nil, &res)
	if res.Status != 0 || res.Scheduler.State != scheduler.Tracking {
		t.Errorf("restart after grant failed: %+v", res)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	res := login.LogoutResponse{}
	if code := f.post(t, "/func/logout", nil, &res); code != http.StatusOK || res.Status != 0 {
		t.Fatalf("logout failed: %d %+v", code, res)
	}
	if f.src.observer() != nil {
		t.Error("source updates not stopped")
	}
	if code := f.post(t, "/func/GetStatus", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", code)
	}
}

func TestWebstream(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	if err := c.Write(ctx, websocket.MessageText, []byte(f.token)); err != nil {
		t.Fatal(err)
	}
	read := func() map[string]interface{} {
		_, b, err := c.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}
	if m := read(); m["topic"] != webstream.TopicReady {
		t.Fatalf("expected ready message, got %v", m)
	}
	f.src.observer().OnPosition(location.Position{Latitude: 45, Longitude: 15})
	m := read()
	if m["topic"] != events.TopicPosition {
		t.Fatalf("expected position message, got %v", m)
	}
	data := m["data"].(map[string]interface{})
	if data["latitude"].(float64) != 45 {
		t.Errorf("unexpected position data %v", data)
	}
}

func TestWebstreamBadToken(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	_ = c.Write(ctx, websocket.MessageText, []byte("bogus"))
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected policy violation close, got %v", err)
	}
}
