package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/api/websocket"
	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/devices"
	"github.com/KevinKickass/OpenShotCore/internal/interfaces"
	"github.com/KevinKickass/OpenShotCore/internal/shot"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/KevinKickass/OpenShotCore/internal/transport"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type idleTicks struct{}

func (idleTicks) Ticks(ctx context.Context, period, phase time.Duration) <-chan contract.Tick {
	return make(chan contract.Tick)
}

type setpoints struct{}

func (setpoints) WriteSetpoint(ctx context.Context, device, path string, value float64) error {
	return nil
}

type testLifecycle struct {
	cfg     *config.Config
	store   *storage.MemoryStore
	manager *devices.Manager
	seq     *shot.Sequencer
}

func (l *testLifecycle) Config() *config.Config          { return l.cfg }
func (l *testLifecycle) Storage() storage.Store          { return l.store }
func (l *testLifecycle) DeviceManager() *devices.Manager { return l.manager }
func (l *testLifecycle) Sequencer() *shot.Sequencer      { return l.seq }
func (l *testLifecycle) Shutdown(ctx context.Context) error {
	return nil
}

func (l *testLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", DeviceCount: len(l.manager.List())}
}

func newTestServer(t *testing.T, users []config.UserConfig) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	loader, err := devices.NewDescriptorLoader(nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := transport.NewMemoryBus(16)
	t.Cleanup(func() { bus.Close() })

	cfg := &config.Config{}
	cfg.Auth = config.AuthConfig{Users: users, AccessTokenTTL: time.Minute}

	lm := &testLifecycle{cfg: cfg, store: storage.NewMemoryStore()}
	lm.manager = devices.NewManager(loader, lm.store, contract.Options{
		Bus:       bus,
		Ticks:     idleTicks{},
		Setpoints: setpoints{},
		Logger:    logger,
	}, logger)
	lm.seq = shot.NewSequencer(lm.manager, lm.store, shot.Options{MaxDuration: time.Minute}, logger)

	authSvc := auth.NewAuthService(cfg.Auth, lm.store, logger)
	hub := websocket.NewHub(logger, authSvc, nil)
	return NewServer(lm, logger, hub, authSvc)
}

type response struct {
	Code int
	Body map[string]interface{}
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	out := response{Code: rec.Code}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out.Body); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return out
}

func errorCode(r response) string {
	e, _ := r.Body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	r := do(t, s, http.MethodGet, "/health", "", nil)
	if r.Code != http.StatusOK || r.Body["status"] != "ok" {
		t.Errorf("health = %d %v", r.Code, r.Body)
	}
}

func TestDeviceLifecycleOverREST(t *testing.T) {
	s := newTestServer(t, nil)

	r := do(t, s, http.MethodPost, "/api/v1/devices", "", map[string]string{"kind": "LIFT_COIL", "name": "lift"})
	if r.Code != http.StatusCreated || r.Body["state"] != string(contract.StateCreated) {
		t.Fatalf("create = %d %v", r.Code, r.Body)
	}
	r = do(t, s, http.MethodPost, "/api/v1/devices", "", map[string]string{"kind": "LIFT_COIL", "name": "lift"})
	if r.Code != http.StatusConflict || errorCode(r) != "duplicate_identity" {
		t.Errorf("duplicate create = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodPost, "/api/v1/devices/lift/start", "", nil)
	if r.Code != http.StatusConflict {
		t.Errorf("start before configure = %d %v", r.Code, r.Body)
	}

	for _, op := range []string{"check", "configure"} {
		r = do(t, s, http.MethodPost, "/api/v1/devices/lift/"+op, "", nil)
		if r.Code != http.StatusOK {
			t.Fatalf("%s = %d %v", op, r.Code, r.Body)
		}
	}
	r = do(t, s, http.MethodGet, "/api/v1/devices/lift", "", nil)
	if r.Body["state"] != string(contract.StateConfigured) {
		t.Errorf("detail = %v", r.Body)
	}

	r = do(t, s, http.MethodPost, "/api/v1/devices/lift/stop", "", nil)
	if r.Code != http.StatusOK || r.Body["state"] != string(contract.StateStopped) {
		t.Errorf("stop = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/devices/nope", "", nil)
	if r.Code != http.StatusNotFound || errorCode(r) != "not_found" {
		t.Errorf("unknown device = %d %v", r.Code, r.Body)
	}
}

func TestParametersOverREST(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/api/v1/devices", "", map[string]string{"kind": "LIFT_COIL", "name": "lift"})

	r := do(t, s, http.MethodPut, "/api/v1/devices/lift/parameters", "", map[string]interface{}{
		"path": "parameters.config.turns", "value": 120,
	})
	if r.Code != http.StatusOK {
		t.Fatalf("set = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/devices/lift/parameters?path=PARAMETERS:CONFIG:TURNS", "", nil)
	if r.Code != http.StatusOK || r.Body["value"] != 120.0 {
		t.Errorf("get = %d %v", r.Code, r.Body)
	}

	tests := []struct {
		path   string
		value  interface{}
		status int
		code   string
	}{
		{"PARAMETERS.CONFIG.TURNS", "many", http.StatusUnprocessableEntity, "type_mismatch"},
		{"PARAMETERS.CONFIG", 1, http.StatusUnprocessableEntity, "not_leaf"},
		{"PARAMETERS.NOPE", 1, http.StatusNotFound, "not_found"},
		{"NAME", "renamed", http.StatusConflict, "frozen"},
	}
	for _, tt := range tests {
		r := do(t, s, http.MethodPut, "/api/v1/devices/lift/parameters", "", map[string]interface{}{
			"path": tt.path, "value": tt.value,
		})
		if r.Code != tt.status || errorCode(r) != tt.code {
			t.Errorf("set %s = %d %v, want %d %s", tt.path, r.Code, r.Body, tt.status, tt.code)
		}
	}
}

func TestValidateDescriptor(t *testing.T) {
	s := newTestServer(t, nil)

	r := do(t, s, http.MethodPost, "/api/v1/descriptors/validate", "", `{"kind": "BROKEN"}`)
	if r.Code != http.StatusUnprocessableEntity || r.Body["valid"] != false {
		t.Errorf("invalid descriptor = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/descriptors", "", nil)
	kinds, _ := r.Body["kinds"].([]interface{})
	if r.Code != http.StatusOK || len(kinds) < 3 {
		t.Errorf("kinds = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/descriptors/lift_coil", "", nil)
	if r.Code != http.StatusOK || r.Body["fingerprint"] == "" {
		t.Errorf("descriptor = %d %v", r.Code, r.Body)
	}
}

func TestShotsOverREST(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/api/v1/devices", "", map[string]string{"kind": "TOF_SENSORS", "name": "tof"})

	r := do(t, s, http.MethodPost, "/api/v1/shots", "", map[string]string{"duration": "5m"})
	if r.Code != http.StatusPreconditionFailed {
		t.Errorf("over-long shot = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodPost, "/api/v1/shots", "", map[string]string{"duration": "10ms"})
	if r.Code != http.StatusAccepted {
		t.Fatalf("launch = %d %v", r.Code, r.Body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		r = do(t, s, http.MethodGet, "/api/v1/shots/current", "", nil)
		if _, done := r.Body["finished_at"]; done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("current shot = %v", r.Body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.Body["state"] != string(shot.StateCompleted) {
		t.Errorf("finished shot = %v", r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/shots", "", nil)
	if r.Body["count"] != 1.0 {
		t.Errorf("history = %v", r.Body)
	}

	r = do(t, s, http.MethodPost, "/api/v1/shots/abort", "", nil)
	if r.Code != http.StatusConflict {
		t.Errorf("abort without shot = %d %v", r.Code, r.Body)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	hasher := auth.NewPasswordHasher()
	opHash, _ := hasher.HashPassword("op-pass")
	adminHash, _ := hasher.HashPassword("admin-pass")
	s := newTestServer(t, []config.UserConfig{
		{Username: "op", PasswordHash: opHash, Role: "operator"},
		{Username: "boss", PasswordHash: adminHash, Role: "admin"},
	})

	if r := do(t, s, http.MethodGet, "/api/v1/devices", "", nil); r.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", r.Code)
	}

	login := func(user, pass string) string {
		r := do(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": user, "password": pass})
		if r.Code != http.StatusOK {
			t.Fatalf("login %s = %d %v", user, r.Code, r.Body)
		}
		return r.Body["access_token"].(string)
	}

	if r := do(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "op", "password": "nope"}); r.Code != http.StatusUnauthorized {
		t.Errorf("bad password = %d", r.Code)
	}

	op := login("op", "op-pass")
	if r := do(t, s, http.MethodGet, "/api/v1/devices", op, nil); r.Code != http.StatusOK {
		t.Errorf("operator list = %d", r.Code)
	}
	r := do(t, s, http.MethodPost, "/api/v1/devices", op, map[string]string{"kind": "LIFT_COIL", "name": "lift"})
	if r.Code != http.StatusForbidden {
		t.Errorf("operator create = %d", r.Code)
	}

	admin := login("boss", "admin-pass")
	r = do(t, s, http.MethodPost, "/api/v1/devices", admin, map[string]string{"kind": "LIFT_COIL", "name": "lift"})
	if r.Code != http.StatusCreated {
		t.Errorf("admin create = %d %v", r.Code, r.Body)
	}

	r = do(t, s, http.MethodGet, "/api/v1/auth/me", admin, nil)
	if r.Body["username"] != "boss" || !strings.Contains(toJSON(r.Body["permissions"]), "admin") {
		t.Errorf("me = %v", r.Body)
	}
}

func toJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
