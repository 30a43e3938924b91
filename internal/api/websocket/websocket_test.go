package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"github.com/KevinKickass/OpenShotCore/internal/streaming"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	hub      *Hub
	streamer *streaming.SampleStreamer
	authSvc  *auth.AuthService
	url      string
}

func newFixture(t *testing.T, users []config.UserConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	authSvc := auth.NewAuthService(config.AuthConfig{Users: users, AccessTokenTTL: time.Minute}, storage.NewMemoryStore(), logger)
	streamer := streaming.NewSampleStreamer(16)
	hub := NewHub(logger, authSvc, streamer)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &fixture{
		hub:      hub,
		streamer: streamer,
		authSvc:  authSvc,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", f.hub.GetClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// await reads until a message of the given type arrives. Queued messages
// may arrive coalesced, separated by newlines.
func await(t *testing.T, conn *websocket.Conn, typ MessageType) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			var msg received
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			if msg.Type == typ {
				return msg
			}
		}
	}
}

func TestBroadcastWithoutAuth(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)
	f.waitClients(t, 1)

	f.hub.Broadcast(NewTransitionMessage(contract.Transition{
		Name: "tof", Op: contract.OpCheck, From: contract.StateCreated, To: contract.StateChecked,
	}))

	msg := await(t, conn, MessageTypeTransition)
	var tr contract.Transition
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Name != "tof" || tr.To != contract.StateChecked {
		t.Errorf("transition = %+v", tr)
	}
}

func TestFirstMessageMustAuthenticate(t *testing.T) {
	hash, err := auth.NewPasswordHasher().HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, []config.UserConfig{{Username: "op", PasswordHash: hash, Role: "operator"}})

	// Not registered before authenticating.
	conn := f.dial(t)
	time.Sleep(50 * time.Millisecond)
	if n := f.hub.GetClientCount(); n != 0 {
		t.Fatalf("unauthenticated client registered: %d", n)
	}

	token, _, err := f.authSvc.LoginUser(context.Background(), "op", "pw", "127.0.0.1", "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token}); err != nil {
		t.Fatal(err)
	}
	await(t, conn, "auth_success")
	f.waitClients(t, 1)
}

func TestSampleSubscription(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)
	f.waitClients(t, 1)

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "device": "tof", "channel": "height"}); err != nil {
		t.Fatal(err)
	}
	await(t, conn, MessageTypeSubscribed)
	if f.streamer.Subscribers("tof") != 1 {
		t.Fatalf("streamer subscribers = %d", f.streamer.Subscribers("tof"))
	}

	f.streamer.Emit(contract.Sample{Device: "tof", Channel: "FLUX", Tick: 1, Present: true, Values: []float64{9}})
	f.streamer.Emit(contract.Sample{Device: "tof", Channel: "HEIGHT", Tick: 2, Present: true, Values: []float64{0.5}})

	msg := await(t, conn, MessageTypeSample)
	var s SampleData
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Channel != "HEIGHT" || s.Tick != 2 || len(s.Values) != 1 || s.Values[0] != 0.5 {
		t.Errorf("sample = %+v", s)
	}

	if err := conn.WriteJSON(map[string]string{"type": "unsubscribe", "device": "tof"}); err != nil {
		t.Fatal(err)
	}
	await(t, conn, MessageTypeUnsubscribed)
	if f.streamer.Subscribers("tof") != 0 {
		t.Errorf("streamer subscribers after unsubscribe = %d", f.streamer.Subscribers("tof"))
	}
}
