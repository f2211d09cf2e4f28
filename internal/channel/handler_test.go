package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/service"
	"warnet/backend/internal/store/memory"
)

type staticAuthorizer map[string]domain.Actor

func (a staticAuthorizer) ParseToken(token string) (domain.Actor, error) {
	actor, ok := a[token]
	if !ok {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	return actor, nil
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Message string          `json:"message"`
}

type testEnv struct {
	svc  *service.Service
	repo *memory.Store
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := memory.New()
	if _, err := repo.SetActivePrice(context.Background(), domain.Price{PricePerMinuteCents: 10}); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	hub := NewHub()
	svc := service.New(repo, nil, time.Minute, hub)
	auth := staticAuthorizer{
		"admin-token":    {Username: "admin", Role: domain.RoleAdmin},
		"operator-token": {Username: "operator", Role: domain.RoleOperator},
	}
	handler := NewHandler(hub, svc, auth, "")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/terminal", handler.ServeTerminal)
	mux.HandleFunc("/ws/observer", handler.ServeObserver)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{svc: svc, repo: repo, srv: srv}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg frame
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readFrame(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("did not receive %s frame", msgType)
	return frame{}
}

func hello(t *testing.T, conn *websocket.Conn, name string, token string) AuthOK {
	t.Helper()
	if err := conn.WriteJSON(ClientEnvelope{Type: MessageHello, Name: name, DeviceToken: token}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != string(MessageAuthOK) {
		t.Fatalf("expected auth_ok, got %q (%s)", msg.Type, msg.Message)
	}
	var ok AuthOK
	if err := json.Unmarshal(msg.Payload, &ok); err != nil {
		t.Fatalf("decode auth_ok: %v", err)
	}
	return ok
}

func decodeCommand(t *testing.T, msg frame) domain.CommandFrame {
	t.Helper()
	var cmd domain.CommandFrame
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	return cmd
}

func TestTerminalRejectsMessagesBeforeHello(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal")

	if err := conn.WriteJSON(ClientEnvelope{Type: MessageHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != string(MessageError) {
		t.Fatalf("expected error frame, got %q", msg.Type)
	}

	// The connection stays usable after an error.
	ok := hello(t, conn, "PC-01", "tok-1")
	if ok.TerminalID == "" || ok.DeviceToken != "tok-1" {
		t.Fatalf("unexpected auth_ok: %+v", ok)
	}
}

func TestHelloReconcilesAndSessionStartUnlocks(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal")

	ok := hello(t, conn, "PC-02", "tok-2")
	initial := decodeCommand(t, readUntil(t, conn, domain.EventCommand))
	if initial.Command != domain.CommandLock || initial.Session != nil {
		t.Fatalf("expected LOCK without session on hello, got %+v", initial)
	}

	ctx := context.Background()
	session, err := env.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: ok.TerminalID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := env.svc.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}

	unlock := decodeCommand(t, readUntil(t, conn, domain.EventCommand))
	if unlock.Command != domain.CommandUnlock || unlock.Session == nil || unlock.Session.ID != session.ID {
		t.Fatalf("expected UNLOCK carrying session, got %+v", unlock)
	}

	if err := conn.WriteJSON(ClientEnvelope{Type: MessageCommandAck, CommandID: unlock.CommandID}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	if err := conn.WriteJSON(ClientEnvelope{Type: MessageHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	readUntil(t, conn, string(MessageHeartbeatAck))

	commands, err := env.svc.ListCommands(ctx, ok.TerminalID, 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	acked := false
	for _, cmd := range commands {
		if cmd.ID == unlock.CommandID && cmd.Status == domain.CommandAcked {
			acked = true
		}
	}
	if !acked {
		t.Fatalf("expected command %s to be ACKED, got %+v", unlock.CommandID, commands)
	}

	if err := conn.WriteJSON(ClientEnvelope{Type: MessageReconnect}); err != nil {
		t.Fatalf("write reconnect: %v", err)
	}
	again := decodeCommand(t, readUntil(t, conn, domain.EventCommand))
	if again.Command != domain.CommandUnlock || again.Session == nil || again.Session.ID != session.ID {
		t.Fatalf("expected reconnect to re-send UNLOCK, got %+v", again)
	}
}

func TestAdminUnlockRequiresAdminCredential(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/terminal")

	hello(t, conn, "PC-03", "tok-3")
	readUntil(t, conn, domain.EventCommand)

	for _, credential := range []string{"", "forged", "operator-token"} {
		if err := conn.WriteJSON(ClientEnvelope{Type: MessageAdminUnlock, Credential: credential}); err != nil {
			t.Fatalf("write admin_unlock: %v", err)
		}
		msg := readFrame(t, conn)
		if msg.Type != string(MessageError) {
			t.Fatalf("expected error for credential %q, got %q", credential, msg.Type)
		}
	}

	if err := conn.WriteJSON(ClientEnvelope{Type: MessageAdminUnlock, Credential: "admin-token"}); err != nil {
		t.Fatalf("write admin_unlock: %v", err)
	}
	cmd := decodeCommand(t, readUntil(t, conn, domain.EventCommand))
	if cmd.Command != domain.CommandUnlock {
		t.Fatalf("expected UNLOCK, got %s", cmd.Command)
	}
}

func TestObserverReceivesFleetEvents(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/observer"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=forged", nil); err == nil {
		t.Fatalf("expected observer dial with forged token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %v", resp)
	}

	observer := env.dial(t, "/ws/observer?token=operator-token")
	// Give the server a moment to register the observer before generating events.
	time.Sleep(50 * time.Millisecond)

	terminal := env.dial(t, "/ws/terminal")
	hello(t, terminal, "PC-04", "tok-4")

	msg := readUntil(t, observer, domain.EventCommandSent)
	var cmd domain.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		t.Fatalf("decode command_sent: %v", err)
	}
	if cmd.Kind != domain.CommandLock || cmd.Status != domain.CommandSent {
		t.Fatalf("expected SENT LOCK, got %+v", cmd)
	}
}

func TestReconnectReclaimsTerminalFromNewerConnection(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "/ws/terminal")
	ok := hello(t, first, "PC-07", "tok-7")
	readUntil(t, first, domain.EventCommand)

	second := env.dial(t, "/ws/terminal")
	if again := hello(t, second, "PC-07", "tok-7"); again.TerminalID != ok.TerminalID {
		t.Fatalf("expected same terminal %s, got %s", ok.TerminalID, again.TerminalID)
	}
	readUntil(t, second, domain.EventCommand)

	if err := first.WriteJSON(ClientEnvelope{Type: MessageReconnect}); err != nil {
		t.Fatalf("write reconnect: %v", err)
	}
	reclaimed := decodeCommand(t, readUntil(t, first, domain.EventCommand))
	if reclaimed.Command != domain.CommandLock {
		t.Fatalf("expected LOCK on the reclaiming connection, got %+v", reclaimed)
	}

	ctx := context.Background()
	session, err := env.svc.CreateSession(ctx, domain.SessionCreateRequest{TerminalID: ok.TerminalID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := env.svc.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	unlock := decodeCommand(t, readUntil(t, first, domain.EventCommand))
	if unlock.Command != domain.CommandUnlock || unlock.Session == nil || unlock.Session.ID != session.ID {
		t.Fatalf("expected UNLOCK routed to the reclaiming connection, got %+v", unlock)
	}
}
