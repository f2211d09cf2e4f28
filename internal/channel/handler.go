package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/service"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

// terminalReadWait bounds how long a silent agent socket is kept open. Agents
// heartbeat far more often than this.
const terminalReadWait = 90 * time.Second

// Fleet is the slice of the service a terminal socket drives.
type Fleet interface {
	RegisterTerminal(ctx context.Context, name string, deviceToken string) (domain.Terminal, error)
	Heartbeat(ctx context.Context, deviceToken string) (domain.Terminal, error)
	ReconcileOnReconnect(ctx context.Context, deviceToken string) (domain.Reconciliation, error)
	DispatchCommand(ctx context.Context, terminalID string, kind domain.CommandKind, session *domain.Session) (domain.Command, error)
	AcknowledgeCommand(ctx context.Context, commandID string) (domain.Command, error)
	ForceCommand(ctx context.Context, terminalID string, kind domain.CommandKind) (domain.Command, error)
}

// Authorizer verifies bearer credentials presented over a socket.
type Authorizer interface {
	ParseToken(token string) (domain.Actor, error)
}

type Handler struct {
	hub           *Hub
	fleet         Fleet
	auth          Authorizer
	allowedOrigin string
	terminals     websocket.Upgrader
	observers     websocket.Upgrader
}

func NewHandler(hub *Hub, fleet Fleet, auth Authorizer, allowedOrigin string) *Handler {
	h := &Handler{
		hub:           hub,
		fleet:         fleet,
		auth:          auth,
		allowedOrigin: strings.TrimSpace(allowedOrigin),
	}
	// Terminal agents are not browsers and send no meaningful Origin.
	h.terminals = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	h.observers = websocket.Upgrader{CheckOrigin: h.checkObserverOrigin}
	return h
}

func (h *Handler) checkObserverOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || h.allowedOrigin == "" || origin == h.allowedOrigin
}

// terminalConn is the per-connection handshake state. An empty terminalID
// means the connection has not said hello yet.
type terminalConn struct {
	client      *Client
	terminalID  string
	deviceToken string
}

func (c *terminalConn) authenticated() bool {
	return c.terminalID != ""
}

func (h *Handler) ServeTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := h.terminals.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(xid.New("conn"), conn)
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID())

	go client.WriteLoop()

	state := &terminalConn{client: client}
	ctx := r.Context()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(terminalReadWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		if msg.Type != MessageHello && !state.authenticated() {
			h.sendError(client, "not authenticated: send hello first")
			continue
		}

		switch msg.Type {
		case MessageHello:
			h.handleHello(ctx, state, msg)
		case MessageHeartbeat:
			h.handleHeartbeat(ctx, state)
		case MessageReconnect:
			h.handleReconnect(ctx, state)
		case MessageCommandAck:
			if _, err := h.fleet.AcknowledgeCommand(ctx, msg.CommandID); err != nil {
				h.sendError(client, err.Error())
			}
		case MessageAdminUnlock:
			h.handleAdminUnlock(ctx, state, msg)
		default:
			h.sendError(client, "unsupported message type")
		}
	}
}

func (h *Handler) handleHello(ctx context.Context, state *terminalConn, msg ClientEnvelope) {
	terminal, err := h.fleet.RegisterTerminal(ctx, msg.Name, msg.DeviceToken)
	if err != nil {
		h.sendError(state.client, err.Error())
		return
	}

	state.terminalID = terminal.ID
	state.deviceToken = terminal.DeviceToken
	h.hub.Bind(state.client.ID(), terminal.ID)

	if !state.client.Queue(ServerEnvelope{
		Type:    MessageAuthOK,
		Payload: AuthOK{TerminalID: terminal.ID, DeviceToken: terminal.DeviceToken},
	}) {
		h.hub.Unregister(state.client.ID())
		return
	}
	h.reconcile(ctx, state)
}

func (h *Handler) handleHeartbeat(ctx context.Context, state *terminalConn) {
	if _, err := h.fleet.Heartbeat(ctx, state.deviceToken); err != nil {
		h.sendError(state.client, err.Error())
		return
	}
	if !state.client.Queue(ServerEnvelope{Type: MessageHeartbeatAck}) {
		h.hub.Unregister(state.client.ID())
	}
}

func (h *Handler) handleReconnect(ctx context.Context, state *terminalConn) {
	// A newer socket for the same terminal may have taken over the binding.
	if bound, ok := h.hub.TerminalFor(state.client.ID()); !ok || bound != state.terminalID {
		log.Printf("[channel] connection %s reclaims terminal %s", state.client.ID(), state.terminalID)
		h.hub.Bind(state.client.ID(), state.terminalID)
	}
	h.reconcile(ctx, state)
}

// reconcile pushes the command the terminal must apply to match the ledger.
func (h *Handler) reconcile(ctx context.Context, state *terminalConn) {
	result, err := h.fleet.ReconcileOnReconnect(ctx, state.deviceToken)
	if err != nil {
		h.sendError(state.client, err.Error())
		return
	}
	if _, err := h.fleet.DispatchCommand(ctx, result.Terminal.ID, result.Command, result.Session); err != nil {
		log.Printf("[channel] WARN: reconcile dispatch for terminal %s failed: %v", result.Terminal.ID, err)
		h.sendError(state.client, "failed to dispatch reconciliation command")
	}
}

func (h *Handler) handleAdminUnlock(ctx context.Context, state *terminalConn, msg ClientEnvelope) {
	actor, err := h.auth.ParseToken(strings.TrimSpace(msg.Credential))
	if err != nil || actor.Role != domain.RoleAdmin {
		log.Printf("[channel] WARN: rejected admin_unlock on terminal %s", state.terminalID)
		h.sendError(state.client, "admin credential required")
		return
	}

	_, err = h.fleet.ForceCommand(service.WithActor(ctx, actor), state.terminalID, domain.CommandUnlock)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(state.client, "terminal not found")
			return
		}
		h.sendError(state.client, err.Error())
	}
}

// ServeObserver streams fleet events to a dashboard. The access token is
// taken from the token query parameter or a bearer Authorization header.
func (h *Handler) ServeObserver(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	actor, err := h.auth.ParseToken(token)
	if err != nil || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleOperator) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.observers.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(xid.New("obs"), conn)
	h.hub.Register(client)
	h.hub.AddObserver(client.ID())
	defer h.hub.Unregister(client.ID())

	go client.WriteLoop()

	// Observers only listen; reading detects the close.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) sendError(client *Client, message string) {
	if !client.Queue(ServerEnvelope{Type: MessageError, Message: message}) {
		h.hub.Unregister(client.ID())
	}
}
