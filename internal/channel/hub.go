package channel

import (
	"log"
	"sync"
)

// Hub tracks live sockets: which connection speaks for which terminal, and
// which connections are dashboard observers. It implements service.Notifier.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	bindings   map[string]string
	byTerminal map[string]string
	observers  map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		bindings:   make(map[string]string),
		byTerminal: make(map[string]string),
		observers:  make(map[string]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	if terminalID, bound := h.bindings[clientID]; bound {
		delete(h.bindings, clientID)
		if h.byTerminal[terminalID] == clientID {
			delete(h.byTerminal, terminalID)
		}
	}
	delete(h.observers, clientID)
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

// Bind points terminalID at clientID. A newer connection for the same
// terminal takes over; the older one stays open but stops receiving commands.
func (h *Hub) Bind(clientID string, terminalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if previous, bound := h.bindings[clientID]; bound && previous != terminalID && h.byTerminal[previous] == clientID {
		delete(h.byTerminal, previous)
	}
	if owner, taken := h.byTerminal[terminalID]; taken && owner != clientID {
		delete(h.bindings, owner)
	}
	h.bindings[clientID] = terminalID
	h.byTerminal[terminalID] = clientID
}

// TerminalFor returns the terminal bound to clientID, if any.
func (h *Hub) TerminalFor(clientID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	terminalID, ok := h.bindings[clientID]
	return terminalID, ok
}

func (h *Hub) AddObserver(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[clientID]; ok {
		h.observers[clientID] = struct{}{}
	}
}

func (h *Hub) NotifyAdmins(event string, payload any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.observers))
	for id := range h.observers {
		if client, ok := h.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	msg := ServerEnvelope{Type: MessageType(event), Payload: payload}
	for _, client := range targets {
		if client.Queue(msg) {
			continue
		}
		log.Printf("[channel] WARN: dropping slow observer %s", client.ID())
		h.Unregister(client.ID())
	}
}

func (h *Hub) NotifyTerminal(terminalID string, event string, payload any) bool {
	h.mu.RLock()
	clientID, bound := h.byTerminal[terminalID]
	client := h.clients[clientID]
	h.mu.RUnlock()
	if !bound || client == nil {
		return false
	}

	if client.Queue(ServerEnvelope{Type: MessageType(event), Payload: payload}) {
		return true
	}
	log.Printf("[channel] WARN: dropping slow terminal connection %s (terminal %s)", clientID, terminalID)
	h.Unregister(clientID)
	return false
}
