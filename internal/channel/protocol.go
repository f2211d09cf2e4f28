package channel

// MessageType names a frame on a terminal or observer socket.
type MessageType string

// Inbound frames sent by terminal agents.
const (
	MessageHello       MessageType = "hello"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageReconnect   MessageType = "reconnect"
	MessageCommandAck  MessageType = "command_ack"
	MessageAdminUnlock MessageType = "admin_unlock"
)

// Outbound frames. Observer broadcasts reuse the domain event names.
const (
	MessageAuthOK       MessageType = "auth_ok"
	MessageHeartbeatAck MessageType = "heartbeat_ack"
	MessageError        MessageType = "error"
)

type ClientEnvelope struct {
	Type        MessageType `json:"type"`
	Name        string      `json:"name,omitempty"`
	DeviceToken string      `json:"deviceToken,omitempty"`
	CommandID   string      `json:"commandId,omitempty"`
	Credential  string      `json:"credential,omitempty"`
}

type ServerEnvelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
	Message string      `json:"message,omitempty"`
}

type AuthOK struct {
	TerminalID  string `json:"terminalId"`
	DeviceToken string `json:"deviceToken"`
}
