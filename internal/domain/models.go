package domain

import "time"

type TerminalStatus string

const (
	TerminalAvailable TerminalStatus = "AVAILABLE"
	TerminalLocked    TerminalStatus = "LOCKED"
	TerminalInUse     TerminalStatus = "IN_USE"
	TerminalOffline   TerminalStatus = "OFFLINE"
)

type Terminal struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	DeviceToken string         `json:"device_token"`
	Status      TerminalStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

type SessionStatus string

const (
	SessionCreated SessionStatus = "CREATED"
	SessionActive  SessionStatus = "ACTIVE"
	SessionPaused  SessionStatus = "PAUSED"
	SessionEnded   SessionStatus = "ENDED"
)

// Open reports whether the session still holds its terminal.
func (s SessionStatus) Open() bool {
	return s == SessionCreated || s == SessionActive || s == SessionPaused
}

type Session struct {
	ID                   string        `json:"id"`
	TerminalID           string        `json:"terminal_id"`
	CustomerID           string        `json:"customer_id,omitempty"`
	Status               SessionStatus `json:"status"`
	PricePerMinuteCents  int64         `json:"price_per_minute_cents"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	PausedAt             *time.Time    `json:"paused_at,omitempty"`
	AccumulatedPausedMS  int64         `json:"accumulated_paused_ms"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	BilledMinutes        int64         `json:"billed_minutes"`
	TotalCostCents       int64         `json:"total_cost_cents"`
	PayableCents         int64         `json:"payable_cents"`
	DebitedCents         int64         `json:"debited_cents"`
	BillingTransactionID string        `json:"billing_transaction_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

type CommandKind string

const (
	CommandLock   CommandKind = "LOCK"
	CommandUnlock CommandKind = "UNLOCK"
)

type CommandStatus string

const (
	CommandPending CommandStatus = "PENDING"
	CommandSent    CommandStatus = "SENT"
	CommandAcked   CommandStatus = "ACKED"
)

type Command struct {
	ID         string        `json:"id"`
	TerminalID string        `json:"terminal_id"`
	Kind       CommandKind   `json:"kind"`
	Status     CommandStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	SentAt     *time.Time    `json:"sent_at,omitempty"`
	AckedAt    *time.Time    `json:"acked_at,omitempty"`
}

// CommandFrame is what a terminal agent receives for a dispatched command.
type CommandFrame struct {
	Command   CommandKind `json:"command"`
	CommandID string      `json:"commandId"`
	Session   *Session    `json:"session,omitempty"`
}

// Reconciliation is the state a reconnecting terminal must converge to.
type Reconciliation struct {
	Terminal Terminal    `json:"terminal"`
	Command  CommandKind `json:"command"`
	Session  *Session    `json:"session,omitempty"`
}

const (
	CustomerStatusActive    = "active"
	CustomerStatusSuspended = "suspended"
)

type Customer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Member       bool      `json:"member"`
	DiscountRate float64   `json:"discount_rate"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name         string  `json:"name"`
	Member       bool    `json:"member"`
	DiscountRate float64 `json:"discount_rate"`
	BalanceCents int64   `json:"balance_cents"`
}

type CustomerTopUpRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type Price struct {
	ID                  string    `json:"id"`
	PricePerMinuteCents int64     `json:"price_per_minute_cents"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

type PriceSetRequest struct {
	PricePerMinuteCents int64 `json:"price_per_minute_cents"`
}

const BillingTypeSessionCharge = "session_charge"

type BillingTransaction struct {
	ID          string    `json:"id"`
	ReferenceID string    `json:"reference_id"`
	Type        string    `json:"type"`
	TerminalID  string    `json:"terminal_id"`
	CustomerID  string    `json:"customer_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionCreateRequest struct {
	TerminalID string `json:"terminal_id"`
	CustomerID string `json:"customer_id,omitempty"`
}

// Charge is the outcome of billing a session window.
type Charge struct {
	BilledMS        int64 `json:"billed_ms"`
	BilledMinutes   int64 `json:"billed_minutes"`
	RawCostCents    int64 `json:"raw_cost_cents"`
	DiscountedCents int64 `json:"discounted_cents"`
	DebitedCents    int64 `json:"debited_cents"`
	PayableCents    int64 `json:"payable_cents"`
}

type SessionQuote struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Charge    Charge `json:"charge"`
	AsOf      string `json:"as_of"`
}

// EndSessionParams carries everything the store needs to close a session in
// one atomic unit. The charge itself is computed inside that unit so it sees
// the same session and balance it commits against.
type EndSessionParams struct {
	SessionID string
	EndedAt   time.Time
	BillingID string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Events pushed to dashboard observers and terminal connections.
const (
	EventTerminalStatusChanged = "terminal_status_changed"
	EventSessionUpdated        = "session_updated"
	EventCommand               = "command"
	EventCommandSent           = "command_sent"
)
