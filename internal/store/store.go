package store

import (
	"context"
	"errors"
	"time"

	"warnet/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// Transition describes a compare-and-swap on a session: the update is applied
// only while the session is still in From. Terminal, when set, is written in
// the same unit of work.
type Transition struct {
	SessionID string
	From      []domain.SessionStatus
	Apply     func(s *domain.Session)
	Terminal  domain.TerminalStatus
}

// TerminalSync is a terminal as written together with the open session its
// status was derived from.
type TerminalSync struct {
	Terminal domain.Terminal
	Open     *domain.Session
	Changed  bool
	// Paused is set when the write also paused the open session.
	Paused bool
}

type Repository interface {
	CreateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error)
	GetTerminal(ctx context.Context, id string) (*domain.Terminal, error)
	GetTerminalByToken(ctx context.Context, token string) (*domain.Terminal, error)
	GetTerminalByName(ctx context.Context, name string) (*domain.Terminal, error)
	AdoptTerminalToken(ctx context.Context, id string, token string) (*domain.Terminal, error)
	TouchTerminal(ctx context.Context, id string, at time.Time) error
	// SyncTerminalStatus re-derives the terminal's status from its open
	// session and writes it, both under the terminal's lock.
	SyncTerminalStatus(ctx context.Context, id string) (*TerminalSync, error)
	// MarkTerminalOffline pauses the terminal's ACTIVE session and sets it
	// OFFLINE in one unit. It fails with ErrConflict when the terminal is
	// already OFFLINE or has been seen at or after cutoff.
	MarkTerminalOffline(ctx context.Context, id string, cutoff time.Time, at time.Time) (*TerminalSync, error)
	ListTerminals(ctx context.Context) ([]domain.Terminal, error)
	ListStaleTerminals(ctx context.Context, cutoff time.Time) ([]domain.Terminal, error)

	CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	FindOpenSession(ctx context.Context, terminalID string) (*domain.Session, error)
	ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error)
	TransitionSession(ctx context.Context, tr Transition) (*domain.Session, error)
	EndSession(ctx context.Context, params domain.EndSessionParams) (*domain.Session, error)

	CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error)
	MarkCommandSent(ctx context.Context, id string, at time.Time) error
	AcknowledgeCommand(ctx context.Context, id string, at time.Time) (*domain.Command, error)
	ListCommands(ctx context.Context, terminalID string, limit int) ([]domain.Command, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	AdjustCustomerBalance(ctx context.Context, id string, deltaCents int64) (*domain.Customer, error)
	SetCustomerStatus(ctx context.Context, id string, status string) (*domain.Customer, error)

	GetActivePrice(ctx context.Context) (*domain.Price, error)
	SetActivePrice(ctx context.Context, price domain.Price) (*domain.Price, error)

	FindBillingTransaction(ctx context.Context, referenceID string, txType string) (*domain.BillingTransaction, error)
	ListBillingTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.BillingTransaction, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// StatusFor derives the connectivity status a terminal should carry given its
// open session, if any.
func StatusFor(session *domain.Session) domain.TerminalStatus {
	if session == nil {
		return domain.TerminalAvailable
	}
	switch session.Status {
	case domain.SessionActive:
		return domain.TerminalInUse
	case domain.SessionCreated, domain.SessionPaused:
		return domain.TerminalLocked
	default:
		return domain.TerminalAvailable
	}
}

func containsStatus(list []domain.SessionStatus, status domain.SessionStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// Allows reports whether the transition may be applied to a session currently
// in status.
func (t Transition) Allows(status domain.SessionStatus) bool {
	return containsStatus(t.From, status)
}
