package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warnet/backend/internal/billing"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

// CreateSession opens a billing window on an available terminal at the
// current rate. The rate is frozen on the session for its whole lifetime.
func (s *Service) CreateSession(ctx context.Context, req domain.SessionCreateRequest) (domain.Session, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.TerminalID == "" {
		return domain.Session{}, fmt.Errorf("%w: terminal_id is required", store.ErrValidation)
	}

	if _, err := s.repo.GetTerminal(ctx, req.TerminalID); err != nil {
		return domain.Session{}, notFound(err, "terminal", req.TerminalID)
	}

	if req.CustomerID != "" {
		customer, err := s.repo.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return domain.Session{}, notFound(err, "customer", req.CustomerID)
		}
		if customer.Status != domain.CustomerStatusActive {
			return domain.Session{}, fmt.Errorf("%w: customer %s is %s", store.ErrConflict, customer.ID, customer.Status)
		}
		if err := billing.ValidateCustomer(customer); err != nil {
			return domain.Session{}, err
		}
	}

	price, err := s.activePrice(ctx)
	if err != nil {
		return domain.Session{}, err
	}

	created, err := s.repo.CreateSession(ctx, domain.Session{
		ID:                  xid.New("sess"),
		TerminalID:          req.TerminalID,
		CustomerID:          req.CustomerID,
		Status:              domain.SessionCreated,
		PricePerMinuteCents: price.PricePerMinuteCents,
		CreatedAt:           s.now(),
	})
	if err != nil {
		return domain.Session{}, err
	}

	s.logAudit(ctx, "session_create", "session", created.ID, fmt.Sprintf("terminal=%s,customer=%s,rate=%d", created.TerminalID, created.CustomerID, created.PricePerMinuteCents))
	s.announceTerminal(ctx, created.TerminalID, "session_create")
	s.notifier.NotifyAdmins(domain.EventSessionUpdated, *created)
	return *created, nil
}

func (s *Service) StartSession(ctx context.Context, sessionID string) (domain.Session, error) {
	now := s.now()
	updated, err := s.transition(ctx, store.Transition{
		SessionID: sessionID,
		From:      []domain.SessionStatus{domain.SessionCreated},
		Apply: func(sess *domain.Session) {
			sess.Status = domain.SessionActive
			sess.StartedAt = &now
		},
		Terminal: domain.TerminalInUse,
	}, "session_start")
	if err != nil {
		return domain.Session{}, err
	}
	s.dispatchAfter(ctx, updated, domain.CommandUnlock)
	return updated, nil
}

func (s *Service) PauseSession(ctx context.Context, sessionID string) (domain.Session, error) {
	now := s.now()
	updated, err := s.transition(ctx, store.Transition{
		SessionID: sessionID,
		From:      []domain.SessionStatus{domain.SessionActive},
		Apply: func(sess *domain.Session) {
			sess.Status = domain.SessionPaused
			sess.PausedAt = &now
		},
		Terminal: domain.TerminalLocked,
	}, "session_pause")
	if err != nil {
		return domain.Session{}, err
	}
	s.dispatchAfter(ctx, updated, domain.CommandLock)
	return updated, nil
}

func (s *Service) ResumeSession(ctx context.Context, sessionID string) (domain.Session, error) {
	now := s.now()
	updated, err := s.transition(ctx, store.Transition{
		SessionID: sessionID,
		From:      []domain.SessionStatus{domain.SessionPaused},
		Apply: func(sess *domain.Session) {
			if sess.PausedAt != nil {
				sess.AccumulatedPausedMS += billing.PausedMillis(*sess.PausedAt, now)
			}
			sess.PausedAt = nil
			sess.Status = domain.SessionActive
		},
		Terminal: domain.TerminalInUse,
	}, "session_resume")
	if err != nil {
		return domain.Session{}, err
	}
	s.dispatchAfter(ctx, updated, domain.CommandUnlock)
	return updated, nil
}

// EndSession closes the window, settles the charge and frees the terminal.
// The store performs the status change, balance debit, billing transaction
// and terminal release as one unit; a second call fails with ErrConflict.
func (s *Service) EndSession(ctx context.Context, sessionID string) (domain.Session, error) {
	current, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, notFound(err, "session", sessionID)
	}
	if current.Status != domain.SessionActive && current.Status != domain.SessionPaused {
		return domain.Session{}, fmt.Errorf("%w: session %s is %s", store.ErrConflict, current.ID, current.Status)
	}

	ended, err := s.repo.EndSession(ctx, domain.EndSessionParams{
		SessionID: sessionID,
		EndedAt:   s.now(),
		BillingID: xid.New("bill"),
	})
	if err != nil {
		return domain.Session{}, err
	}

	s.logAudit(ctx, "session_end", "session", ended.ID, fmt.Sprintf(
		"billed_minutes=%d,total=%d,payable=%d,debited=%d,billing_tx=%s",
		ended.BilledMinutes, ended.TotalCostCents, ended.PayableCents, ended.DebitedCents, ended.BillingTransactionID,
	))
	s.announceTerminal(ctx, ended.TerminalID, "session_end")
	s.notifier.NotifyAdmins(domain.EventSessionUpdated, *ended)
	s.notifier.NotifyTerminal(ended.TerminalID, domain.EventSessionUpdated, *ended)
	s.dispatchAfter(ctx, *ended, domain.CommandLock)
	return *ended, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, notFound(err, "session", sessionID)
	}
	return *session, nil
}

// SessionBilling returns the charge an ended session produced. Sessions that
// billed nothing have none.
func (s *Service) SessionBilling(ctx context.Context, sessionID string) (domain.BillingTransaction, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return domain.BillingTransaction{}, err
	}
	tx, err := s.repo.FindBillingTransaction(ctx, sessionID, domain.BillingTypeSessionCharge)
	if err != nil {
		return domain.BillingTransaction{}, notFound(err, "billing for session", sessionID)
	}
	return *tx, nil
}

// TerminalSession returns the open session on a terminal.
func (s *Service) TerminalSession(ctx context.Context, terminalID string) (domain.Session, error) {
	if _, err := s.GetTerminal(ctx, terminalID); err != nil {
		return domain.Session{}, err
	}
	open, err := s.repo.FindOpenSession(ctx, terminalID)
	if err != nil {
		return domain.Session{}, notFound(err, "open session on terminal", terminalID)
	}
	return *open, nil
}

func (s *Service) ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch domain.SessionStatus(status) {
	case "", domain.SessionCreated, domain.SessionActive, domain.SessionPaused, domain.SessionEnded:
	default:
		return nil, fmt.Errorf("%w: unknown session status %q", store.ErrValidation, status)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSessions(ctx, status, limit)
}

// QuoteSession prices an open session as if it ended now. Ended sessions
// report what was actually charged.
func (s *Service) QuoteSession(ctx context.Context, sessionID string) (domain.SessionQuote, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionQuote{}, notFound(err, "session", sessionID)
	}

	now := s.now()
	quote := domain.SessionQuote{
		SessionID: session.ID,
		Status:    string(session.Status),
		AsOf:      now.Format(time.RFC3339),
	}
	if session.Status == domain.SessionEnded {
		quote.Charge = domain.Charge{
			BilledMinutes:   session.BilledMinutes,
			RawCostCents:    session.TotalCostCents,
			DiscountedCents: session.PayableCents + session.DebitedCents,
			DebitedCents:    session.DebitedCents,
			PayableCents:    session.PayableCents,
		}
		if session.EndedAt != nil {
			quote.AsOf = session.EndedAt.Format(time.RFC3339)
		}
		return quote, nil
	}

	var customer *domain.Customer
	if session.CustomerID != "" {
		customer, err = s.repo.GetCustomer(ctx, session.CustomerID)
		if err != nil {
			return domain.SessionQuote{}, notFound(err, "customer", session.CustomerID)
		}
	}
	charge, err := billing.Compute(*session, customer, now)
	if err != nil {
		return domain.SessionQuote{}, err
	}
	quote.Charge = charge
	return quote, nil
}

func (s *Service) transition(ctx context.Context, tr store.Transition, action string) (domain.Session, error) {
	updated, err := s.repo.TransitionSession(ctx, tr)
	if err != nil {
		return domain.Session{}, err
	}

	s.logAudit(ctx, action, "session", updated.ID, fmt.Sprintf("status=%s,terminal=%s", updated.Status, updated.TerminalID))
	s.announceTerminal(ctx, updated.TerminalID, action)
	s.notifier.NotifyAdmins(domain.EventSessionUpdated, *updated)
	return *updated, nil
}

// dispatchAfter sends the command that follows a committed transition. The
// transition stands even if the command cannot be recorded; the terminal
// converges on its next reconnect.
func (s *Service) dispatchAfter(ctx context.Context, session domain.Session, kind domain.CommandKind) {
	var payload *domain.Session
	if kind == domain.CommandUnlock {
		payload = &session
	}
	if _, err := s.DispatchCommand(ctx, session.TerminalID, kind, payload); err != nil {
		log.Printf("[service] WARN: failed to dispatch %s to terminal %s for session %s: %v", kind, session.TerminalID, session.ID, err)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}
