package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
)

func TestEndSessionSettlesOnceAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("WARNET_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set WARNET_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stamp := time.Now().UnixNano()
	terminalID := fmt.Sprintf("term-it-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	sessionID := fmt.Sprintf("sess-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM billing_transactions WHERE reference_id = $1`, sessionID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE terminal_id = $1`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM terminals WHERE id = $1`, terminalID)
	})

	if _, err := s.CreateTerminal(ctx, domain.Terminal{ID: terminalID, DisplayName: "PC-IT", DeviceToken: "tok-" + terminalID}); err != nil {
		t.Fatalf("create terminal: %v", err)
	}
	if _, err := s.CreateCustomer(ctx, domain.Customer{ID: customerID, Name: "IT Member", Member: true, DiscountRate: 0.5, BalanceCents: 30}); err != nil {
		t.Fatalf("create customer: %v", err)
	}

	if _, err := s.CreateSession(ctx, domain.Session{ID: sessionID, TerminalID: terminalID, CustomerID: customerID, PricePerMinuteCents: 10}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.CreateSession(ctx, domain.Session{TerminalID: terminalID, PricePerMinuteCents: 10}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on busy terminal, got %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	if _, err := s.TransitionSession(ctx, store.Transition{
		SessionID: sessionID,
		From:      []domain.SessionStatus{domain.SessionCreated},
		Apply: func(sess *domain.Session) {
			sess.Status = domain.SessionActive
			sess.StartedAt = &started
		},
		Terminal: domain.TerminalInUse,
	}); err != nil {
		t.Fatalf("start session: %v", err)
	}

	ended, err := s.EndSession(ctx, domain.EndSessionParams{SessionID: sessionID, EndedAt: started.Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.TotalCostCents != 100 || ended.DebitedCents != 30 || ended.PayableCents != 20 {
		t.Fatalf("unexpected settlement: %+v", ended)
	}
	if _, err := s.EndSession(ctx, domain.EndSessionParams{SessionID: sessionID, EndedAt: started.Add(11 * time.Minute)}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second end, got %v", err)
	}

	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.BalanceCents != 0 {
		t.Fatalf("expected balance 0, got %d", customer.BalanceCents)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM billing_transactions WHERE reference_id = $1`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count billing: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one billing transaction, got %d", count)
	}

	terminal, err := s.GetTerminal(ctx, terminalID)
	if err != nil {
		t.Fatalf("get terminal: %v", err)
	}
	if terminal.Status != domain.TerminalAvailable {
		t.Fatalf("expected AVAILABLE, got %s", terminal.Status)
	}
}
