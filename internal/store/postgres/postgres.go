package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warnet/backend/internal/billing"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const terminalColumns = `id, display_name, device_token, status, last_seen_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTerminal(row rowScanner) (*domain.Terminal, error) {
	var t domain.Terminal
	if err := row.Scan(&t.ID, &t.DisplayName, &t.DeviceToken, &t.Status, &t.LastSeenAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	t.LastSeenAt = t.LastSeenAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) CreateTerminal(ctx context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	if strings.TrimSpace(terminal.DeviceToken) == "" {
		return nil, store.ErrValidation
	}
	if terminal.ID == "" {
		terminal.ID = xid.New("term")
	}
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = time.Now().UTC()
	}
	if terminal.LastSeenAt.IsZero() {
		terminal.LastSeenAt = terminal.CreatedAt
	}
	if terminal.Status == "" {
		terminal.Status = domain.TerminalAvailable
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminals (id, display_name, device_token, status, last_seen_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, terminal.ID, terminal.DisplayName, terminal.DeviceToken, terminal.Status, terminal.LastSeenAt, terminal.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := terminal
	return &created, nil
}

func (s *Store) GetTerminal(ctx context.Context, id string) (*domain.Terminal, error) {
	return scanTerminal(s.db.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE id = $1`, id))
}

func (s *Store) GetTerminalByToken(ctx context.Context, token string) (*domain.Terminal, error) {
	return scanTerminal(s.db.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE device_token = $1`, token))
}

func (s *Store) GetTerminalByName(ctx context.Context, name string) (*domain.Terminal, error) {
	return scanTerminal(s.db.QueryRowContext(ctx, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE lower(display_name) = lower($1)
		ORDER BY created_at ASC
		LIMIT 1
	`, name))
}

func (s *Store) AdoptTerminalToken(ctx context.Context, id string, token string) (*domain.Terminal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, store.ErrValidation
	}
	terminal, err := scanTerminal(s.db.QueryRowContext(ctx, `
		UPDATE terminals SET device_token = $2
		WHERE id = $1
		RETURNING `+terminalColumns, id, token))
	if err != nil && isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	return terminal, err
}

func (s *Store) TouchTerminal(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE terminals SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) SyncTerminalStatus(ctx context.Context, id string) (*store.TerminalSync, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	terminal, err := lockTerminal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	open, err := findOpenSessionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	result := &store.TerminalSync{Open: open}
	if next := store.StatusFor(open); terminal.Status != next {
		if _, err := tx.ExecContext(ctx, `UPDATE terminals SET status = $2 WHERE id = $1`, id, next); err != nil {
			return nil, err
		}
		terminal.Status = next
		result.Changed = true
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.Terminal = *terminal
	return result, nil
}

func (s *Store) MarkTerminalOffline(ctx context.Context, id string, cutoff time.Time, at time.Time) (*store.TerminalSync, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	terminal, err := lockTerminal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if terminal.Status == domain.TerminalOffline || !terminal.LastSeenAt.Before(cutoff) {
		return nil, fmt.Errorf("%w: terminal %s is not stale", store.ErrConflict, id)
	}
	open, err := findOpenSessionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	result := &store.TerminalSync{Open: open, Changed: true}
	if open != nil && open.Status == domain.SessionActive {
		pausedAt := at
		open.Status = domain.SessionPaused
		open.PausedAt = &pausedAt
		if err := updateSession(ctx, tx, open); err != nil {
			return nil, err
		}
		result.Paused = true
	}
	if _, err := tx.ExecContext(ctx, `UPDATE terminals SET status = $2 WHERE id = $1`, id, domain.TerminalOffline); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	terminal.Status = domain.TerminalOffline
	result.Terminal = *terminal
	return result, nil
}

// lockTerminal takes the terminal row lock. Every transaction that touches a
// terminal and its sessions takes this lock first.
func lockTerminal(ctx context.Context, tx *sql.Tx, id string) (*domain.Terminal, error) {
	terminal, err := scanTerminal(tx.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: terminal %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return terminal, nil
}

func lockSessionTerminal(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var terminalID string
	err := tx.QueryRowContext(ctx, `SELECT terminal_id FROM sessions WHERE id = $1`, sessionID).Scan(&terminalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
		}
		return err
	}
	_, err = lockTerminal(ctx, tx, terminalID)
	return err
}

func findOpenSessionTx(ctx context.Context, tx *sql.Tx, terminalID string) (*domain.Session, error) {
	open, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE terminal_id = $1 AND status IN ('CREATED', 'ACTIVE', 'PAUSED')
		FOR UPDATE
	`, terminalID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return open, err
}

func (s *Store) ListTerminals(ctx context.Context) ([]domain.Terminal, error) {
	return s.queryTerminals(ctx, `SELECT `+terminalColumns+` FROM terminals ORDER BY display_name ASC`)
}

func (s *Store) ListStaleTerminals(ctx context.Context, cutoff time.Time) ([]domain.Terminal, error) {
	return s.queryTerminals(ctx, `
		SELECT `+terminalColumns+`
		FROM terminals
		WHERE status <> 'OFFLINE' AND last_seen_at < $1
		ORDER BY last_seen_at ASC
	`, cutoff)
}

func (s *Store) queryTerminals(ctx context.Context, query string, args ...any) ([]domain.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	terminals := make([]domain.Terminal, 0, 32)
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return terminals, nil
}

const sessionColumns = `id, terminal_id, customer_id, status, price_per_minute_cents, started_at, paused_at,
	accumulated_paused_ms, ended_at, billed_minutes, total_cost_cents, payable_cents, debited_cents,
	billing_transaction_id, created_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                         domain.Session
		customerID, billingID        sql.NullString
		startedAt, pausedAt, endedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.TerminalID, &customerID, &sess.Status, &sess.PricePerMinuteCents, &startedAt, &pausedAt,
		&sess.AccumulatedPausedMS, &endedAt, &sess.BilledMinutes, &sess.TotalCostCents, &sess.PayableCents, &sess.DebitedCents,
		&billingID, &sess.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sess.CustomerID = customerID.String
	sess.BillingTransactionID = billingID.String
	sess.StartedAt = timePtr(startedAt)
	sess.PausedAt = timePtr(pausedAt)
	sess.EndedAt = timePtr(endedAt)
	sess.CreatedAt = sess.CreatedAt.UTC()
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	if strings.TrimSpace(session.TerminalID) == "" || session.PricePerMinuteCents < 1 {
		return nil, store.ErrValidation
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.Status = domain.SessionCreated

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.TerminalStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM terminals WHERE id = $1 FOR UPDATE`, session.TerminalID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: terminal %s", store.ErrNotFound, session.TerminalID)
		}
		return nil, err
	}
	if status != domain.TerminalAvailable {
		return nil, fmt.Errorf("%w: terminal %s is %s", store.ErrConflict, session.TerminalID, status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, terminal_id, customer_id, status, price_per_minute_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.TerminalID, nullIfEmpty(session.CustomerID), session.Status, session.PricePerMinuteCents, session.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: terminal %s already has an open session", store.ErrConflict, session.TerminalID)
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE terminals SET status = $2 WHERE id = $1`, session.TerminalID, domain.TerminalLocked); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := session
	return &created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *Store) FindOpenSession(ctx context.Context, terminalID string) (*domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE terminal_id = $1 AND status IN ('CREATED', 'ACTIVE', 'PAUSED')
	`, terminalID))
}

func (s *Store) ListSessions(ctx context.Context, status string, limit int) ([]domain.Session, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) TransitionSession(ctx context.Context, tr store.Transition) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSessionTerminal(ctx, tx, tr.SessionID); err != nil {
		return nil, err
	}
	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, tr.SessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, tr.SessionID)
		}
		return nil, err
	}
	if !tr.Allows(session.Status) {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrConflict, session.ID, session.Status)
	}
	tr.Apply(session)

	if err := updateSession(ctx, tx, session); err != nil {
		return nil, err
	}
	if tr.Terminal != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE terminals SET status = $2 WHERE id = $1`, session.TerminalID, tr.Terminal); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) EndSession(ctx context.Context, params domain.EndSessionParams) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockSessionTerminal(ctx, tx, params.SessionID); err != nil {
		return nil, err
	}
	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, params.SessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, params.SessionID)
		}
		return nil, err
	}
	if session.Status != domain.SessionActive && session.Status != domain.SessionPaused {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrConflict, session.ID, session.Status)
	}

	var customer *domain.Customer
	if session.CustomerID != "" {
		customer, err = scanCustomer(tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, session.CustomerID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, session.CustomerID)
			}
			return nil, err
		}
	}

	charge, err := billing.Compute(*session, customer, params.EndedAt)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionPaused && session.PausedAt != nil {
		session.AccumulatedPausedMS += billing.PausedMillis(*session.PausedAt, params.EndedAt)
	}
	endedAt := params.EndedAt
	session.Status = domain.SessionEnded
	session.PausedAt = nil
	session.EndedAt = &endedAt
	session.BilledMinutes = charge.BilledMinutes
	session.TotalCostCents = charge.RawCostCents
	session.PayableCents = charge.PayableCents
	session.DebitedCents = charge.DebitedCents

	if customer != nil && charge.DebitedCents > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE customers SET balance_cents = balance_cents - $2 WHERE id = $1
		`, customer.ID, charge.DebitedCents); err != nil {
			return nil, err
		}
	}

	if charge.PayableCents > 0 {
		billingID := params.BillingID
		if billingID == "" {
			billingID = xid.New("bill")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO billing_transactions (id, reference_id, type, terminal_id, customer_id, amount_cents, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (reference_id, type) DO NOTHING
		`, billingID, session.ID, domain.BillingTypeSessionCharge, session.TerminalID, nullIfEmpty(session.CustomerID), charge.PayableCents, endedAt)
		if err != nil {
			return nil, err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM billing_transactions WHERE reference_id = $1 AND type = $2
		`, session.ID, domain.BillingTypeSessionCharge).Scan(&session.BillingTransactionID); err != nil {
			return nil, err
		}
	}

	if err := updateSession(ctx, tx, session); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE terminals SET status = $2 WHERE id = $1`, session.TerminalID, domain.TerminalAvailable); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func updateSession(ctx context.Context, tx *sql.Tx, session *domain.Session) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, started_at = $3, paused_at = $4, accumulated_paused_ms = $5, ended_at = $6,
			billed_minutes = $7, total_cost_cents = $8, payable_cents = $9, debited_cents = $10,
			billing_transaction_id = $11
		WHERE id = $1
	`, session.ID, session.Status, nullTime(session.StartedAt), nullTime(session.PausedAt), session.AccumulatedPausedMS, nullTime(session.EndedAt),
		session.BilledMinutes, session.TotalCostCents, session.PayableCents, session.DebitedCents,
		nullIfEmpty(session.BillingTransactionID))
	return err
}

const commandColumns = `id, terminal_id, kind, status, created_at, sent_at, acked_at`

func scanCommand(row rowScanner) (*domain.Command, error) {
	var (
		cmd             domain.Command
		sentAt, ackedAt sql.NullTime
	)
	if err := row.Scan(&cmd.ID, &cmd.TerminalID, &cmd.Kind, &cmd.Status, &cmd.CreatedAt, &sentAt, &ackedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.SentAt = timePtr(sentAt)
	cmd.AckedAt = timePtr(ackedAt)
	return &cmd, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd domain.Command) (*domain.Command, error) {
	if cmd.TerminalID == "" || (cmd.Kind != domain.CommandLock && cmd.Kind != domain.CommandUnlock) {
		return nil, store.ErrValidation
	}
	if cmd.ID == "" {
		cmd.ID = xid.New("cmd")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	cmd.Status = domain.CommandPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, terminal_id, kind, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, cmd.ID, cmd.TerminalID, cmd.Kind, cmd.Status, cmd.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := cmd
	return &created, nil
}

func (s *Store) MarkCommandSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'SENT', sent_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, id, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM commands WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AcknowledgeCommand(ctx context.Context, id string, at time.Time) (*domain.Command, error) {
	return scanCommand(s.db.QueryRowContext(ctx, `
		UPDATE commands SET status = 'ACKED', acked_at = COALESCE(acked_at, $2)
		WHERE id = $1
		RETURNING `+commandColumns, id, at))
}

func (s *Store) ListCommands(ctx context.Context, terminalID string, limit int) ([]domain.Command, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE ($1 = '' OR terminal_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := make([]domain.Command, 0, limit)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commands, nil
}

const customerColumns = `id, name, status, member, discount_rate, balance_cents, created_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &c.Member, &c.DiscountRate, &c.BalanceCents, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.Status == "" {
		customer.Status = domain.CustomerStatusActive
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, status, member, discount_rate, balance_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, customer.ID, customer.Name, customer.Status, customer.Member, customer.DiscountRate, customer.BalanceCents, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) AdjustCustomerBalance(ctx context.Context, id string, deltaCents int64) (*domain.Customer, error) {
	customer, err := scanCustomer(s.db.QueryRowContext(ctx, `
		UPDATE customers SET balance_cents = balance_cents + $2
		WHERE id = $1 AND balance_cents + $2 >= 0
		RETURNING `+customerColumns, id, deltaCents))
	if !errors.Is(err, store.ErrNotFound) {
		return customer, err
	}

	// Distinguish a missing customer from a rejected overdraft.
	if _, lookupErr := s.GetCustomer(ctx, id); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, store.ErrValidation
}

func (s *Store) SetCustomerStatus(ctx context.Context, id string, status string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `
		UPDATE customers SET status = $2
		WHERE id = $1
		RETURNING `+customerColumns, id, status))
}

const priceColumns = `id, price_per_minute_cents, active, created_at`

func scanPrice(row rowScanner) (*domain.Price, error) {
	var p domain.Price
	if err := row.Scan(&p.ID, &p.PricePerMinuteCents, &p.Active, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) GetActivePrice(ctx context.Context) (*domain.Price, error) {
	return scanPrice(s.db.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM prices WHERE active LIMIT 1`))
}

func (s *Store) SetActivePrice(ctx context.Context, price domain.Price) (*domain.Price, error) {
	if price.PricePerMinuteCents < 1 {
		return nil, store.ErrValidation
	}
	if price.ID == "" {
		price.ID = xid.New("price")
	}
	if price.CreatedAt.IsZero() {
		price.CreatedAt = time.Now().UTC()
	}
	price.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE prices SET active = false WHERE active`); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO prices (id, price_per_minute_cents, active, created_at)
		VALUES ($1,$2,$3,$4)
	`, price.ID, price.PricePerMinuteCents, price.Active, price.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := price
	return &created, nil
}

const billingColumns = `id, reference_id, type, terminal_id, customer_id, amount_cents, created_at`

func scanBilling(row rowScanner) (*domain.BillingTransaction, error) {
	var (
		tx         domain.BillingTransaction
		customerID sql.NullString
	)
	if err := row.Scan(&tx.ID, &tx.ReferenceID, &tx.Type, &tx.TerminalID, &customerID, &tx.AmountCents, &tx.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CustomerID = customerID.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func (s *Store) FindBillingTransaction(ctx context.Context, referenceID string, txType string) (*domain.BillingTransaction, error) {
	return scanBilling(s.db.QueryRowContext(ctx, `
		SELECT `+billingColumns+`
		FROM billing_transactions
		WHERE reference_id = $1 AND type = $2
	`, referenceID, txType))
}

func (s *Store) ListBillingTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.BillingTransaction, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+billingColumns+`
		FROM billing_transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.BillingTransaction, 0, limit)
	for rows.Next() {
		tx, err := scanBilling(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
