package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warnet/backend/internal/billing"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/store"
	"warnet/backend/internal/xid"
)

// Store keeps the whole fleet in process memory. Every write takes the single
// mutex, which makes each multi-step transition atomic.
type Store struct {
	mu                    sync.RWMutex
	terminalsByID         map[string]domain.Terminal
	terminalIDByToken     map[string]string
	sessionsByID          map[string]domain.Session
	openSessionByTerminal map[string]string
	commandsByID          map[string]domain.Command
	customersByID         map[string]domain.Customer
	prices                []domain.Price
	billing               []domain.BillingTransaction
	billingByKey          map[string]int
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD;
// unset values fall back to dev defaults with a warning. Postgres deployments
// only get the admin, through AuthManager.EnsureAdmin.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operator", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		terminalsByID:         make(map[string]domain.Terminal),
		terminalIDByToken:     make(map[string]string),
		sessionsByID:          make(map[string]domain.Session),
		openSessionByTerminal: make(map[string]string),
		commandsByID:          make(map[string]domain.Command),
		customersByID:         make(map[string]domain.Customer),
		billingByKey:          make(map[string]int),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev accounts and a default per-minute rate.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	s.prices = append(s.prices, domain.Price{
		ID:                  xid.New("price"),
		PricePerMinuteCents: 100,
		Active:              true,
		CreatedAt:           time.Now().UTC(),
	})
	return s
}

func (s *Store) CreateTerminal(_ context.Context, terminal domain.Terminal) (*domain.Terminal, error) {
	if strings.TrimSpace(terminal.DeviceToken) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.terminalIDByToken[terminal.DeviceToken]; exists {
		return nil, store.ErrConflict
	}
	if terminal.ID == "" {
		terminal.ID = xid.New("term")
	}
	if terminal.CreatedAt.IsZero() {
		terminal.CreatedAt = time.Now().UTC()
	}
	if terminal.Status == "" {
		terminal.Status = domain.TerminalAvailable
	}
	s.terminalsByID[terminal.ID] = terminal
	s.terminalIDByToken[terminal.DeviceToken] = terminal.ID
	created := terminal
	return &created, nil
}

func (s *Store) GetTerminal(_ context.Context, id string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terminal, ok := s.terminalsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &terminal, nil
}

func (s *Store) GetTerminalByToken(_ context.Context, token string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.terminalIDByToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	terminal := s.terminalsByID[id]
	return &terminal, nil
}

func (s *Store) GetTerminalByName(_ context.Context, name string) (*domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, terminal := range s.terminalsByID {
		if strings.EqualFold(terminal.DisplayName, name) {
			found := terminal
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) AdoptTerminalToken(_ context.Context, id string, token string) (*domain.Terminal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminalsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if owner, taken := s.terminalIDByToken[token]; taken && owner != id {
		return nil, store.ErrConflict
	}
	delete(s.terminalIDByToken, terminal.DeviceToken)
	terminal.DeviceToken = token
	s.terminalsByID[id] = terminal
	s.terminalIDByToken[token] = id
	return &terminal, nil
}

func (s *Store) TouchTerminal(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminalsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	terminal.LastSeenAt = at
	s.terminalsByID[id] = terminal
	return nil
}

func (s *Store) SyncTerminalStatus(_ context.Context, id string) (*store.TerminalSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminalsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	open := s.openSessionLocked(id)
	result := &store.TerminalSync{Open: open}
	if next := store.StatusFor(open); terminal.Status != next {
		terminal.Status = next
		s.terminalsByID[id] = terminal
		result.Changed = true
	}
	result.Terminal = terminal
	return result, nil
}

func (s *Store) MarkTerminalOffline(_ context.Context, id string, cutoff time.Time, at time.Time) (*store.TerminalSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminalsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if terminal.Status == domain.TerminalOffline || !terminal.LastSeenAt.Before(cutoff) {
		return nil, fmt.Errorf("%w: terminal %s is not stale", store.ErrConflict, id)
	}

	result := &store.TerminalSync{Changed: true}
	if open := s.openSessionLocked(id); open != nil {
		if open.Status == domain.SessionActive {
			pausedAt := at
			open.Status = domain.SessionPaused
			open.PausedAt = &pausedAt
			s.sessionsByID[open.ID] = *open
			result.Paused = true
		}
		result.Open = open
	}
	terminal.Status = domain.TerminalOffline
	s.terminalsByID[id] = terminal
	result.Terminal = terminal
	return result, nil
}

// openSessionLocked expects s.mu to be held.
func (s *Store) openSessionLocked(terminalID string) *domain.Session {
	id, ok := s.openSessionByTerminal[terminalID]
	if !ok {
		return nil
	}
	session := s.sessionsByID[id]
	return &session
}

func (s *Store) ListTerminals(_ context.Context) ([]domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Terminal, 0, len(s.terminalsByID))
	for _, terminal := range s.terminalsByID {
		result = append(result, terminal)
	}
	slices.SortFunc(result, func(a, b domain.Terminal) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	return result, nil
}

func (s *Store) ListStaleTerminals(_ context.Context, cutoff time.Time) ([]domain.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Terminal, 0)
	for _, terminal := range s.terminalsByID {
		if terminal.Status == domain.TerminalOffline || !terminal.LastSeenAt.Before(cutoff) {
			continue
		}
		result = append(result, terminal)
	}
	return result, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) (*domain.Session, error) {
	if strings.TrimSpace(session.TerminalID) == "" || session.PricePerMinuteCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminalsByID[session.TerminalID]
	if !ok {
		return nil, fmt.Errorf("%w: terminal %s", store.ErrNotFound, session.TerminalID)
	}
	if _, busy := s.openSessionByTerminal[terminal.ID]; busy {
		return nil, fmt.Errorf("%w: terminal %s already has an open session", store.ErrConflict, terminal.ID)
	}
	if terminal.Status != domain.TerminalAvailable {
		return nil, fmt.Errorf("%w: terminal %s is %s", store.ErrConflict, terminal.ID, terminal.Status)
	}

	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.Status = domain.SessionCreated
	s.sessionsByID[session.ID] = session
	s.openSessionByTerminal[terminal.ID] = session.ID

	terminal.Status = domain.TerminalLocked
	s.terminalsByID[terminal.ID] = terminal

	created := session
	return &created, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) FindOpenSession(_ context.Context, terminalID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := s.openSessionLocked(terminalID)
	if open == nil {
		return nil, store.ErrNotFound
	}
	return open, nil
}

func (s *Store) ListSessions(_ context.Context, status string, limit int) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Session, 0, 32)
	for _, session := range s.sessionsByID {
		if status != "" && string(session.Status) != status {
			continue
		}
		result = append(result, session)
	}
	slices.SortFunc(result, func(a, b domain.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) TransitionSession(_ context.Context, tr store.Transition) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[tr.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, tr.SessionID)
	}
	if !tr.Allows(session.Status) {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrConflict, session.ID, session.Status)
	}
	tr.Apply(&session)
	s.sessionsByID[session.ID] = session
	if !session.Status.Open() {
		delete(s.openSessionByTerminal, session.TerminalID)
	}

	if tr.Terminal != "" {
		if terminal, ok := s.terminalsByID[session.TerminalID]; ok {
			terminal.Status = tr.Terminal
			s.terminalsByID[terminal.ID] = terminal
		}
	}
	updated := session
	return &updated, nil
}

func (s *Store) EndSession(_ context.Context, params domain.EndSessionParams) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[params.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, params.SessionID)
	}
	if session.Status != domain.SessionActive && session.Status != domain.SessionPaused {
		return nil, fmt.Errorf("%w: session %s is %s", store.ErrConflict, session.ID, session.Status)
	}

	var customer *domain.Customer
	if session.CustomerID != "" {
		c, ok := s.customersByID[session.CustomerID]
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, session.CustomerID)
		}
		customer = &c
	}

	charge, err := billing.Compute(session, customer, params.EndedAt)
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
		customer.BalanceCents -= charge.DebitedCents
		s.customersByID[customer.ID] = *customer
	}

	if charge.PayableCents > 0 {
		key := billingKey(session.ID, domain.BillingTypeSessionCharge)
		if idx, exists := s.billingByKey[key]; exists {
			session.BillingTransactionID = s.billing[idx].ID
		} else {
			id := params.BillingID
			if id == "" {
				id = xid.New("bill")
			}
			s.billing = append(s.billing, domain.BillingTransaction{
				ID:          id,
				ReferenceID: session.ID,
				Type:        domain.BillingTypeSessionCharge,
				TerminalID:  session.TerminalID,
				CustomerID:  session.CustomerID,
				AmountCents: charge.PayableCents,
				CreatedAt:   endedAt,
			})
			s.billingByKey[key] = len(s.billing) - 1
			session.BillingTransactionID = id
		}
	}

	s.sessionsByID[session.ID] = session
	delete(s.openSessionByTerminal, session.TerminalID)
	if terminal, ok := s.terminalsByID[session.TerminalID]; ok {
		terminal.Status = domain.TerminalAvailable
		s.terminalsByID[terminal.ID] = terminal
	}

	ended := session
	return &ended, nil
}

func (s *Store) CreateCommand(_ context.Context, cmd domain.Command) (*domain.Command, error) {
	if cmd.TerminalID == "" || (cmd.Kind != domain.CommandLock && cmd.Kind != domain.CommandUnlock) {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ID == "" {
		cmd.ID = xid.New("cmd")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	cmd.Status = domain.CommandPending
	s.commandsByID[cmd.ID] = cmd
	created := cmd
	return &created, nil
}

func (s *Store) MarkCommandSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commandsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if cmd.Status != domain.CommandPending {
		return nil
	}
	cmd.Status = domain.CommandSent
	cmd.SentAt = &at
	s.commandsByID[id] = cmd
	return nil
}

func (s *Store) AcknowledgeCommand(_ context.Context, id string, at time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commandsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cmd.Status != domain.CommandAcked {
		cmd.Status = domain.CommandAcked
		cmd.AckedAt = &at
		s.commandsByID[id] = cmd
	}
	acked := cmd
	return &acked, nil
}

func (s *Store) ListCommands(_ context.Context, terminalID string, limit int) ([]domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Command, 0, 32)
	for _, cmd := range s.commandsByID {
		if terminalID != "" && cmd.TerminalID != terminalID {
			continue
		}
		result = append(result, cmd)
	}
	slices.SortFunc(result, func(a, b domain.Command) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrConflict
	}
	if customer.Status == "" {
		customer.Status = domain.CustomerStatusActive
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customersByID))
	for _, customer := range s.customersByID {
		result = append(result, customer)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) AdjustCustomerBalance(_ context.Context, id string, deltaCents int64) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if customer.BalanceCents+deltaCents < 0 {
		return nil, store.ErrValidation
	}
	customer.BalanceCents += deltaCents
	s.customersByID[id] = customer
	return &customer, nil
}

func (s *Store) SetCustomerStatus(_ context.Context, id string, status string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.Status = status
	s.customersByID[id] = customer
	return &customer, nil
}

func (s *Store) GetActivePrice(_ context.Context) (*domain.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.prices) - 1; i >= 0; i-- {
		if s.prices[i].Active {
			price := s.prices[i]
			return &price, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetActivePrice(_ context.Context, price domain.Price) (*domain.Price, error) {
	if price.PricePerMinuteCents < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.prices {
		s.prices[i].Active = false
	}
	if price.ID == "" {
		price.ID = xid.New("price")
	}
	if price.CreatedAt.IsZero() {
		price.CreatedAt = time.Now().UTC()
	}
	price.Active = true
	s.prices = append(s.prices, price)
	created := price
	return &created, nil
}

func (s *Store) FindBillingTransaction(_ context.Context, referenceID string, txType string) (*domain.BillingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.billingByKey[billingKey(referenceID, txType)]
	if !ok {
		return nil, store.ErrNotFound
	}
	tx := s.billing[idx]
	return &tx, nil
}

func (s *Store) ListBillingTransactions(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.BillingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BillingTransaction, 0, 32)
	for i := len(s.billing) - 1; i >= 0; i-- {
		tx := s.billing[i]
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		result = append(result, tx)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}

func billingKey(referenceID string, txType string) string {
	return referenceID + "|" + txType
}
