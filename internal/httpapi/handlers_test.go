package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warnet/backend/internal/channel"
	"warnet/backend/internal/domain"
	"warnet/backend/internal/service"
	"warnet/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	hub := channel.NewHub()
	svc := service.New(repo, nil, time.Minute, hub)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	sockets := channel.NewHandler(hub, svc, auth, "*")

	return New(svc, auth, sockets, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// doJSON sends an authenticated request with a fresh CSRF token and decodes
// the response body into a generic map.
func doJSON(t *testing.T, api *API, method string, path string, token string, body any) (int, map[string]json.RawMessage) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	var payload map[string]json.RawMessage
	_ = json.NewDecoder(rec.Body).Decode(&payload)
	return rec.Code, payload
}

func registerTerminal(t *testing.T, api *API, name string) domain.Terminal {
	t.Helper()
	terminal, err := api.service.RegisterTerminal(context.Background(), name, "")
	if err != nil {
		t.Fatalf("register terminal: %v", err)
	}
	return terminal
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" || body.Role != domain.RoleAdmin {
		t.Fatalf("expected admin access token, got %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleTerminals_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/terminals", nil)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")
	terminal := registerTerminal(t, api, "PC-01")

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/sessions", token, domain.SessionCreateRequest{TerminalID: terminal.ID})
	if code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", code, body["error"])
	}
	var session domain.Session
	if err := json.Unmarshal(body["session"], &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Status != domain.SessionCreated || session.PricePerMinuteCents != 100 {
		t.Fatalf("unexpected created session: %+v", session)
	}

	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/sessions", token, domain.SessionCreateRequest{TerminalID: terminal.ID})
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for busy terminal, got %d", code)
	}

	for _, action := range []string{"start", "pause", "resume"} {
		code, body = doJSON(t, api, http.MethodPost, "/api/v1/sessions/"+session.ID+"/"+action, token, nil)
		if code != http.StatusOK {
			t.Fatalf("expected 200 on %s, got %d (%s)", action, code, body["error"])
		}
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/sessions/"+session.ID+"/quote", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on quote, got %d (%s)", code, body["error"])
	}

	code, body = doJSON(t, api, http.MethodPost, "/api/v1/sessions/"+session.ID+"/end", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on end, got %d (%s)", code, body["error"])
	}
	if err := json.Unmarshal(body["session"], &session); err != nil {
		t.Fatalf("decode ended session: %v", err)
	}
	if session.Status != domain.SessionEnded {
		t.Fatalf("expected ENDED, got %s", session.Status)
	}

	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/sessions/"+session.ID+"/end", token, nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 on second end, got %d", code)
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/terminals/"+terminal.ID, token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on terminal lookup, got %d", code)
	}
	var after domain.Terminal
	if err := json.Unmarshal(body["terminal"], &after); err != nil {
		t.Fatalf("decode terminal: %v", err)
	}
	if after.Status != domain.TerminalAvailable {
		t.Fatalf("expected terminal AVAILABLE after end, got %s", after.Status)
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	code, _ := doJSON(t, api, http.MethodGet, "/api/v1/sessions/sess-missing", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/sessions/sess-missing/start", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 on start, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/sessions/sess-missing/explode", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", code)
	}
}

func TestListSessionsRejectsUnknownStatus(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	code, _ := doJSON(t, api, http.MethodGet, "/api/v1/sessions?status=BROKEN", token, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestCustomerTopUpOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/customers", token, domain.CustomerCreateRequest{
		Name:         "Budi",
		Member:       true,
		DiscountRate: 0.1,
		BalanceCents: 500,
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", code, body["error"])
	}
	var customer domain.Customer
	if err := json.Unmarshal(body["customer"], &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}

	code, body = doJSON(t, api, http.MethodPost, "/api/v1/customers/"+customer.ID+"/topup", token, domain.CustomerTopUpRequest{AmountCents: 250})
	if code != http.StatusOK {
		t.Fatalf("expected 200 on topup, got %d (%s)", code, body["error"])
	}
	if err := json.Unmarshal(body["customer"], &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer.BalanceCents != 750 {
		t.Fatalf("expected balance 750, got %d", customer.BalanceCents)
	}

	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/customers/"+customer.ID+"/topup", token, domain.CustomerTopUpRequest{AmountCents: 0})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero topup, got %d", code)
	}
}

func TestOperatorCannotSetPriceOrForceLock(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")
	terminal := registerTerminal(t, api, "PC-02")

	code, _ := doJSON(t, api, http.MethodPost, "/api/v1/prices", token, domain.PriceSetRequest{PricePerMinuteCents: 150})
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 on price set, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/terminals/"+terminal.ID+"/unlock", token, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 on manual unlock, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 on audit logs, got %d", code)
	}
}

func TestAdminSetsPriceAndForcesLock(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	terminal := registerTerminal(t, api, "PC-03")

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/prices", token, domain.PriceSetRequest{PricePerMinuteCents: 150})
	if code != http.StatusCreated {
		t.Fatalf("expected 201 on price set, got %d (%s)", code, body["error"])
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/prices/active", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on active price, got %d", code)
	}
	var price domain.Price
	if err := json.Unmarshal(body["price"], &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if price.PricePerMinuteCents != 150 {
		t.Fatalf("expected active price 150, got %d", price.PricePerMinuteCents)
	}

	code, body = doJSON(t, api, http.MethodPost, "/api/v1/terminals/"+terminal.ID+"/lock", token, nil)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202 on manual lock, got %d (%s)", code, body["error"])
	}
	var cmd domain.Command
	if err := json.Unmarshal(body["command"], &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	// No agent is connected, so the command stays PENDING.
	if cmd.Kind != domain.CommandLock || cmd.Status != domain.CommandPending {
		t.Fatalf("expected PENDING LOCK, got %+v", cmd)
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/terminals/"+terminal.ID+"/commands", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on command history, got %d", code)
	}
	var commands []domain.Command
	if err := json.Unmarshal(body["commands"], &commands); err != nil {
		t.Fatalf("decode commands: %v", err)
	}
	if len(commands) != 1 || commands[0].ID != cmd.ID {
		t.Fatalf("expected forced command in history, got %+v", commands)
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on audit logs, got %d", code)
	}
	var logs []domain.AuditLog
	if err := json.Unmarshal(body["logs"], &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("expected price and lock audit entries, got %d", len(logs))
	}
}

func TestAdminCreatesOperator(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/users/operators", token, domain.OperatorCreateRequest{
		Username: "shift2",
		Password: "pass1234",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", code, body["error"])
	}

	operatorToken := loginAs(t, api, "shift2", "pass1234")
	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/terminals", operatorToken, nil)
	if code != http.StatusOK {
		t.Fatalf("expected new operator to list terminals, got %d", code)
	}
}

func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}

func TestCustomerSuspendBlocksNewSessionsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")
	terminal := registerTerminal(t, api, "PC-05")

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/customers", token, domain.CustomerCreateRequest{Name: "Sari"})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", code, body["error"])
	}
	var customer domain.Customer
	if err := json.Unmarshal(body["customer"], &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}

	code, body = doJSON(t, api, http.MethodPost, "/api/v1/customers/"+customer.ID+"/suspend", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on suspend, got %d (%s)", code, body["error"])
	}
	if err := json.Unmarshal(body["customer"], &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer.Status != domain.CustomerStatusSuspended {
		t.Fatalf("expected suspended, got %s", customer.Status)
	}

	req := domain.SessionCreateRequest{TerminalID: terminal.ID, CustomerID: customer.ID}
	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/sessions", token, req)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for suspended customer, got %d", code)
	}

	code, body = doJSON(t, api, http.MethodPost, "/api/v1/customers/"+customer.ID+"/activate", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on activate, got %d (%s)", code, body["error"])
	}
	code, body = doJSON(t, api, http.MethodPost, "/api/v1/sessions", token, req)
	if code != http.StatusCreated {
		t.Fatalf("expected 201 after activate, got %d (%s)", code, body["error"])
	}

	code, _ = doJSON(t, api, http.MethodPost, "/api/v1/customers/cust-missing/suspend", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown customer, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/customers/"+customer.ID+"/suspend", token, nil)
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 on GET suspend, got %d", code)
	}
}

func TestTerminalSessionAndBillingLookupOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "operator", "operator123")
	terminal := registerTerminal(t, api, "PC-06")

	code, _ := doJSON(t, api, http.MethodGet, "/api/v1/terminals/"+terminal.ID+"/session", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for idle terminal, got %d", code)
	}

	code, body := doJSON(t, api, http.MethodPost, "/api/v1/sessions", token, domain.SessionCreateRequest{TerminalID: terminal.ID})
	if code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", code, body["error"])
	}
	var created domain.Session
	if err := json.Unmarshal(body["session"], &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	code, body = doJSON(t, api, http.MethodGet, "/api/v1/terminals/"+terminal.ID+"/session", token, nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200 on terminal session, got %d (%s)", code, body["error"])
	}
	var open domain.Session
	if err := json.Unmarshal(body["session"], &open); err != nil {
		t.Fatalf("decode open session: %v", err)
	}
	if open.ID != created.ID {
		t.Fatalf("expected open session %s, got %s", created.ID, open.ID)
	}

	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/sessions/"+created.ID+"/billing", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unbilled session, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/sessions/sess-missing/billing", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", code)
	}
	code, _ = doJSON(t, api, http.MethodGet, "/api/v1/terminals/term-missing/session", token, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown terminal, got %d", code)
	}
}
