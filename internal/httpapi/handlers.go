package httpapi

import (
	"errors"
	"net/http"

	"warnet/backend/internal/domain"
)

func (a *API) handleTerminals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	terminals, err := a.service.ListTerminals(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminals": terminals})
}

// handleTerminalActions serves /api/v1/terminals/{id} and its sub-resources.
func (a *API) handleTerminalActions(w http.ResponseWriter, r *http.Request) {
	terminalID, action := pathAction(r.URL.Path, "/api/v1/terminals/")
	if terminalID == "" {
		writeError(w, http.StatusBadRequest, errors.New("terminal id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		terminal, err := a.service.GetTerminal(r.Context(), terminalID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"terminal": terminal})
	case "commands":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
		commands, err := a.service.ListCommands(r.Context(), terminalID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
	case "session":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		session, err := a.service.TerminalSession(r.Context(), terminalID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session})
	case "lock", "unlock":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		kind := domain.CommandLock
		if action == "unlock" {
			kind = domain.CommandUnlock
		}
		cmd, err := a.service.ForceCommand(r.Context(), terminalID, kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"command": cmd})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown terminal action"))
	}
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		sessions, err := a.service.ListSessions(r.Context(), status, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	case http.MethodPost:
		var req domain.SessionCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := a.service.CreateSession(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": session})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSessionActions serves /api/v1/sessions/{id} and its lifecycle actions.
func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	sessionID, action := pathAction(r.URL.Path, "/api/v1/sessions/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		session, err := a.service.GetSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session})
		return
	case "quote":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		quote, err := a.service.QuoteSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quote": quote})
		return
	case "billing":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		tx, err := a.service.SessionBilling(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var (
		session domain.Session
		err     error
	)
	switch action {
	case "start":
		session, err = a.service.StartSession(r.Context(), sessionID)
	case "pause":
		session, err = a.service.PauseSession(r.Context(), sessionID)
	case "resume":
		session, err = a.service.ResumeSession(r.Context(), sessionID)
	case "end":
		session, err = a.service.EndSession(r.Context(), sessionID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown session action"))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		customers, err := a.service.ListCustomers(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.CustomerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := a.service.CreateCustomer(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	customerID, action := pathAction(r.URL.Path, "/api/v1/customers/")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		customer, err := a.service.GetCustomer(r.Context(), customerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	case "topup":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.CustomerTopUpRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		customer, err := a.service.TopUpCustomer(r.Context(), customerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	case "suspend", "activate":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		status := domain.CustomerStatusSuspended
		if action == "activate" {
			status = domain.CustomerStatusActive
		}
		customer, err := a.service.SetCustomerStatus(r.Context(), customerID, status)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown customer action"))
	}
}

func (a *API) handleActivePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	price, err := a.service.ActivePrice(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"price": price})
}

func (a *API) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.PriceSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := a.service.SetPrice(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"price": price})
}

func (a *API) handleBillingTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 1000)

	transactions, err := a.service.ListBillingTransactions(r.Context(), date, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": transactions})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleOperators(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"operators": a.auth.ListOperators()})
	case http.MethodPost:
		var req domain.OperatorCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		operator, err := a.auth.CreateOperator(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"operator": operator})
	default:
		writeMethodNotAllowed(w)
	}
}
