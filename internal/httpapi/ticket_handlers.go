package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"renki.org/internal/audit"
	"renki.org/internal/ticket"
)

const (
	permTicketsRead  = "tickets.read"
	permTicketsWrite = "tickets.write"
)

type pendingTicketsResponse struct {
	Items []ticket.Ticket `json:"items"`
	AsOf  time.Time       `json:"as_of"`
}

func (a *API) handlePendingTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), permTicketsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}

	serverID := strings.TrimSpace(r.URL.Query().Get("server_id"))
	if serverID == "" {
		writeError(w, r, http.StatusBadRequest, "server_id is required")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.ledger.Pending(r.Context(), serverID, limit)
	if err != nil {
		handleTicketError(w, r, err)
		return
	}
	if items == nil {
		items = []ticket.Ticket{}
	}
	writeJSON(w, http.StatusOK, pendingTicketsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleTicketResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tickets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/done"); ok {
		if id = strings.TrimSuffix(id, "/"); id == "" {
			writeError(w, r, http.StatusNotFound, "ticket not found")
			return
		}
		a.markTicketDone(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getTicket(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) getTicket(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), permTicketsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}
	tk, err := a.ledger.GetTicket(r.Context(), id)
	if err != nil {
		handleTicketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tk)
}

func (a *API) markTicketDone(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), permTicketsWrite); err != nil {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}

	tk, err := a.ledger.MarkDone(r.Context(), id)
	if err != nil {
		handleTicketError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "ticket.done", map[string]any{
		"ticket_id": tk.ID,
		"server_id": tk.ServerID,
	})

	writeJSON(w, http.StatusOK, tk)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func handleTicketError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ticket.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ticket.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
