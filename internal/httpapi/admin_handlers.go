package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/report"
)

// reportCompany resolves the company a report is scoped to. Company admins
// default to their own company and may not look at another.
func (a *API) reportCompany(w http.ResponseWriter, r *http.Request) (string, bool) {
	company := strings.TrimSpace(r.URL.Query().Get("company_id"))
	if actor, ok := auth.ActorFromContext(r.Context()); ok && actor.Role == auth.RoleCompanyAdmin && company == "" {
		company = actor.CompanyID
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionReports, CompanyID: company}); !ok {
		return "", false
	}
	return company, true
}

func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	company, ok := a.reportCompany(w, r)
	if !ok {
		return
	}
	q := report.SpendQuery{CompanyID: company}
	var err error
	if q.From, err = parseDate("from", r.URL.Query().Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if q.To, err = parseDate("to", r.URL.Query().Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.reports.SpendReport(r.Context(), q)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	company, ok := a.reportCompany(w, r)
	if !ok {
		return
	}
	res, err := a.reports.Dashboard(r.Context(), company)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	company, ok := a.reportCompany(w, r)
	if !ok {
		return
	}
	date, err := parseDate("date", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}
	res, err := a.reports.DailySummary(r.Context(), date, company)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReconciliation answers 500 with the full report when the ledger
// and the stored balances disagree.
func (a *API) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionReconcile}); !ok {
		return
	}
	rep, err := a.svc.Reconcile(r.Context())
	switch {
	case errors.Is(err, ledger.ErrReconciliationMismatch):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":     "mismatch",
			"report":     rep,
			"request_id": RequestIDFromContext(r.Context()),
		})
	case err != nil:
		handleLedgerError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"report": rep,
		})
	}
}

// handleStream serves committed ledger events as Server-Sent Events.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionStream}); !ok {
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, strings.TrimSpace(r.URL.Query().Get("company_id")))

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(ev.Type) + "\n"))
		_, _ = w.Write([]byte("id: " + ev.ID + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
