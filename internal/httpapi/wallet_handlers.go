package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/money"
)

type fundRequest struct {
	Amount money.Amount `json:"amount"`
}

type openAccountRequest struct {
	EmployeeID string `json:"employee_id"`
}

type allocationRequest struct {
	EmployeeID  string       `json:"employee_id"`
	Amount      money.Amount `json:"amount"`
	Description string       `json:"description"`
}

type listEntriesResponse struct {
	Items     []ledger.Entry `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

func companyID(r *http.Request) string { return strings.TrimSpace(r.PathValue("id")) }

func (a *API) handleWallet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		company := companyID(r)
		if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionCreateWallet, CompanyID: company}); !ok {
			return
		}
		wallet, err := a.svc.CreateWallet(r.Context(), company)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/companies/"+company+"/wallet")
		writeJSON(w, http.StatusCreated, wallet)
	case http.MethodGet:
		company := companyID(r)
		if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionReadWallet, CompanyID: company}); !ok {
			return
		}
		limit, err := parsePositiveInt("limit", r.URL.Query().Get("limit"), 100, 1, 1000)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		st, err := a.reports.WalletStatement(r.Context(), company, limit)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	company := companyID(r)
	actor, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionFundWallet, CompanyID: company})
	if !ok {
		return
	}
	var req fundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := a.svc.Fund(r.Context(), company, req.Amount, actor.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (a *API) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	company := companyID(r)
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionOpenAccount, CompanyID: company}); !ok {
		return
	}
	var req openAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.svc.OpenAccount(r.Context(), company, strings.TrimSpace(req.EmployeeID))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/employees/"+acc.EmployeeID+"/budget")
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleAllocation(reverse bool) http.HandlerFunc {
	action := auth.ActionAllocate
	if reverse {
		action = auth.ActionDeallocate
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req allocationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		company := companyID(r)
		employee := strings.TrimSpace(req.EmployeeID)
		actor, ok := a.authorize(w, r, auth.Operation{Action: action, CompanyID: company, EmployeeID: employee})
		if !ok {
			return
		}
		in := ledger.AllocationRequest{
			CompanyID:   company,
			EmployeeID:  employee,
			Amount:      req.Amount,
			ActorID:     actor.ID,
			Description: strings.TrimSpace(req.Description),
		}
		var (
			res ledger.Allocation
			err error
		)
		if reverse {
			res, err = a.svc.Deallocate(r.Context(), in)
		} else {
			res, err = a.svc.Allocate(r.Context(), in)
		}
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func (a *API) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	acc, err := a.svc.Reader().Account(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionReadBudget, CompanyID: acc.CompanyID, EmployeeID: acc.EmployeeID}); !ok {
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: auth.ActionReadLedger}); !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt("limit", q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := ledger.EntryFilter{Limit: limit, WalletID: strings.TrimSpace(q.Get("wallet_id"))}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		f.AfterSeq = v
	}
	if raw := strings.TrimSpace(q.Get("scope")); raw != "" {
		if f.Scope, err = ledger.ParseScope(raw); err != nil {
			handleLedgerError(w, r, err)
			return
		}
	}

	items, next, err := a.svc.Reader().ListEntries(r.Context(), f)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{Items: items, NextAfter: next, AsOf: time.Now().UTC()})
}
