package httpapi

import (
	"net/http"
	"strings"
	"time"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/ledger"
)

type placeOrderRequest struct {
	EmployeeID  string   `json:"employee_id"`
	DailyMenuID string   `json:"daily_menu_id"`
	FoodItemID  string   `json:"food_item_id"`
	SideDishIDs []string `json:"side_dish_ids"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type listOrdersResponse struct {
	Items []ledger.Order `json:"items"`
	AsOf  time.Time      `json:"as_of"`
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.placeOrder(w, r)
	case http.MethodGet:
		a.listOrders(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	o, ok := a.loadOrder(w, r, auth.ActionReadOrder)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	o, ok := a.loadOrder(w, r, auth.ActionCancelOrder)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	cancelled, err := a.svc.CancelOrder(r.Context(), o.ID, actor.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	next, err := ledger.ParseOrderStatus(req.Status)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	o, ok := a.loadOrder(w, r, auth.ActionAdvanceStatus)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	updated, err := a.svc.AdvanceStatus(r.Context(), o.ID, next, actor.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// loadOrder fetches the order named in the path and authorizes action
// against its owner.
func (a *API) loadOrder(w http.ResponseWriter, r *http.Request, action auth.Action) (ledger.Order, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, http.StatusNotFound, "order not found")
		return ledger.Order{}, false
	}
	o, err := a.svc.GetOrder(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return ledger.Order{}, false
	}
	if _, ok := a.authorize(w, r, auth.Operation{Action: action, CompanyID: o.CompanyID, EmployeeID: o.EmployeeID}); !ok {
		return ledger.Order{}, false
	}
	return o, true
}

func (a *API) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	actor, _ := auth.ActorFromContext(r.Context())
	employeeID := strings.TrimSpace(req.EmployeeID)
	if employeeID == "" {
		employeeID = actor.ID
	}
	if _, ok := a.authorize(w, r, auth.Operation{
		Action:     auth.ActionPlaceOrder,
		CompanyID:  actor.CompanyID,
		EmployeeID: employeeID,
	}); !ok {
		return
	}

	o, err := a.svc.PlaceOrder(r.Context(), ledger.OrderRequest{
		EmployeeID:     employeeID,
		DailyMenuID:    strings.TrimSpace(req.DailyMenuID),
		FoodItemID:     strings.TrimSpace(req.FoodItemID),
		SideDishIDs:    req.SideDishIDs,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	w.Header().Set("Location", "/v1/orders/"+o.ID)
	writeJSON(w, http.StatusCreated, o)
}

// listOrders narrows the filter to what the caller may see: employees get
// their own orders, company admins their company's.
func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	f := ledger.OrderFilter{
		EmployeeID: strings.TrimSpace(q.Get("employee_id")),
		CompanyID:  strings.TrimSpace(q.Get("company_id")),
	}
	switch actor.Role {
	case auth.RoleEmployee:
		f.EmployeeID, f.CompanyID = actor.ID, actor.CompanyID
	case auth.RoleCompanyAdmin:
		f.CompanyID = actor.CompanyID
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := ledger.ParseOrderStatus(part)
			if err != nil {
				handleLedgerError(w, r, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = parseDate("from", q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, err = parseDate("to", q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.svc.Reader().ListOrders(r.Context(), f)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Items: items, AsOf: time.Now().UTC()})
}
