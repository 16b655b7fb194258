package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/events"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/menu"
	"mealledger.org/internal/money"
)

const testAdminKey = "admin-key"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	catalog := menu.NewStatic()
	foods := []menu.FoodItem{
		{ID: "chicken", Name: "Grilled Chicken", Price: money.MustParse("12.50"), Available: true},
		{ID: "steak", Name: "Ribeye", Price: money.MustParse("140.00"), Available: true},
	}
	sides := []menu.SideDish{{ID: "salad", Name: "Garden Salad", Price: money.MustParse("3.50"), Available: true}}
	catalog.PutMenu(menu.DailyMenu{ID: "m1", CompanyID: "c1", Date: time.Now().UTC().AddDate(0, 0, 5), Foods: foods, Sides: sides})
	catalog.PutMenu(menu.DailyMenu{ID: "m-today", CompanyID: "c1", Date: time.Now().UTC(), Foods: foods, Sides: sides})

	svc := ledger.NewService(ledger.NewMemory(), catalog)
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	api := New(ReadyProbe{}, "test", svc,
		WithTokens(tokens),
		WithAdminKey(testAdminKey),
		WithStream(events.NewStream()),
		WithRateLimit(1000, 1000),
	)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) patch(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPatch, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

// as returns Authorization headers for a freshly minted token.
func (c *apiClient) as(subject string, role auth.Role, company string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"subject":    subject,
		"role":       role,
		"company_id": company,
	}, map[string]string{adminKeyHeader: testAdminKey})
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
	return body
}

// seedCompany creates wallet c1 with 500.00, employee e1 with a 50.00
// budget and returns headers for the three roles.
func seedCompany(t *testing.T, api *apiClient) (root, admin, emp map[string]string) {
	t.Helper()
	root = api.as("root", auth.RoleSuperAdmin, "")
	admin = api.as("adm", auth.RoleCompanyAdmin, "c1")
	emp = api.as("e1", auth.RoleEmployee, "c1")

	expectStatus(t, api.post("/v1/companies/c1/wallet", nil, root), http.StatusCreated)
	wallet := expectStatus(t, api.post("/v1/companies/c1/wallet/fund", map[string]any{"amount": "500.00"}, root), http.StatusOK)
	if wallet["balance"] != "500.00" {
		t.Fatalf("unexpected balance: %v", wallet["balance"])
	}
	expectStatus(t, api.post("/v1/companies/c1/employees", map[string]any{"employee_id": "e1"}, admin), http.StatusCreated)
	expectStatus(t, api.post("/v1/companies/c1/allocations", map[string]any{"employee_id": "e1", "amount": "50.00"}, admin), http.StatusCreated)
	return root, admin, emp
}

func TestAPIOrderLifecycle(t *testing.T) {
	api := newTestAPI(t)
	root, admin, emp := seedCompany(t, api)

	order := map[string]any{"daily_menu_id": "m1", "food_item_id": "chicken", "side_dish_ids": []string{"salad"}}
	headers := map[string]string{"Authorization": emp["Authorization"], "Idempotency-Key": "k1"}
	resp := api.post("/v1/orders", order, headers)
	if resp.Header.Get("Idempotency-Key") != "k1" {
		t.Fatalf("missing idempotency header echo")
	}
	placed := expectStatus(t, resp, http.StatusCreated)
	if placed["total_cost"] != "16.00" || placed["status"] != "PLACED" {
		t.Fatalf("unexpected order: %v", placed)
	}
	id := placed["id"].(string)

	// Repeat the same request: expect the same order and a single deduction.
	replay := expectStatus(t, api.post("/v1/orders", order, headers), http.StatusCreated)
	if replay["id"] != id {
		t.Fatalf("idempotent call returned different order id")
	}
	budget := expectStatus(t, api.get("/v1/employees/e1/budget", nil, emp), http.StatusOK)
	if budget["available"] != "34.00" {
		t.Fatalf("unexpected available budget: %v", budget["available"])
	}

	// The same key with a different selection is rejected, not replayed.
	changed := map[string]any{"daily_menu_id": "m1", "food_item_id": "chicken"}
	expectStatus(t, api.post("/v1/orders", changed, headers), http.StatusConflict)
	budget = expectStatus(t, api.get("/v1/employees/e1/budget", nil, emp), http.StatusOK)
	if budget["available"] != "34.00" {
		t.Fatalf("rejected replay moved the budget: %v", budget["available"])
	}

	colleague := api.as("e2", auth.RoleEmployee, "c1")
	expectStatus(t, api.get("/v1/orders/"+id, nil, colleague), http.StatusForbidden)
	expectStatus(t, api.get("/v1/orders/"+id, nil, admin), http.StatusOK)

	listed := expectStatus(t, api.get("/v1/orders", url.Values{"status": {"placed"}}, emp), http.StatusOK)
	if items := listed["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one listed order, got %d", len(items))
	}

	cancelled := expectStatus(t, api.patch("/v1/orders/"+id+"/cancel", nil, emp), http.StatusOK)
	if cancelled["status"] != "CANCELLED" {
		t.Fatalf("unexpected status after cancel: %v", cancelled["status"])
	}
	expectStatus(t, api.patch("/v1/orders/"+id+"/cancel", nil, emp), http.StatusConflict)
	expectStatus(t, api.patch("/v1/orders/"+id+"/status", map[string]any{"status": "CONFIRMED"}, root), http.StatusConflict)

	budget = expectStatus(t, api.get("/v1/employees/e1/budget", nil, emp), http.StatusOK)
	if budget["available"] != "50.00" {
		t.Fatalf("refund not applied: %v", budget["available"])
	}

	recon := expectStatus(t, api.get("/v1/admin/reconciliation", nil, root), http.StatusOK)
	if recon["status"] != "ok" {
		t.Fatalf("unexpected reconciliation status: %v", recon["status"])
	}

	entries := expectStatus(t, api.get("/v1/ledger/entries", url.Values{"limit": {"10"}}, root), http.StatusOK)
	// deposit, two allocation legs, deduction, refund
	if items := entries["items"].([]any); len(items) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(items))
	}
	if entries["next_after"] == nil {
		t.Fatalf("expected pagination field present")
	}
}

func TestAPIAdvanceStatusAndReports(t *testing.T) {
	api := newTestAPI(t)
	root, admin, emp := seedCompany(t, api)

	placed := expectStatus(t, api.post("/v1/orders", map[string]any{"daily_menu_id": "m1", "food_item_id": "chicken"}, emp), http.StatusCreated)
	id := placed["id"].(string)

	expectStatus(t, api.patch("/v1/orders/"+id+"/status", map[string]any{"status": "CONFIRMED"}, admin), http.StatusForbidden)
	expectStatus(t, api.patch("/v1/orders/"+id+"/status", map[string]any{"status": "DELIVERED"}, root), http.StatusConflict)
	confirmed := expectStatus(t, api.patch("/v1/orders/"+id+"/status", map[string]any{"status": "CONFIRMED"}, root), http.StatusOK)
	if confirmed["status"] != "CONFIRMED" {
		t.Fatalf("unexpected status: %v", confirmed["status"])
	}

	dash := expectStatus(t, api.get("/v1/admin/dashboard", nil, admin), http.StatusOK)
	if dash["pending_orders_total"] != float64(1) {
		t.Fatalf("unexpected pending count: %v", dash["pending_orders_total"])
	}
	expectStatus(t, api.get("/v1/admin/dashboard", url.Values{"company_id": {"c2"}}, admin), http.StatusForbidden)
	expectStatus(t, api.get("/v1/admin/reports", nil, emp), http.StatusForbidden)
	expectStatus(t, api.get("/v1/admin/reports", url.Values{"from": {"bad"}}, root), http.StatusBadRequest)

	stmt := expectStatus(t, api.get("/v1/companies/c1/wallet", nil, admin), http.StatusOK)
	if items := stmt["entries"].([]any); len(items) != 2 {
		t.Fatalf("expected deposit and allocation in statement, got %d", len(items))
	}
}

func TestAPIErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	_, _, emp := seedCompany(t, api)
	foreignAdmin := api.as("adm2", auth.RoleCompanyAdmin, "c2")

	cases := []struct {
		name   string
		resp   func() *http.Response
		status int
	}{
		{"lead time", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"daily_menu_id": "m-today", "food_item_id": "chicken"}, emp)
		}, http.StatusUnprocessableEntity},
		{"unknown food", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"daily_menu_id": "m1", "food_item_id": "pizza"}, emp)
		}, http.StatusUnprocessableEntity},
		{"insufficient budget", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"daily_menu_id": "m1", "food_item_id": "steak"}, emp)
		}, http.StatusConflict},
		{"unknown menu", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"daily_menu_id": "nope", "food_item_id": "chicken"}, emp)
		}, http.StatusNotFound},
		{"unknown field", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"menu": "m1"}, emp)
		}, http.StatusBadRequest},
		{"foreign admin", func() *http.Response {
			return api.post("/v1/companies/c1/allocations", map[string]any{"employee_id": "e1", "amount": "1.00"}, foreignAdmin)
		}, http.StatusForbidden},
		{"bad amount", func() *http.Response {
			return api.post("/v1/companies/c2/allocations", map[string]any{"employee_id": "e1", "amount": "1.001"}, foreignAdmin)
		}, http.StatusBadRequest},
		{"no token", func() *http.Response {
			return api.post("/v1/orders", map[string]any{"daily_menu_id": "m1", "food_item_id": "chicken"}, nil)
		}, http.StatusUnauthorized},
		{"wrong method", func() *http.Response {
			return api.get("/v1/companies/c1/wallet/fund", nil, emp)
		}, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := expectStatus(t, tc.resp(), tc.status)
			if body["error"] == nil || body["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}

	budget := expectStatus(t, api.get("/v1/employees/e1/budget", nil, emp), http.StatusOK)
	if budget["available"] != "50.00" {
		t.Fatalf("failed requests must not move the budget: %v", budget["available"])
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"subject": "x", "role": "EMPLOYEE", "company_id": "c1"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	key := map[string]string{adminKeyHeader: testAdminKey}
	expectStatus(t, api.post("/v1/auth/token", map[string]any{"subject": ""}, key), http.StatusBadRequest)
	expectStatus(t, api.post("/v1/auth/token", map[string]any{"subject": "x", "role": "OWNER"}, key), http.StatusBadRequest)
	expectStatus(t, api.post("/v1/auth/token", map[string]any{"subject": "x", "role": "EMPLOYEE"}, key), http.StatusBadRequest)
}

func TestOpsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	health := expectStatus(t, api.get("/healthz", nil, nil), http.StatusOK)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health: %v", health)
	}
	ready := expectStatus(t, api.get("/readyz", nil, nil), http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("unexpected ready: %v", ready)
	}
	info := expectStatus(t, api.get("/v1/info", nil, nil), http.StatusOK)
	if info["reservation_lead_days"] != float64(ledger.DefaultLeadDays) {
		t.Fatalf("unexpected lead days: %v", info["reservation_lead_days"])
	}
}
