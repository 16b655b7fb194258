package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/events"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/money"
	"mealledger.org/internal/obs"
	"mealledger.org/internal/report"
)

const serviceName = "mealledger-api"

// ReadyProbe is a simple readiness check (pings the database when one is
// configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the ledger service.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	svc      *ledger.Service
	reports  *report.Reporter
	stream   *events.Stream
	tokens   *auth.Tokens
	adminKey string
	log      *zap.Logger

	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

type Option func(*API)

func WithReporter(r *report.Reporter) Option { return func(a *API) { a.reports = r } }

// WithStream enables GET /v1/admin/stream.
func WithStream(s *events.Stream) Option { return func(a *API) { a.stream = s } }

// WithTokens enables bearer authentication. Without it every non-public
// endpoint answers 401.
func WithTokens(t *auth.Tokens) Option { return func(a *API) { a.tokens = t } }

// WithAdminKey enables POST /v1/auth/token for callers presenting the key
// in X-Admin-Key.
func WithAdminKey(key string) Option { return func(a *API) { a.adminKey = strings.TrimSpace(key) } }

func WithLogger(l *zap.Logger) Option { return func(a *API) { a.log = l } }

func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func New(rp readinessChecker, version string, svc *ledger.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		rateBurst:  100,
		ratePerSec: 50,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	if a.reports == nil {
		a.reports = report.New(svc.Reader(), svc.Catalog())
	}
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/orders", a.handleOrders)
	a.mux.HandleFunc("/v1/orders/{id}", a.handleOrder)
	a.mux.HandleFunc("/v1/orders/{id}/cancel", a.handleCancelOrder)
	a.mux.HandleFunc("/v1/orders/{id}/status", a.handleOrderStatus)

	a.mux.HandleFunc("/v1/companies/{id}/wallet", a.handleWallet)
	a.mux.HandleFunc("/v1/companies/{id}/wallet/fund", a.handleFund)
	a.mux.HandleFunc("/v1/companies/{id}/employees", a.handleOpenAccount)
	a.mux.HandleFunc("/v1/companies/{id}/allocations", a.handleAllocation(false))
	a.mux.HandleFunc("/v1/companies/{id}/deallocations", a.handleAllocation(true))
	a.mux.HandleFunc("/v1/employees/{id}/budget", a.handleBudget)
	a.mux.HandleFunc("/v1/ledger/entries", a.handleEntries)

	a.mux.HandleFunc("/v1/admin/reports", a.handleReports)
	a.mux.HandleFunc("/v1/admin/dashboard", a.handleDashboard)
	a.mux.HandleFunc("/v1/admin/daily-summary", a.handleDailySummary)
	a.mux.HandleFunc("/v1/admin/reconciliation", a.handleReconciliation)
	a.mux.HandleFunc("/v1/admin/stream", a.handleStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- ops handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                  serviceName,
		"time":                  time.Now().UTC().Format(time.RFC3339),
		"version":               a.version,
		"reservation_lead_days": a.svc.LeadDays(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleLedgerError maps core errors onto HTTP status codes.
func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, money.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInvalidSelection), errors.Is(err, ledger.ErrLeadTimeViolation):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientBudget),
		errors.Is(err, ledger.ErrInvalidStateTransition),
		errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Logger().Error("request_failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// parseDate reads a YYYY-MM-DD query value; empty yields the zero time.
func parseDate(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + " date, use YYYY-MM-DD")
	}
	return t, nil
}
