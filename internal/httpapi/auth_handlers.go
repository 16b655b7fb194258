package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mealledger.org/internal/audit"
	"mealledger.org/internal/auth"
)

const adminKeyHeader = "X-Admin-Key"

type tokenRequest struct {
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Actor     auth.Actor `json:"actor"`
}

// handleAuthToken mints a bearer token for any actor. It is an operator
// tool guarded by the admin key; user management lives elsewhere.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.adminKey == "" || a.tokens == nil {
		writeError(w, r, http.StatusNotFound, "token issuance is disabled")
		return
	}
	presented := r.Header.Get(adminKeyHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminKey)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid admin key")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := auth.Actor{ID: subject, Role: role, CompanyID: strings.TrimSpace(req.CompanyID)}
	if role == auth.RoleSuperAdmin {
		actor.CompanyID = ""
	}

	token, expiresAt, err := a.tokens.GenerateToken(actor)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued",
		zap.String("subject", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("company_id", actor.CompanyID),
		zap.Time("expires_at", expiresAt),
	)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Actor:     actor,
	})
}
