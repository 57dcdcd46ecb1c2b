package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// RestrictionCheckerInterface is the matcher side of the gate
type RestrictionCheckerInterface interface {
	Check(ctx context.Context, ipAddress string) (*models.RestrictionStatus, error)
}

// RateLimiterInterface is the sliding-window limiter side of the gate
type RateLimiterInterface interface {
	CheckRateLimit(ctx context.Context, presetName, ipAddress, userID string) (*models.RateLimitResult, error)
}

// ViolationRecorderInterface escalates repeated rate limit violations
type ViolationRecorderInterface interface {
	RecordViolation(ctx context.Context, ipAddress string) (bool, error)
}

// LockoutServiceInterface is the brute-force lockout contract
type LockoutServiceInterface interface {
	IsBlocked(ctx context.Context, email string) (bool, error)
	RecordFailedAttempt(ctx context.Context, email string) (*models.BruteForceState, error)
	GetRemainingAttempts(ctx context.Context, email string) (int, error)
	Reset(ctx context.Context, email string) error
}

// GateHandler is the decision surface the upstream identity service calls on
// every authentication attempt. It composes the IP matcher, the rate limiter,
// and the violation escalator into a single verdict.
type GateHandler struct {
	restrictions RestrictionCheckerInterface
	limiter      RateLimiterInterface
	violations   ViolationRecorderInterface
	lockouts     LockoutServiceInterface
	audit        *pkglogger.AuditLogger
	ipConfig     *pkghttp.IPConfig
}

// NewGateHandler creates a new GateHandler
func NewGateHandler(
	restrictions RestrictionCheckerInterface,
	limiter RateLimiterInterface,
	violations ViolationRecorderInterface,
	lockouts LockoutServiceInterface,
	audit *pkglogger.AuditLogger,
	ipConfig *pkghttp.IPConfig,
) *GateHandler {
	return &GateHandler{
		restrictions: restrictions,
		limiter:      limiter,
		violations:   violations,
		lockouts:     lockouts,
		audit:        audit,
		ipConfig:     ipConfig,
	}
}

// Request/response DTOs

// GateCheckRequest carries the attempt being gated. IPAddress is optional;
// when absent the connection address (honoring trusted proxies) is used.
type GateCheckRequest struct {
	IPAddress string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserID    string `json:"user_id,omitempty"`
	Preset    string `json:"preset,omitempty" validate:"omitempty,max=64"`
}

// GateCheckResponse is the gate verdict
type GateCheckResponse struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Remaining         int64  `json:"remaining,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// LoginOutcomeRequest reports a login attempt result for an account
type LoginOutcomeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// LockoutStatusResponse describes the lockout state of an account
type LockoutStatusResponse struct {
	Email             string `json:"email"`
	IsBlocked         bool   `json:"is_blocked"`
	RemainingAttempts int    `json:"remaining_attempts"`
}

// LoginFailureResponse is returned after recording a failed attempt
type LoginFailureResponse struct {
	Attempts          int64 `json:"attempts"`
	IsBlocked         bool  `json:"is_blocked"`
	RemainingAttempts int   `json:"remaining_attempts"`
}

// Check handles POST /gate/check
//
// Order matters: blacklist beats everything, whitelist bypasses the limiter,
// and a denied request feeds the violation escalator before the 429 goes out.
func (h *GateHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req GateCheckRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := req.IPAddress
	if ipAddress == "" {
		ipAddress = pkghttp.ExtractClientIP(r, h.ipConfig)
	}

	status, err := h.restrictions.Check(r.Context(), ipAddress)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if status.IsBlacklisted {
		h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
			EventType: pkglogger.EventIPBlocked,
			UserID:    req.UserID,
			IPAddress: ipAddress,
			Allowed:   false,
			Reason:    status.Reason,
		})
		writeGateVerdict(w, http.StatusForbidden, GateCheckResponse{
			Allowed: false,
			Reason:  "ip_blacklisted",
		})
		return
	}

	if status.IsWhitelisted {
		writeGateVerdict(w, http.StatusOK, GateCheckResponse{Allowed: true, Remaining: -1})
		return
	}

	result, err := h.limiter.CheckRateLimit(r.Context(), req.Preset, ipAddress, req.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if !result.IsAllowed {
		escalated, err := h.violations.RecordViolation(r.Context(), ipAddress)
		if err != nil {
			// The denial stands even if the escalator is unavailable
			escalated = false
		}

		h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
			EventType: pkglogger.EventRateLimitViolation,
			UserID:    req.UserID,
			IPAddress: ipAddress,
			Allowed:   false,
			Reason:    "rate_limit_exceeded",
			Metadata: map[string]string{
				"preset":         req.Preset,
				"auto_blacklist": strconv.FormatBool(escalated),
			},
		})

		if result.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
		}
		writeGateVerdict(w, http.StatusTooManyRequests, GateCheckResponse{
			Allowed:           false,
			Reason:            "rate_limit_exceeded",
			Limit:             result.Limit,
			RetryAfterSeconds: result.RetryAfterSeconds,
		})
		return
	}

	writeGateVerdict(w, http.StatusOK, GateCheckResponse{
		Allowed:   true,
		Remaining: result.Remaining,
		Limit:     result.Limit,
	})
}

// LoginFailure handles POST /gate/login/failure
func (h *GateHandler) LoginFailure(w http.ResponseWriter, r *http.Request) {
	var req LoginOutcomeRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	state, err := h.lockouts.RecordFailedAttempt(r.Context(), req.Email)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	remaining, err := h.lockouts.GetRemainingAttempts(r.Context(), req.Email)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if state.IsBlocked {
		h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
			EventType: pkglogger.EventLoginLockout,
			Email:     req.Email,
			IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
			Allowed:   false,
			Reason:    "too many failed login attempts",
		})
	}

	writeJSON(w, http.StatusOK, LoginFailureResponse{
		Attempts:          state.Attempts,
		IsBlocked:         state.IsBlocked,
		RemainingAttempts: remaining,
	})
}

// LoginSuccess handles POST /gate/login/success, clearing the counter
func (h *GateHandler) LoginSuccess(w http.ResponseWriter, r *http.Request) {
	var req LoginOutcomeRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.lockouts.Reset(r.Context(), req.Email); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LockoutStatus handles GET /gate/lockouts?email=
func (h *GateHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if email == "" {
		pkghttp.WriteBadRequest(w, "email query parameter is required")
		return
	}

	blocked, err := h.lockouts.IsBlocked(r.Context(), email)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	remaining, err := h.lockouts.GetRemainingAttempts(r.Context(), email)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, LockoutStatusResponse{
		Email:             email,
		IsBlocked:         blocked,
		RemainingAttempts: remaining,
	})
}

// ResetLockout handles DELETE /admin/lockouts/{email}
func (h *GateHandler) ResetLockout(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "email")))
	if email == "" {
		pkghttp.WriteBadRequest(w, "email is required")
		return
	}

	adminID := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		adminID = claims.UserID
	}

	if err := h.lockouts.Reset(r.Context(), email); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogAdminAction(pkglogger.EventLockoutReset, adminID, map[string]string{
		"email": pkglogger.SanitizedEmail(email),
	})

	w.WriteHeader(http.StatusNoContent)
}

func writeGateVerdict(w http.ResponseWriter, statusCode int, resp GateCheckResponse) {
	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
