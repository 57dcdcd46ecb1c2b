package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// DeviceTrustServiceInterface defines the device trust contract used by handlers
type DeviceTrustServiceInterface interface {
	FindTrustedDevice(ctx context.Context, userID, deviceID string, fingerprint *string) (*models.Device, error)
	CreateTrustedDevice(ctx context.Context, userID, deviceID string, info models.DeviceInfo, geo models.GeoInfo, fingerprint *string) (*models.Device, error)
	CreatePendingDevice(ctx context.Context, userID, deviceID string, riskScore int, riskFactors []string, info models.DeviceInfo, geo models.GeoInfo) (*models.ApprovalChallenge, error)
	ValidateApprovalToken(ctx context.Context, token string) (*models.Device, error)
	ValidateApprovalCode(ctx context.Context, token, code string) (*models.CodeValidationResult, error)
	MarkDeviceTrusted(ctx context.Context, device *models.Device) error
	ApproveFromSession(ctx context.Context, deviceRowID, userID string) (*models.Device, error)
	RevokeOwned(ctx context.Context, deviceRowID, userID string) (bool, error)
	RevokeAllExcept(ctx context.Context, userID, keepDeviceRowID string) (int, error)
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	Rename(ctx context.Context, deviceRowID, userID, name string) error
	RecordUsage(ctx context.Context, deviceRowID, ipAddress string) error
}

// DeviceHandler handles device trust HTTP requests: the evaluate call made by
// the identity service after each login, the public email approval flow, and
// the authenticated device-management surface.
type DeviceHandler struct {
	service       DeviceTrustServiceInterface
	notifier      services.ApprovalNotifier
	audit         *pkglogger.AuditLogger
	ipConfig      *pkghttp.IPConfig
	riskThreshold int
}

// NewDeviceHandler creates a new DeviceHandler. Devices scoring at or above
// riskThreshold require step-up approval.
func NewDeviceHandler(service DeviceTrustServiceInterface, notifier services.ApprovalNotifier, audit *pkglogger.AuditLogger, ipConfig *pkghttp.IPConfig, riskThreshold int) *DeviceHandler {
	if riskThreshold <= 0 {
		riskThreshold = 50
	}
	return &DeviceHandler{
		service:       service,
		notifier:      notifier,
		audit:         audit,
		ipConfig:      ipConfig,
		riskThreshold: riskThreshold,
	}
}

// Request/response DTOs

// EvaluateDeviceRequest carries the post-login device signals
type EvaluateDeviceRequest struct {
	UserID      string   `json:"user_id" validate:"required"`
	Email       string   `json:"email" validate:"required,email"`
	DeviceID    string   `json:"device_id" validate:"required,max=128"`
	Fingerprint string   `json:"fingerprint,omitempty" validate:"omitempty,max=128"`
	RiskScore   int      `json:"risk_score" validate:"gte=0,lte=100"`
	RiskFactors []string `json:"risk_factors,omitempty"`
	Name        string   `json:"name,omitempty" validate:"omitempty,max=100"`
	DeviceType  string   `json:"device_type,omitempty"`
	Browser     string   `json:"browser,omitempty"`
	OS          string   `json:"os,omitempty"`
	IPAddress   string   `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Country     string   `json:"country,omitempty"`
	City        string   `json:"city,omitempty"`
}

// EvaluateDeviceResponse is the trust verdict for a login
type EvaluateDeviceResponse struct {
	Status        models.DeviceStatus `json:"status"`
	Device        DeviceResponse      `json:"device"`
	ApprovalToken string              `json:"approval_token,omitempty"`
}

// SubmitApprovalRequest carries the emailed code back to the service
type SubmitApprovalRequest struct {
	Token string `json:"token" validate:"required"`
	Code  string `json:"code" validate:"required,max=16"`
}

// ApprovalResultResponse reports the outcome of a code submission
type ApprovalResultResponse struct {
	Approved           bool                 `json:"approved"`
	Error              models.ApprovalError `json:"error,omitempty"`
	AttemptsUsed       int                  `json:"attempts_used,omitempty"`
	MaxAttemptsReached bool                 `json:"max_attempts_reached,omitempty"`
	Device             *DeviceResponse      `json:"device,omitempty"`
}

// RenameDeviceRequest sets the user-visible device name
type RenameDeviceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=100"`
}

// RevokeAllRequest optionally keeps one device (usually the current one)
type RevokeAllRequest struct {
	KeepDeviceID string `json:"keep_device_id,omitempty"`
}

// RevokeAllResponse reports how many devices were revoked
type RevokeAllResponse struct {
	RevokedCount int `json:"revoked_count"`
}

// ListDevicesResponse wraps the device list
type ListDevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}

// DeviceResponse is the externally visible projection of a device row.
// Approval secrets never appear here.
type DeviceResponse struct {
	ID          string              `json:"id"`
	DeviceID    string              `json:"device_id"`
	Name        string              `json:"name,omitempty"`
	Status      models.DeviceStatus `json:"status"`
	RiskScore   int                 `json:"risk_score"`
	RiskFactors []string            `json:"risk_factors,omitempty"`
	DeviceType  string              `json:"device_type,omitempty"`
	Browser     string              `json:"browser,omitempty"`
	OS          string              `json:"os,omitempty"`
	Country     string              `json:"country,omitempty"`
	City        string              `json:"city,omitempty"`
	TrustedAt   *time.Time          `json:"trusted_at,omitempty"`
	LastUsedAt  time.Time           `json:"last_used_at"`
	CreatedAt   time.Time           `json:"created_at"`
}

func toDeviceResponse(d *models.Device) DeviceResponse {
	return DeviceResponse{
		ID:          d.ID,
		DeviceID:    d.DeviceID,
		Name:        d.Name,
		Status:      d.Status,
		RiskScore:   d.RiskScore,
		RiskFactors: d.RiskFactors,
		DeviceType:  d.DeviceType,
		Browser:     d.Browser,
		OS:          d.OS,
		Country:     d.Country,
		City:        d.City,
		TrustedAt:   d.TrustedAt,
		LastUsedAt:  d.LastUsedAt,
		CreatedAt:   d.CreatedAt,
	}
}

// Evaluate handles POST /devices/evaluate
//
// Known trusted devices pass straight through. Unknown low-risk devices are
// trusted on first use; risky ones start an approval cycle and the code is
// emailed to the account owner.
func (h *DeviceHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateDeviceRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	var fingerprint *string
	if req.Fingerprint != "" {
		fingerprint = &req.Fingerprint
	}

	info := models.DeviceInfo{Name: req.Name, DeviceType: req.DeviceType, Browser: req.Browser, OS: req.OS}
	geo := models.GeoInfo{IPAddress: req.IPAddress, Country: req.Country, City: req.City}
	if geo.IPAddress == "" {
		geo.IPAddress = pkghttp.ExtractClientIP(r, h.ipConfig)
	}

	trusted, err := h.service.FindTrustedDevice(r.Context(), req.UserID, req.DeviceID, fingerprint)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if trusted != nil {
		if err := h.service.RecordUsage(r.Context(), trusted.ID, geo.IPAddress); err != nil {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, EvaluateDeviceResponse{
			Status: models.DeviceTrusted,
			Device: toDeviceResponse(trusted),
		})
		return
	}

	if req.RiskScore < h.riskThreshold {
		device, err := h.service.CreateTrustedDevice(r.Context(), req.UserID, req.DeviceID, info, geo, fingerprint)
		if err != nil {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, EvaluateDeviceResponse{
			Status: models.DeviceTrusted,
			Device: toDeviceResponse(device),
		})
		return
	}

	challenge, err := h.service.CreatePendingDevice(r.Context(), req.UserID, req.DeviceID, req.RiskScore, req.RiskFactors, info, geo)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if err := h.notifier.SendApprovalEmail(r.Context(), req.Email, challenge.Token, challenge.Code, *challenge.Device.ApprovalExpiresAt); err != nil {
		// The cycle exists either way; the user can retry from a trusted session
		h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
			EventType: pkglogger.EventDevicePending,
			UserID:    req.UserID,
			Email:     req.Email,
			IPAddress: geo.IPAddress,
			Allowed:   false,
			Reason:    "approval email delivery failed",
		})
	} else {
		h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
			EventType: pkglogger.EventDevicePending,
			UserID:    req.UserID,
			Email:     req.Email,
			IPAddress: geo.IPAddress,
			Allowed:   true,
			Metadata:  map[string]string{"device": challenge.Device.ID},
		})
	}

	writeJSON(w, http.StatusOK, EvaluateDeviceResponse{
		Status:        models.DevicePendingApproval,
		Device:        toDeviceResponse(challenge.Device),
		ApprovalToken: challenge.Token,
	})
}

// ShowApproval handles GET /devices/approve?token=
//
// Public endpoint behind the approval link; shows what is being approved
// without requiring a session.
func (h *DeviceHandler) ShowApproval(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		pkghttp.WriteBadRequest(w, "token query parameter is required")
		return
	}

	device, err := h.service.ValidateApprovalToken(r.Context(), token)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if device == nil {
		pkghttp.WriteNotFound(w, "Approval request not found or expired")
		return
	}

	writeJSON(w, http.StatusOK, toDeviceResponse(device))
}

// SubmitApproval handles POST /devices/approve
func (h *DeviceHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req SubmitApprovalRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.ValidateApprovalCode(r.Context(), req.Token, req.Code)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if !result.IsValid {
		status := http.StatusBadRequest
		switch result.Error {
		case models.ApprovalTokenInvalid:
			status = http.StatusNotFound
		case models.ApprovalMaxAttempts:
			status = http.StatusForbidden
		}
		writeJSON(w, status, ApprovalResultResponse{
			Approved:           false,
			Error:              result.Error,
			AttemptsUsed:       result.Attempts,
			MaxAttemptsReached: result.MaxAttemptsReached,
		})
		return
	}

	if err := h.service.MarkDeviceTrusted(r.Context(), result.Device); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
		EventType: pkglogger.EventDeviceApproved,
		UserID:    result.Device.UserID,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		Allowed:   true,
		Metadata:  map[string]string{"device": result.Device.ID, "method": "email_code"},
	})

	resp := toDeviceResponse(result.Device)
	writeJSON(w, http.StatusOK, ApprovalResultResponse{Approved: true, Device: &resp})
}

// List handles GET /devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	devices, err := h.service.ListDevices(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := ListDevicesResponse{Devices: make([]DeviceResponse, 0, len(devices)), Count: len(devices)}
	for i := range devices {
		resp.Devices = append(resp.Devices, toDeviceResponse(&devices[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ApproveFromSession handles POST /devices/{id}/approve
func (h *DeviceHandler) ApproveFromSession(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	device, err := h.service.ApproveFromSession(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if device == nil {
		pkghttp.WriteNotFound(w, "Pending device not found")
		return
	}

	h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
		EventType: pkglogger.EventDeviceApproved,
		UserID:    claims.UserID,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		Allowed:   true,
		Metadata:  map[string]string{"device": device.ID, "method": "session"},
	})

	writeJSON(w, http.StatusOK, toDeviceResponse(device))
}

// Revoke handles DELETE /devices/{id}
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	revoked, err := h.service.RevokeOwned(r.Context(), id, claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if !revoked {
		pkghttp.WriteNotFound(w, "Device not found")
		return
	}

	h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
		EventType: pkglogger.EventDeviceRevoked,
		UserID:    claims.UserID,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		Allowed:   true,
		Metadata:  map[string]string{"device": id},
	})

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles POST /devices/revoke-all
func (h *DeviceHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req RevokeAllRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	count, err := h.service.RevokeAllExcept(r.Context(), claims.UserID, req.KeepDeviceID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogSecurityEvent(pkglogger.SecurityEvent{
		EventType: pkglogger.EventDeviceRevoked,
		UserID:    claims.UserID,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		Allowed:   true,
		Metadata:  map[string]string{"revoked_count": strconv.Itoa(count)},
	})

	writeJSON(w, http.StatusOK, RevokeAllResponse{RevokedCount: count})
}

// Rename handles PATCH /devices/{id}
func (h *DeviceHandler) Rename(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req RenameDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.Rename(r.Context(), chi.URLParam(r, "id"), claims.UserID, req.Name); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Device not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
