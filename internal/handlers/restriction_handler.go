package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// RestrictionServiceInterface defines the restriction management contract
type RestrictionServiceInterface interface {
	CreateManual(ctx context.Context, ipPattern string, rtype models.RestrictionType, reason, createdBy string) (*models.IPRestriction, error)
	List(ctx context.Context) ([]models.IPRestriction, error)
	Delete(ctx context.Context, id string) error
}

// RestrictionHandler handles the admin blacklist/whitelist CRUD
type RestrictionHandler struct {
	service RestrictionServiceInterface
	audit   *pkglogger.AuditLogger
}

// NewRestrictionHandler creates a new RestrictionHandler
func NewRestrictionHandler(service RestrictionServiceInterface, audit *pkglogger.AuditLogger) *RestrictionHandler {
	return &RestrictionHandler{service: service, audit: audit}
}

// CreateRestrictionRequest represents the request body for creating a restriction
type CreateRestrictionRequest struct {
	IPPattern string `json:"ip_pattern" validate:"required,max=64"`
	Type      string `json:"type" validate:"required,oneof=blacklist whitelist"`
	Reason    string `json:"reason" validate:"required,max=255"`
}

// ListRestrictionsResponse wraps the restriction list
type ListRestrictionsResponse struct {
	Restrictions []models.IPRestriction `json:"restrictions"`
	Count        int                    `json:"count"`
}

// Create handles POST /admin/restrictions
func (h *RestrictionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRestrictionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	adminID := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		adminID = claims.UserID
	}

	restriction, err := h.service.CreateManual(r.Context(), req.IPPattern, models.RestrictionType(req.Type), req.Reason, adminID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "ip_pattern must be a valid IP address or CIDR range")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "An identical restriction already exists")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	h.audit.LogAdminAction(pkglogger.EventRestrictionCreated, adminID, map[string]string{
		"restriction_id": restriction.ID,
		"ip_pattern":     restriction.IPPattern,
		"type":           string(restriction.Type),
	})

	writeJSON(w, http.StatusCreated, restriction)
}

// List handles GET /admin/restrictions
func (h *RestrictionHandler) List(w http.ResponseWriter, r *http.Request) {
	restrictions, err := h.service.List(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, ListRestrictionsResponse{
		Restrictions: restrictions,
		Count:        len(restrictions),
	})
}

// Delete handles DELETE /admin/restrictions/{id}
func (h *RestrictionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		pkghttp.WriteBadRequest(w, "id is required")
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Restriction not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	adminID := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		adminID = claims.UserID
	}
	h.audit.LogAdminAction(pkglogger.EventRestrictionDeleted, adminID, map[string]string{
		"restriction_id": id,
	})

	w.WriteHeader(http.StatusNoContent)
}
