package logger

import (
	"context"
	"log/slog"
	"time"
)

// Security event types emitted by the defense layer.
const (
	EventRateLimitViolation = "rate_limit_violation"
	EventAutoBlacklist      = "auto_blacklist"
	EventIPBlocked          = "ip_blocked"
	EventLoginLockout       = "login_lockout"
	EventLockoutReset       = "lockout_reset"
	EventDevicePending      = "device_approval_pending"
	EventDeviceApproved     = "device_approved"
	EventDeviceRevoked      = "device_revoked"
	EventRestrictionCreated = "ip_restriction_created"
	EventRestrictionDeleted = "ip_restriction_deleted"
)

// SecurityEvent represents an auditable defense decision
type SecurityEvent struct {
	EventType string
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
	Allowed   bool
	Reason    string
	Metadata  map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogSecurityEvent logs a defense decision. Denials log at warn so they
// surface in alerting without a separate pipeline.
func (al *AuditLogger) LogSecurityEvent(event SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", event.EventType),
		slog.Bool("allowed", event.Allowed),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	if event.Allowed {
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	}
}

// LogAdminAction logs restriction management performed by operators
func (al *AuditLogger) LogAdminAction(eventType, adminID string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "admin"),
		slog.String("event_type", eventType),
		slog.String("admin_id", adminID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}
