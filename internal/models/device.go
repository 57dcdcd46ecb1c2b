package models

import "time"

// DeviceStatus is the trust state of a device binding.
// Transitions: Trusted <-> PendingApproval -> Revoked (terminal).
type DeviceStatus string

const (
	DeviceTrusted         DeviceStatus = "trusted"
	DevicePendingApproval DeviceStatus = "pending_approval"
	DeviceRevoked         DeviceStatus = "revoked"
)

// Device represents one client device/browser binding for a user.
//
// A row is reused across trust cycles: the same (user_id, device_id) pair is
// demoted back to pending when risk signals change rather than duplicated,
// which preserves the audit history of the physical device. Revoked rows are
// never reused; a subsequent login creates a fresh row.
type Device struct {
	ID          string       `db:"id" json:"id"`
	UserID      string       `db:"user_id" json:"user_id"`
	DeviceID    string       `db:"device_id" json:"device_id"`
	Fingerprint *string      `db:"fingerprint" json:"fingerprint,omitempty"`
	Name        string       `db:"name" json:"name"`
	Status      DeviceStatus `db:"status" json:"status"`

	// Risk evaluation captured when the current trust cycle started.
	RiskScore   int      `db:"risk_score" json:"risk_score"`
	RiskFactors []string `db:"risk_factors" json:"risk_factors,omitempty"`

	// Approval state, populated only while pending. The code is stored
	// bcrypt-hashed; the plaintext exists only in the create result and
	// the notification email.
	ApprovalToken     *string    `db:"approval_token" json:"-"`
	ApprovalCodeHash  *string    `db:"approval_code_hash" json:"-"`
	ApprovalAttempts  int        `db:"approval_attempts" json:"-"`
	ApprovalExpiresAt *time.Time `db:"approval_expires_at" json:"-"`

	TrustedAt *time.Time `db:"trusted_at" json:"trusted_at,omitempty"`

	// Client metadata
	DeviceType string `db:"device_type" json:"device_type"`
	Browser    string `db:"browser" json:"browser"`
	OS         string `db:"os" json:"os"`

	// Geolocation metadata
	IPAddress string `db:"ip_address" json:"ip_address"`
	Country   string `db:"country" json:"country"`
	City      string `db:"city" json:"city"`

	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
	LastUsedAt time.Time `db:"last_used_at" json:"last_used_at"`
}

// IsApprovalExpired reports whether the pending approval window has lapsed.
func (d *Device) IsApprovalExpired(now time.Time) bool {
	return d.ApprovalExpiresAt == nil || d.ApprovalExpiresAt.Before(now)
}

// DeviceInfo carries client metadata captured at login time.
type DeviceInfo struct {
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
}

// GeoInfo carries the origin of the request that started a trust cycle.
type GeoInfo struct {
	IPAddress string `json:"ip_address"`
	Country   string `json:"country"`
	City      string `json:"city"`
}

// ApprovalChallenge is the result of starting a pending approval cycle.
// Code is the plaintext approval code for delivery to the user.
type ApprovalChallenge struct {
	Device *Device `json:"device"`
	Token  string  `json:"token"`
	Code   string  `json:"code"`
}

// CodeValidationResult is the outcome of checking an approval code.
type CodeValidationResult struct {
	IsValid            bool          `json:"is_valid"`
	Device             *Device       `json:"-"`
	Error              ApprovalError `json:"error,omitempty"`
	Attempts           int           `json:"attempts,omitempty"`
	MaxAttemptsReached bool          `json:"max_attempts_reached,omitempty"`
}
