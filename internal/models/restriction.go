package models

import "time"

// RestrictionType distinguishes deny rules from allow rules.
type RestrictionType string

const (
	RestrictionBlacklist RestrictionType = "blacklist"
	RestrictionWhitelist RestrictionType = "whitelist"
)

// RestrictionSource records how a restriction entry was created.
type RestrictionSource string

const (
	RestrictionSourceManual RestrictionSource = "manual"
	RestrictionSourceAuto   RestrictionSource = "auto"
)

// IPRestriction represents one blacklist/whitelist rule. IPPattern is either
// an exact IPv4/IPv6 literal or a CIDR range. Manual entries never expire
// (ExpiresAt nil); auto entries always carry a TTL.
type IPRestriction struct {
	ID        string            `db:"id" json:"id"`
	IPPattern string            `db:"ip_pattern" json:"ip_pattern"`
	Type      RestrictionType   `db:"type" json:"type"`
	Reason    string            `db:"reason" json:"reason"`
	Source    RestrictionSource `db:"source" json:"source"`
	CreatedBy *string           `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	ExpiresAt *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
}

// IsExpired reports whether the entry is past its expiry. Entries without an
// expiry never expire. Expired entries must be treated as nonexistent by
// every consumer; physical deletion is a housekeeping concern.
func (r *IPRestriction) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// RestrictionStatus is the outcome of matching an address against the
// active restriction set.
type RestrictionStatus struct {
	IsBlacklisted bool       `json:"is_blacklisted"`
	IsWhitelisted bool       `json:"is_whitelisted"`
	Reason        string     `json:"reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}
