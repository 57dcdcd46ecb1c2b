package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
)

// ApprovalError codes for device approval outcomes. These are expected
// business results, surfaced as discrete codes rather than Go errors so
// callers can branch on them and report remaining attempts.
type ApprovalError string

const (
	ApprovalTokenInvalid ApprovalError = "APPROVAL_TOKEN_INVALID"
	ApprovalCodeInvalid  ApprovalError = "APPROVAL_CODE_INVALID"
	ApprovalMaxAttempts  ApprovalError = "APPROVAL_MAX_ATTEMPTS"
)
