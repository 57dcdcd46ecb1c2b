package models

// RateLimitPreset is a named throttling policy with dual window thresholds.
type RateLimitPreset struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// RateLimitResult is the outcome of a rate limit check. RetryAfterSeconds is
// populated only when the request was denied, and reflects the reset time of
// the window that denied it.
type RateLimitResult struct {
	IsAllowed         bool  `json:"is_allowed"`
	Remaining         int64 `json:"remaining"`
	Limit             int   `json:"limit"`
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// BruteForceState is the cache-derived lockout state of one account.
type BruteForceState struct {
	Attempts  int64 `json:"attempts"`
	IsBlocked bool  `json:"is_blocked"`
}
