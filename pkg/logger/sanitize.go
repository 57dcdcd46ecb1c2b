package logger

import "strings"

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com").
// Audit events key on accounts, so the masked form must stay stable for the
// same input.
func SanitizedEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "[invalid-email]"
	}

	username := email[:at]
	domain := email[at+1:]

	if len(username) > 1 {
		username = username[:1] + strings.Repeat("*", len(username)-1)
	}

	labels := strings.Split(domain, ".")
	if len(labels) > 1 {
		for i := 0; i < len(labels)-1; i++ {
			labels[i] = strings.Repeat("*", len(labels[i]))
		}
		domain = strings.Join(labels, ".")
	}

	return username + "@" + domain
}

// sensitiveParams are query parameter names that must never reach the logs.
// The approval flow carries its token in the query string, so "token" is the
// one that matters most here.
var sensitiveParams = []string{
	"token",
	"code",
	"password",
	"secret",
	"api_key",
	"apikey",
	"email",
	"auth",
}

// SanitizeQueryString reports whether a raw query string contains a sensitive
// parameter and should be redacted wholesale.
func SanitizeQueryString(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}

	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
