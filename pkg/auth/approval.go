package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost         = 12 // approval codes are short-lived, cost 12 keeps verification fast
	ApprovalTokenBytes = 32 // 256 bits
	approvalCodeLength = 8
)

// Alphabet excludes ambiguous characters (0/O, 1/I/L) since users type the
// code from an email.
const approvalCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateApprovalToken returns an unguessable URL-safe token identifying a
// pending approval cycle.
func GenerateApprovalToken() (string, error) {
	buf := make([]byte, ApprovalTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate approval token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateApprovalCode returns a human-readable 8-character code formatted
// as XXXX-XXXX.
func GenerateApprovalCode() (string, error) {
	buf := make([]byte, approvalCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate approval code: %w", err)
	}

	chars := make([]byte, approvalCodeLength)
	for i, b := range buf {
		chars[i] = approvalCodeAlphabet[int(b)%len(approvalCodeAlphabet)]
	}

	return string(chars[:4]) + "-" + string(chars[4:]), nil
}

// HashApprovalCode hashes a code for storage. Plaintext codes live only in
// the create-pending result and the notification email.
func HashApprovalCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeApprovalCode(code)), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash approval code: %w", err)
	}
	return string(hash), nil
}

// VerifyApprovalCode compares a submitted code against the stored hash.
func VerifyApprovalCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizeApprovalCode(code))) == nil
}

// NormalizeApprovalCode canonicalizes user input: upper-case, separators
// stripped, reformatted as XXXX-XXXX when the length allows.
func NormalizeApprovalCode(code string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(code))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if len(cleaned) != approvalCodeLength {
		return cleaned
	}
	return cleaned[:4] + "-" + cleaned[4:]
}
