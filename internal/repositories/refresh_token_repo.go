package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RefreshTokenRepository defines the refresh token bookkeeping consumed by
// device revocation. Token issuance itself belongs to the token service.
type RefreshTokenRepository interface {
	RevokeByDeviceID(ctx context.Context, deviceID, reason string) (int64, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

type refreshTokenRepoImpl struct {
	db *pgxpool.Pool
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *database.DB) RefreshTokenRepository {
	return &refreshTokenRepoImpl{db: db.Pool}
}

// RevokeByDeviceID revokes every active refresh token bound to a device row,
// returning the number revoked. Called when a device is revoked so sessions
// on it terminate at the next refresh.
func (r *refreshTokenRepoImpl) RevokeByDeviceID(ctx context.Context, deviceID, reason string) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW(), revoke_reason = $2
		WHERE device_id = $1 AND revoked_at IS NULL
	`

	commandTag, err := r.db.Exec(ctx, query, deviceID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens for device: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

// CleanupExpired deletes tokens past their expiry (housekeeping)
func (r *refreshTokenRepoImpl) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired refresh tokens: %w", err)
	}

	return commandTag.RowsAffected(), nil
}
