package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeviceRepository defines trusted device persistence operations
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	Update(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error)
	GetTrustedByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error)
	GetTrustedByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*models.Device, error)
	GetByApprovalToken(ctx context.Context, token string) (*models.Device, error)
	ListByUserID(ctx context.Context, userID string) ([]models.Device, error)
	IncrementApprovalAttempts(ctx context.Context, id string) (int, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllExcept(ctx context.Context, userID, keepID string) ([]string, error)
	UpdateLastUsed(ctx context.Context, id, ipAddress string) error
	Rename(ctx context.Context, id, name string) error
}

type deviceRepoImpl struct {
	db *pgxpool.Pool
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepoImpl{db: db.Pool}
}

const deviceColumns = `
	id, user_id, device_id, fingerprint, name, status,
	risk_score, risk_factors,
	approval_token, approval_code_hash, approval_attempts, approval_expires_at,
	trusted_at, device_type, browser, os, ip_address, country, city,
	created_at, updated_at, last_used_at
`

// Create inserts a new device row
func (r *deviceRepoImpl) Create(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		device.ID = uuid.New().String()
	}

	riskFactorsJSON, err := json.Marshal(device.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	query := `
		INSERT INTO devices
			(id, user_id, device_id, fingerprint, name, status,
			 risk_score, risk_factors,
			 approval_token, approval_code_hash, approval_attempts, approval_expires_at,
			 trusted_at, device_type, browser, os, ip_address, country, city, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())
		RETURNING created_at, updated_at, last_used_at
	`

	err = r.db.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.DeviceID,
		device.Fingerprint,
		device.Name,
		device.Status,
		device.RiskScore,
		riskFactorsJSON,
		device.ApprovalToken,
		device.ApprovalCodeHash,
		device.ApprovalAttempts,
		device.ApprovalExpiresAt,
		device.TrustedAt,
		device.DeviceType,
		device.Browser,
		device.OS,
		device.IPAddress,
		device.Country,
		device.City,
	).Scan(&device.CreatedAt, &device.UpdatedAt, &device.LastUsedAt)

	if err != nil {
		return fmt.Errorf("failed to create device: %w", database.MapPostgresError(err))
	}

	return nil
}

// Update writes every mutable field of the device row. Status transitions go
// through this method so a trust cycle update is one statement.
func (r *deviceRepoImpl) Update(ctx context.Context, device *models.Device) error {
	riskFactorsJSON, err := json.Marshal(device.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	query := `
		UPDATE devices
		SET fingerprint = $2, name = $3, status = $4,
		    risk_score = $5, risk_factors = $6,
		    approval_token = $7, approval_code_hash = $8,
		    approval_attempts = $9, approval_expires_at = $10,
		    trusted_at = $11, device_type = $12, browser = $13, os = $14,
		    ip_address = $15, country = $16, city = $17,
		    last_used_at = $18, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		device.ID,
		device.Fingerprint,
		device.Name,
		device.Status,
		device.RiskScore,
		riskFactorsJSON,
		device.ApprovalToken,
		device.ApprovalCodeHash,
		device.ApprovalAttempts,
		device.ApprovalExpiresAt,
		device.TrustedAt,
		device.DeviceType,
		device.Browser,
		device.OS,
		device.IPAddress,
		device.Country,
		device.City,
		device.LastUsedAt,
	).Scan(&device.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to update device: %w", err)
	}

	return nil
}

// GetByID retrieves a device by row id
func (r *deviceRepoImpl) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByUserAndDeviceID retrieves a device row for a user's client identifier,
// regardless of status
func (r *deviceRepoImpl) GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1 AND device_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.getOne(ctx, query, userID, deviceID)
}

// GetTrustedByUserAndDeviceID retrieves a trusted device by client identifier
func (r *deviceRepoImpl) GetTrustedByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1 AND device_id = $2 AND status = $3
		LIMIT 1
	`
	return r.getOne(ctx, query, userID, deviceID, models.DeviceTrusted)
}

// GetTrustedByUserAndFingerprint retrieves a trusted device by the secondary
// fingerprint correlation key
func (r *deviceRepoImpl) GetTrustedByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1 AND fingerprint = $2 AND status = $3
		ORDER BY last_used_at DESC
		LIMIT 1
	`
	return r.getOne(ctx, query, userID, fingerprint, models.DeviceTrusted)
}

// GetByApprovalToken retrieves a device by its pending approval token
func (r *deviceRepoImpl) GetByApprovalToken(ctx context.Context, token string) (*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE approval_token = $1
		LIMIT 1
	`
	return r.getOne(ctx, query, token)
}

// ListByUserID retrieves all devices of a user, most recently used first
func (r *deviceRepoImpl) ListByUserID(ctx context.Context, userID string) ([]models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1
		ORDER BY last_used_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device := models.Device{}
		if err := scanDevice(rows, &device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// IncrementApprovalAttempts atomically bumps the attempt counter and returns
// the new value. The increment happens store-side so concurrent validation
// attempts cannot read the same count.
func (r *deviceRepoImpl) IncrementApprovalAttempts(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE devices
		SET approval_attempts = approval_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING approval_attempts
	`

	var attempts int
	err := r.db.QueryRow(ctx, query, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment approval attempts: %w", err)
	}

	return attempts, nil
}

// Revoke marks a device revoked and clears its approval state
func (r *deviceRepoImpl) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE devices
		SET status = $2, approval_token = NULL, approval_code_hash = NULL,
		    approval_expires_at = NULL, trusted_at = NULL, updated_at = NOW()
		WHERE id = $1
	`

	commandTag, err := r.db.Exec(ctx, query, id, models.DeviceRevoked)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// RevokeAllExcept revokes every non-revoked device of a user other than
// keepID, returning the ids revoked so the caller can cascade refresh token
// revocation per device
func (r *deviceRepoImpl) RevokeAllExcept(ctx context.Context, userID, keepID string) ([]string, error) {
	query := `
		UPDATE devices
		SET status = $3, approval_token = NULL, approval_code_hash = NULL,
		    approval_expires_at = NULL, trusted_at = NULL, updated_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND status <> $3
		RETURNING id
	`

	rows, err := r.db.Query(ctx, query, userID, keepID, models.DeviceRevoked)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan revoked device id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revoked device ids: %w", err)
	}

	return ids, nil
}

// UpdateLastUsed records device usage
func (r *deviceRepoImpl) UpdateLastUsed(ctx context.Context, id, ipAddress string) error {
	query := `
		UPDATE devices
		SET last_used_at = NOW(), ip_address = $2, updated_at = NOW()
		WHERE id = $1
	`

	commandTag, err := r.db.Exec(ctx, query, id, ipAddress)
	if err != nil {
		return fmt.Errorf("failed to update device usage: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// Rename sets the user-visible device name
func (r *deviceRepoImpl) Rename(ctx context.Context, id, name string) error {
	commandTag, err := r.db.Exec(ctx,
		`UPDATE devices SET name = $2, updated_at = NOW() WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("failed to rename device: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *deviceRepoImpl) getOne(ctx context.Context, query string, args ...interface{}) (*models.Device, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get device: %w", err)
		}
		return nil, models.ErrNotFound
	}

	device := &models.Device{}
	if err := scanDevice(rows, device); err != nil {
		return nil, err
	}

	return device, nil
}

func scanDevice(rows pgx.Rows, device *models.Device) error {
	var riskFactorsJSON []byte

	if err := rows.Scan(
		&device.ID,
		&device.UserID,
		&device.DeviceID,
		&device.Fingerprint,
		&device.Name,
		&device.Status,
		&device.RiskScore,
		&riskFactorsJSON,
		&device.ApprovalToken,
		&device.ApprovalCodeHash,
		&device.ApprovalAttempts,
		&device.ApprovalExpiresAt,
		&device.TrustedAt,
		&device.DeviceType,
		&device.Browser,
		&device.OS,
		&device.IPAddress,
		&device.Country,
		&device.City,
		&device.CreatedAt,
		&device.UpdatedAt,
		&device.LastUsedAt,
	); err != nil {
		return fmt.Errorf("failed to scan device: %w", err)
	}

	if len(riskFactorsJSON) > 0 {
		if err := json.Unmarshal(riskFactorsJSON, &device.RiskFactors); err != nil {
			return fmt.Errorf("failed to unmarshal risk factors: %w", err)
		}
	}

	return nil
}
