package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RestrictionRepository defines IP restriction persistence operations
type RestrictionRepository interface {
	Create(ctx context.Context, restriction *models.IPRestriction) error
	GetByID(ctx context.Context, id string) (*models.IPRestriction, error)
	ListActiveByType(ctx context.Context, rtype models.RestrictionType, now time.Time) ([]models.IPRestriction, error)
	List(ctx context.Context) ([]models.IPRestriction, error)
	FindActiveBlacklist(ctx context.Context, ipPattern string, now time.Time) (*models.IPRestriction, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type restrictionRepoImpl struct {
	db *pgxpool.Pool
}

// NewRestrictionRepository creates a new restriction repository
func NewRestrictionRepository(db *database.DB) RestrictionRepository {
	return &restrictionRepoImpl{db: db.Pool}
}

// Create inserts a new restriction entry
func (r *restrictionRepoImpl) Create(ctx context.Context, restriction *models.IPRestriction) error {
	if restriction.ID == "" {
		restriction.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ip_restrictions
			(id, ip_pattern, type, reason, source, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		restriction.ID,
		restriction.IPPattern,
		restriction.Type,
		restriction.Reason,
		restriction.Source,
		restriction.CreatedBy,
		restriction.ExpiresAt,
	).Scan(&restriction.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create ip restriction: %w", database.MapPostgresError(err))
	}

	return nil
}

// GetByID retrieves a restriction entry by ID
func (r *restrictionRepoImpl) GetByID(ctx context.Context, id string) (*models.IPRestriction, error) {
	restriction := &models.IPRestriction{}

	query := `
		SELECT id, ip_pattern, type, reason, source, created_by, created_at, expires_at
		FROM ip_restrictions
		WHERE id = $1
	`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&restriction.ID,
		&restriction.IPPattern,
		&restriction.Type,
		&restriction.Reason,
		&restriction.Source,
		&restriction.CreatedBy,
		&restriction.CreatedAt,
		&restriction.ExpiresAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ip restriction: %w", err)
	}

	return restriction, nil
}

// ListActiveByType retrieves all non-expired entries of one restriction type
func (r *restrictionRepoImpl) ListActiveByType(ctx context.Context, rtype models.RestrictionType, now time.Time) ([]models.IPRestriction, error) {
	query := `
		SELECT id, ip_pattern, type, reason, source, created_by, created_at, expires_at
		FROM ip_restrictions
		WHERE type = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, rtype, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip restrictions: %w", err)
	}
	defer rows.Close()

	return scanRestrictions(rows)
}

// List retrieves every restriction entry, expired ones included (admin view)
func (r *restrictionRepoImpl) List(ctx context.Context) ([]models.IPRestriction, error) {
	query := `
		SELECT id, ip_pattern, type, reason, source, created_by, created_at, expires_at
		FROM ip_restrictions
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip restrictions: %w", err)
	}
	defer rows.Close()

	return scanRestrictions(rows)
}

// FindActiveBlacklist retrieves an unexpired blacklist entry with the exact
// pattern, used as the idempotency guard for automatic blacklisting
func (r *restrictionRepoImpl) FindActiveBlacklist(ctx context.Context, ipPattern string, now time.Time) (*models.IPRestriction, error) {
	restriction := &models.IPRestriction{}

	query := `
		SELECT id, ip_pattern, type, reason, source, created_by, created_at, expires_at
		FROM ip_restrictions
		WHERE type = $1 AND ip_pattern = $2 AND (expires_at IS NULL OR expires_at > $3)
		LIMIT 1
	`

	err := r.db.QueryRow(ctx, query, models.RestrictionBlacklist, ipPattern, now).Scan(
		&restriction.ID,
		&restriction.IPPattern,
		&restriction.Type,
		&restriction.Reason,
		&restriction.Source,
		&restriction.CreatedBy,
		&restriction.CreatedAt,
		&restriction.ExpiresAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find blacklist entry: %w", err)
	}

	return restriction, nil
}

// Delete removes a restriction entry
func (r *restrictionRepoImpl) Delete(ctx context.Context, id string) error {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM ip_restrictions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ip restriction: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// DeleteExpired removes entries past their expiry (housekeeping; correctness
// never depends on it because reads filter expired entries)
func (r *restrictionRepoImpl) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	commandTag, err := r.db.Exec(ctx,
		`DELETE FROM ip_restrictions WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired ip restrictions: %w", err)
	}

	return commandTag.RowsAffected(), nil
}

func scanRestrictions(rows pgx.Rows) ([]models.IPRestriction, error) {
	var restrictions []models.IPRestriction
	for rows.Next() {
		restriction := models.IPRestriction{}
		if err := rows.Scan(
			&restriction.ID,
			&restriction.IPPattern,
			&restriction.Type,
			&restriction.Reason,
			&restriction.Source,
			&restriction.CreatedBy,
			&restriction.CreatedAt,
			&restriction.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ip restriction: %w", err)
		}
		restrictions = append(restrictions, restriction)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ip restrictions: %w", err)
	}

	return restrictions, nil
}
