package background

import (
	"context"
	"log/slog"
	"time"
)

// RestrictionCleaner deletes expired restriction rows
type RestrictionCleaner interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenCleaner deletes expired refresh token rows
type TokenCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupManager periodically removes expired restriction and refresh token
// rows. Expired entries are already filtered at read time, so this is pure
// bookkeeping; correctness never depends on it running.
type CleanupManager struct {
	restrictions RestrictionCleaner
	tokens       TokenCleaner
	logger       *slog.Logger
	interval     time.Duration
	clock        func() time.Time
	stopCh       chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	restrictions RestrictionCleaner,
	tokens TokenCleaner,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		restrictions: restrictions,
		tokens:       tokens,
		logger:       logger,
		interval:     interval,
		clock:        func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup removes expired rows from the database
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.clock()

	restrictionsDeleted, err := cm.restrictions.DeleteExpired(cleanupCtx, now)
	if err != nil {
		cm.logger.Error("failed to cleanup expired restrictions", slog.Any("error", err))
	}

	tokensDeleted, err := cm.tokens.CleanupExpired(cleanupCtx, now)
	if err != nil {
		cm.logger.Error("failed to cleanup expired refresh tokens", slog.Any("error", err))
	}

	if restrictionsDeleted > 0 || tokensDeleted > 0 {
		cm.logger.Info("cleanup completed",
			slog.Int64("restrictions_deleted", restrictionsDeleted),
			slog.Int64("refresh_tokens_deleted", tokensDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
