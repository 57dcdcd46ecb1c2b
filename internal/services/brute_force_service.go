package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// lockoutScript atomically increments the per-account failure counter,
// starting its TTL on first use, and raises the block flag once the count
// reaches the configured maximum. This is the only writer of the block flag.
//
// KEYS[1] attempt counter, KEYS[2] block flag
// ARGV[1] max attempts, ARGV[2] lockout TTL seconds
const lockoutScript = `
local attempts = redis.call('INCR', KEYS[1])
if attempts == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if attempts >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], '1', 'EX', ARGV[2])
end
return attempts
`

// LockoutCache is the cache surface used by the brute-force counters.
type LockoutCache interface {
	AtomicCache
	Exists(ctx context.Context, key string) (bool, error)
	GetInt(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// BruteForceConfig holds the lockout policy.
type BruteForceConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// BruteForceService tracks failed login attempts per account and blocks the
// account once the limit is reached. Both cache keys share the lockout TTL
// so they expire together when the account goes quiet.
type BruteForceService struct {
	cache  LockoutCache
	config BruteForceConfig
	logger *slog.Logger
}

// NewBruteForceService creates a new BruteForceService
func NewBruteForceService(cache LockoutCache, config BruteForceConfig, logger *slog.Logger) *BruteForceService {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	return &BruteForceService{
		cache:  cache,
		config: config,
		logger: logger,
	}
}

// IsBlocked reports whether the account is currently locked out.
func (s *BruteForceService) IsBlocked(ctx context.Context, email string) (bool, error) {
	blocked, err := s.cache.Exists(ctx, blockedKey(email))
	if err != nil {
		return false, fmt.Errorf("lockout check failed: %w", err)
	}
	return blocked, nil
}

// RecordFailedAttempt counts one failed login and returns the resulting
// state. Reaching or overshooting the maximum both report blocked.
func (s *BruteForceService) RecordFailedAttempt(ctx context.Context, email string) (*models.BruteForceState, error) {
	ttlSeconds := int64(s.config.LockoutDuration / time.Second)

	result, err := s.cache.Eval(ctx, lockoutScript,
		[]string{attemptsKey(email), blockedKey(email)},
		s.config.MaxAttempts,
		ttlSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed attempt recording failed: %w", err)
	}

	attempts, ok := result.(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected lockout script result: %v", result)
	}

	state := &models.BruteForceState{
		Attempts:  attempts,
		IsBlocked: attempts >= int64(s.config.MaxAttempts),
	}

	if state.IsBlocked {
		s.logger.Warn("account locked out",
			slog.String("email", normalizeEmail(email)),
			slog.Int64("attempts", attempts),
			slog.Duration("lockout", s.config.LockoutDuration))
	}

	return state, nil
}

// GetRemainingAttempts returns how many failures remain before lockout,
// based on the current TTL-bound counter.
func (s *BruteForceService) GetRemainingAttempts(ctx context.Context, email string) (int, error) {
	attempts, err := s.cache.GetInt(ctx, attemptsKey(email))
	if err != nil {
		return 0, fmt.Errorf("attempt count read failed: %w", err)
	}

	remaining := int64(s.config.MaxAttempts) - attempts
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining), nil
}

// Reset clears both lockout keys, whether or not they exist. Used after a
// successful login or an administrative unlock.
func (s *BruteForceService) Reset(ctx context.Context, email string) error {
	if err := s.cache.Delete(ctx, attemptsKey(email), blockedKey(email)); err != nil {
		return fmt.Errorf("lockout reset failed: %w", err)
	}
	return nil
}

// normalizeEmail lower-cases the address so lookups and writes agree
// regardless of caller casing.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func attemptsKey(email string) string {
	return "login:attempts:" + normalizeEmail(email)
}

func blockedKey(email string) string {
	return "login:blocked:" + normalizeEmail(email)
}
