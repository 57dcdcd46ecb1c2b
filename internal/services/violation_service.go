package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// violationScript appends a timestamped marker to the per-IP violation log,
// prunes markers outside the rolling window, and counts what remains, all in
// one round trip. When the count reaches the threshold the log is cleared so
// the escalation is a one-shot trigger per accumulation cycle.
//
// KEYS[1] violation log (sorted set, score = unix seconds)
// ARGV[1] window start (unix seconds), ARGV[2] now (unix seconds),
// ARGV[3] marker, ARGV[4] log TTL seconds, ARGV[5] threshold
const violationScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[5]) then
  redis.call('DEL', KEYS[1])
  return {1, count}
end
return {0, count}
`

// AutoBlacklister is the blacklist mutation consumed by the escalator.
type AutoBlacklister interface {
	AutoBlacklist(ctx context.Context, ipAddress, reason string, duration time.Duration) error
}

// ViolationConfig holds the escalation policy for repeated rate limit
// violations.
type ViolationConfig struct {
	Enabled            bool
	ViolationThreshold int
	WithinMinutes      int
	BlockDuration      time.Duration
	Clock              func() time.Time
}

// ViolationService accumulates rate limit violations per IP and escalates
// repeat offenders into the automatic blacklist.
type ViolationService struct {
	cache       AtomicCache
	blacklister AutoBlacklister
	config      ViolationConfig
	logger      *slog.Logger
}

// NewViolationService creates a new ViolationService
func NewViolationService(cache AtomicCache, blacklister AutoBlacklister, config ViolationConfig, logger *slog.Logger) *ViolationService {
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	if config.ViolationThreshold <= 0 {
		config.ViolationThreshold = 10
	}
	if config.WithinMinutes <= 0 {
		config.WithinMinutes = 10
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = time.Hour
	}
	return &ViolationService{
		cache:       cache,
		blacklister: blacklister,
		config:      config,
		logger:      logger,
	}
}

// RecordViolation logs one violation for an IP and reports whether it pushed
// the rolling-window count to the threshold and triggered an auto-blacklist.
// Under the threshold the log is left intact so future violations accumulate.
func (s *ViolationService) RecordViolation(ctx context.Context, ipAddress string) (bool, error) {
	if !s.config.Enabled {
		return false, nil
	}

	now := s.config.Clock()
	windowSeconds := int64(s.config.WithinMinutes) * 60
	key := "ratelimit:violations:" + ipAddress

	result, err := s.cache.Eval(ctx, violationScript,
		[]string{key},
		now.Unix()-windowSeconds,
		now.Unix(),
		uuid.New().String(),
		windowSeconds,
		s.config.ViolationThreshold,
	)
	if err != nil {
		return false, fmt.Errorf("violation log update failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("unexpected violation script result: %v", result)
	}

	triggered, _ := values[0].(int64)
	count, _ := values[1].(int64)

	if triggered == 0 {
		return false, nil
	}

	reason := fmt.Sprintf("automatic block: %d rate limit violations within %d minutes", count, s.config.WithinMinutes)
	if err := s.blacklister.AutoBlacklist(ctx, ipAddress, reason, s.config.BlockDuration); err != nil {
		return false, err
	}

	s.logger.Warn("violation threshold reached",
		slog.String("ip_address", ipAddress),
		slog.Int64("violations", count),
		slog.Duration("block_duration", s.config.BlockDuration))

	return true, nil
}
