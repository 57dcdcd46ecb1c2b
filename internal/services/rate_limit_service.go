package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/bastion/internal/models"
)

// AtomicCache is the scripted-evaluation capability of the cache client.
// Check-and-increment must be one round trip: a separate read then write
// would let concurrent requests both observe "under limit" and both pass.
type AtomicCache interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// windowScript atomically increments a window counter, starts its TTL on
// first use, and reports the current count together with the seconds left
// until the window resets.
const windowScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`

// RateLimitServiceConfig holds the limiter policy map and the global switch.
type RateLimitServiceConfig struct {
	Enabled bool
	Presets map[string]models.RateLimitPreset
}

// RateLimitService throttles callers against dual trailing windows. The
// cheaper minute window is evaluated first and short-circuits the hour
// window when it denies.
type RateLimitService struct {
	cache  AtomicCache
	config RateLimitServiceConfig
	logger *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(cache AtomicCache, config RateLimitServiceConfig, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		cache:  cache,
		config: config,
		logger: logger,
	}
}

// CheckRateLimit evaluates both windows for the caller's identity. A present
// userID throttles per account; anonymous callers throttle per origin IP.
// When disabled the limiter is fully inert and never touches the cache.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, presetName, ipAddress, userID string) (*models.RateLimitResult, error) {
	if !s.config.Enabled {
		return &models.RateLimitResult{IsAllowed: true, Remaining: -1}, nil
	}

	name, preset := s.resolvePreset(presetName)

	identity := "ip:" + ipAddress
	if userID != "" {
		identity = "user:" + userID
	}

	minuteKey := fmt.Sprintf("ratelimit:%s:%s:minute", name, identity)
	count, ttl, err := s.checkWindow(ctx, minuteKey, 60)
	if err != nil {
		return nil, err
	}

	if count > int64(preset.PerMinute) {
		s.logger.Warn("rate limit exceeded",
			slog.String("preset", name),
			slog.String("identity", identity),
			slog.String("window", "minute"),
			slog.Int64("count", count))
		return &models.RateLimitResult{
			IsAllowed:         false,
			Remaining:         0,
			Limit:             preset.PerMinute,
			RetryAfterSeconds: ttl,
		}, nil
	}

	hourKey := fmt.Sprintf("ratelimit:%s:%s:hour", name, identity)
	count, ttl, err = s.checkWindow(ctx, hourKey, 3600)
	if err != nil {
		return nil, err
	}

	if count > int64(preset.PerHour) {
		s.logger.Warn("rate limit exceeded",
			slog.String("preset", name),
			slog.String("identity", identity),
			slog.String("window", "hour"),
			slog.Int64("count", count))
		return &models.RateLimitResult{
			IsAllowed:         false,
			Remaining:         0,
			Limit:             preset.PerHour,
			RetryAfterSeconds: ttl,
		}, nil
	}

	return &models.RateLimitResult{
		IsAllowed: true,
		Remaining: int64(preset.PerHour) - count,
		Limit:     preset.PerHour,
	}, nil
}

// checkWindow runs the atomic check-and-increment for one window and returns
// the post-increment count and the seconds until reset.
func (s *RateLimitService) checkWindow(ctx context.Context, key string, windowSeconds int64) (int64, int64, error) {
	result, err := s.cache.Eval(ctx, windowScript, []string{key}, windowSeconds)
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit window check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limit count type: %T", values[0])
	}

	ttl, _ := values[1].(int64)
	if ttl <= 0 {
		ttl = windowSeconds
	}

	return count, ttl, nil
}

// resolvePreset maps a preset name to its policy, falling back to the
// default preset for unknown or blank names.
func (s *RateLimitService) resolvePreset(name string) (string, models.RateLimitPreset) {
	name = strings.TrimSpace(strings.ToLower(name))
	if preset, ok := s.config.Presets[name]; ok && name != "" {
		return name, preset
	}
	if preset, ok := s.config.Presets["default"]; ok {
		return "default", preset
	}
	return "default", models.RateLimitPreset{PerMinute: 60, PerHour: 1000}
}
