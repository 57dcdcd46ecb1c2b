package services_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockAtomicCache simulates the window script: one INCR-with-TTL per Eval.
type MockAtomicCache struct {
	counters  map[string]int64
	ttls      map[string]int64
	evalCalls int
	evalKeys  []string
}

func NewMockAtomicCache() *MockAtomicCache {
	return &MockAtomicCache{
		counters: make(map[string]int64),
		ttls:     make(map[string]int64),
	}
}

func (m *MockAtomicCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	m.evalCalls++
	m.evalKeys = append(m.evalKeys, keys[0])

	key := keys[0]
	m.counters[key]++
	if m.counters[key] == 1 {
		switch v := args[0].(type) {
		case int64:
			m.ttls[key] = v
		case int:
			m.ttls[key] = int64(v)
		}
	}

	return []interface{}{m.counters[key], m.ttls[key]}, nil
}

func newRateLimitService(cache *MockAtomicCache, enabled bool) *services.RateLimitService {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return services.NewRateLimitService(cache, services.RateLimitServiceConfig{
		Enabled: enabled,
		Presets: map[string]models.RateLimitPreset{
			"default": {PerMinute: 60, PerHour: 1000},
			"login":   {PerMinute: 3, PerHour: 10},
		},
	}, logger)
}

func TestCheckRateLimit_DisabledNeverTouchesCache(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, false)

	result, err := service.CheckRateLimit(context.Background(), "login", "192.168.1.1", "")
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, 0, cache.evalCalls)
}

func TestCheckRateLimit_AllowsUnderLimit(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)

	result, err := service.CheckRateLimit(context.Background(), "login", "192.168.1.1", "")
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, int64(9), result.Remaining)
	assert.Equal(t, 2, cache.evalCalls)
}

func TestCheckRateLimit_MinuteDenialSkipsHourWindow(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := service.CheckRateLimit(ctx, "login", "192.168.1.1", "")
		require.NoError(t, err)
		require.True(t, result.IsAllowed)
	}

	callsBefore := cache.evalCalls
	result, err := service.CheckRateLimit(ctx, "login", "192.168.1.1", "")
	require.NoError(t, err)

	assert.False(t, result.IsAllowed)
	assert.Equal(t, 3, result.Limit)
	assert.Equal(t, int64(0), result.Remaining)
	assert.Equal(t, int64(60), result.RetryAfterSeconds)
	assert.Equal(t, callsBefore+1, cache.evalCalls, "hour window must not be evaluated after a minute denial")
	assert.True(t, strings.HasSuffix(cache.evalKeys[len(cache.evalKeys)-1], ":minute"))
}

func TestCheckRateLimit_HourDenial(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)

	// Pre-load the hour window to its limit; the next check increments past it.
	cache.counters["ratelimit:login:ip:192.168.1.1:hour"] = 10
	cache.ttls["ratelimit:login:ip:192.168.1.1:hour"] = 1800

	result, err := service.CheckRateLimit(context.Background(), "login", "192.168.1.1", "")
	require.NoError(t, err)
	assert.False(t, result.IsAllowed)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, int64(1800), result.RetryAfterSeconds)
}

func TestCheckRateLimit_UnknownPresetFallsBackToDefault(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)

	result, err := service.CheckRateLimit(context.Background(), "no-such-preset", "192.168.1.1", "")
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, 1000, result.Limit)
	assert.True(t, strings.HasPrefix(cache.evalKeys[0], "ratelimit:default:"))

	result, err = service.CheckRateLimit(context.Background(), "", "192.168.1.1", "")
	require.NoError(t, err)
	assert.Equal(t, 1000, result.Limit)
}

func TestCheckRateLimit_IdentityPrefersUser(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)
	ctx := context.Background()

	_, err := service.CheckRateLimit(ctx, "login", "192.168.1.1", "user-42")
	require.NoError(t, err)
	assert.Contains(t, cache.evalKeys[0], "user:user-42")

	_, err = service.CheckRateLimit(ctx, "login", "192.168.1.1", "")
	require.NoError(t, err)
	assert.Contains(t, cache.evalKeys[2], "ip:192.168.1.1")
}

func TestCheckRateLimit_BurstAdmitsExactlyLimit(t *testing.T) {
	cache := NewMockAtomicCache()
	service := newRateLimitService(cache, true)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		result, err := service.CheckRateLimit(ctx, "login", "192.168.1.1", "")
		require.NoError(t, err)
		if result.IsAllowed {
			admitted++
		}
	}

	assert.Equal(t, 3, admitted)
}
