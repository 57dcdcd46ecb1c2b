package services_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockLockoutCache simulates the lockout script over plain maps.
type MockLockoutCache struct {
	counters map[string]int64
	flags    map[string]bool
}

func NewMockLockoutCache() *MockLockoutCache {
	return &MockLockoutCache{
		counters: make(map[string]int64),
		flags:    make(map[string]bool),
	}
}

func (m *MockLockoutCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	attemptsKey, blockedKey := keys[0], keys[1]
	maxAttempts := toInt64(args[0])

	m.counters[attemptsKey]++
	attempts := m.counters[attemptsKey]
	if attempts >= maxAttempts {
		m.flags[blockedKey] = true
	}
	return attempts, nil
}

func (m *MockLockoutCache) Exists(ctx context.Context, key string) (bool, error) {
	return m.flags[key], nil
}

func (m *MockLockoutCache) GetInt(ctx context.Context, key string) (int64, error) {
	return m.counters[key], nil
}

func (m *MockLockoutCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.counters, key)
		delete(m.flags, key)
	}
	return nil
}

func newBruteForceService(cache *MockLockoutCache) *services.BruteForceService {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return services.NewBruteForceService(cache, services.BruteForceConfig{
		MaxAttempts:     5,
		LockoutDuration: 15 * time.Minute,
	}, logger)
}

func TestBruteForce_BlocksAtExactlyMaxAttempts(t *testing.T) {
	service := newBruteForceService(NewMockLockoutCache())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		state, err := service.RecordFailedAttempt(ctx, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(i), state.Attempts)
		assert.False(t, state.IsBlocked, "attempt %d must not block", i)
	}

	state, err := service.RecordFailedAttempt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.Attempts)
	assert.True(t, state.IsBlocked)

	// Overshooting past the threshold stays blocked.
	state, err = service.RecordFailedAttempt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(6), state.Attempts)
	assert.True(t, state.IsBlocked)

	blocked, err := service.IsBlocked(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestBruteForce_EmailCaseInsensitive(t *testing.T) {
	cache := NewMockLockoutCache()
	service := newBruteForceService(cache)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := service.RecordFailedAttempt(ctx, "User@Example.COM")
		require.NoError(t, err)
	}

	blocked, err := service.IsBlocked(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = service.IsBlocked(ctx, "USER@EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, blocked)

	// All casings resolve to the same pair of cache keys.
	assert.Len(t, cache.counters, 1)
	assert.Contains(t, cache.counters, "login:attempts:user@example.com")
	assert.Contains(t, cache.flags, "login:blocked:user@example.com")
}

func TestBruteForce_RemainingAttempts(t *testing.T) {
	service := newBruteForceService(NewMockLockoutCache())
	ctx := context.Background()

	remaining, err := service.GetRemainingAttempts(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	for i := 0; i < 2; i++ {
		_, err := service.RecordFailedAttempt(ctx, "user@example.com")
		require.NoError(t, err)
	}

	remaining, err = service.GetRemainingAttempts(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	// Remaining never goes negative, even after overshooting.
	for i := 0; i < 10; i++ {
		_, err := service.RecordFailedAttempt(ctx, "user@example.com")
		require.NoError(t, err)
	}

	remaining, err = service.GetRemainingAttempts(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestBruteForce_ResetClearsBothKeys(t *testing.T) {
	service := newBruteForceService(NewMockLockoutCache())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := service.RecordFailedAttempt(ctx, "user@example.com")
		require.NoError(t, err)
	}

	require.NoError(t, service.Reset(ctx, "user@example.com"))

	blocked, err := service.IsBlocked(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, blocked)

	remaining, err := service.GetRemainingAttempts(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestBruteForce_ResetWithoutAttemptsIsNoop(t *testing.T) {
	service := newBruteForceService(NewMockLockoutCache())

	err := service.Reset(context.Background(), "fresh@example.com")
	assert.NoError(t, err)
}
