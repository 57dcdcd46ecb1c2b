package services_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockDeviceRepository implements repositories.DeviceRepository in memory
type MockDeviceRepository struct {
	devices map[string]*models.Device
	nextID  int
}

func NewMockDeviceRepository() *MockDeviceRepository {
	return &MockDeviceRepository{devices: make(map[string]*models.Device)}
}

func (m *MockDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		m.nextID++
		device.ID = fmt.Sprintf("device-%d", m.nextID)
	}
	device.CreatedAt = time.Now().UTC()
	device.UpdatedAt = device.CreatedAt
	copied := *device
	m.devices[device.ID] = &copied
	return nil
}

func (m *MockDeviceRepository) Update(ctx context.Context, device *models.Device) error {
	if _, ok := m.devices[device.ID]; !ok {
		return models.ErrNotFound
	}
	device.UpdatedAt = time.Now().UTC()
	copied := *device
	m.devices[device.ID] = &copied
	return nil
}

func (m *MockDeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	device, ok := m.devices[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (m *MockDeviceRepository) GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	for _, device := range m.devices {
		if device.UserID == userID && device.DeviceID == deviceID {
			copied := *device
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetTrustedByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	for _, device := range m.devices {
		if device.UserID == userID && device.DeviceID == deviceID && device.Status == models.DeviceTrusted {
			copied := *device
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetTrustedByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*models.Device, error) {
	for _, device := range m.devices {
		if device.UserID == userID && device.Fingerprint != nil && *device.Fingerprint == fingerprint && device.Status == models.DeviceTrusted {
			copied := *device
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetByApprovalToken(ctx context.Context, token string) (*models.Device, error) {
	for _, device := range m.devices {
		if device.ApprovalToken != nil && *device.ApprovalToken == token {
			copied := *device
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) ListByUserID(ctx context.Context, userID string) ([]models.Device, error) {
	var devices []models.Device
	for _, device := range m.devices {
		if device.UserID == userID {
			devices = append(devices, *device)
		}
	}
	return devices, nil
}

func (m *MockDeviceRepository) IncrementApprovalAttempts(ctx context.Context, id string) (int, error) {
	device, ok := m.devices[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	device.ApprovalAttempts++
	return device.ApprovalAttempts, nil
}

func (m *MockDeviceRepository) Revoke(ctx context.Context, id string) error {
	device, ok := m.devices[id]
	if !ok {
		return models.ErrNotFound
	}
	device.Status = models.DeviceRevoked
	device.ApprovalToken = nil
	device.ApprovalCodeHash = nil
	device.ApprovalExpiresAt = nil
	device.TrustedAt = nil
	return nil
}

func (m *MockDeviceRepository) RevokeAllExcept(ctx context.Context, userID, keepID string) ([]string, error) {
	var ids []string
	for id, device := range m.devices {
		if device.UserID == userID && id != keepID && device.Status != models.DeviceRevoked {
			device.Status = models.DeviceRevoked
			device.TrustedAt = nil
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MockDeviceRepository) UpdateLastUsed(ctx context.Context, id, ipAddress string) error {
	device, ok := m.devices[id]
	if !ok {
		return models.ErrNotFound
	}
	device.LastUsedAt = time.Now().UTC()
	device.IPAddress = ipAddress
	return nil
}

func (m *MockDeviceRepository) Rename(ctx context.Context, id, name string) error {
	device, ok := m.devices[id]
	if !ok {
		return models.ErrNotFound
	}
	device.Name = name
	return nil
}

// MockRefreshTokenRepository records revocation cascades
type MockRefreshTokenRepository struct {
	revokedDevices []string
}

func (m *MockRefreshTokenRepository) RevokeByDeviceID(ctx context.Context, deviceID, reason string) (int64, error) {
	m.revokedDevices = append(m.revokedDevices, deviceID)
	return 2, nil
}

func (m *MockRefreshTokenRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func newDeviceTrustService(repo *MockDeviceRepository, tokens *MockRefreshTokenRepository, clock func() time.Time) *services.DeviceTrustService {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return services.NewDeviceTrustService(repo, tokens, services.DeviceTrustConfig{
		ApprovalExpiry:  15 * time.Minute,
		MaxCodeAttempts: 3,
		Clock:           clock,
	}, logger)
}

func testDeviceInfo() (models.DeviceInfo, models.GeoInfo) {
	return models.DeviceInfo{Name: "MacBook", DeviceType: "desktop", Browser: "Firefox", OS: "macOS"},
		models.GeoInfo{IPAddress: "203.0.113.10", Country: "US", City: "Portland"}
}

func TestCreatePendingDevice_ReusesRowAndResetsAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	first, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, []string{"new_device"}, info, geo)
	require.NoError(t, err)
	require.NotNil(t, first.Device)

	// Burn an attempt so the reset is observable.
	_, err = repo.IncrementApprovalAttempts(ctx, first.Device.ID)
	require.NoError(t, err)

	second, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 85, []string{"impossible_travel"}, info, geo)
	require.NoError(t, err)

	assert.Equal(t, first.Device.ID, second.Device.ID, "the device row must be reused, never duplicated")
	assert.Len(t, repo.devices, 1)
	assert.Equal(t, 0, second.Device.ApprovalAttempts)
	assert.Equal(t, 85, second.Device.RiskScore)
	assert.Equal(t, []string{"impossible_travel"}, second.Device.RiskFactors)
	assert.NotEqual(t, first.Token, second.Token, "a new cycle invalidates the previous token")

	// The old token no longer resolves.
	device, err := service.ValidateApprovalToken(ctx, first.Token)
	require.NoError(t, err)
	assert.Nil(t, device)
}

func TestCreatePendingDevice_DemotesTrustedDevice(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	trusted, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)
	require.Equal(t, models.DeviceTrusted, trusted.Status)
	require.NotNil(t, trusted.TrustedAt)

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 90, []string{"fingerprint_mismatch"}, info, geo)
	require.NoError(t, err)

	assert.Equal(t, trusted.ID, challenge.Device.ID, "demotion reuses the same row")
	assert.Equal(t, models.DevicePendingApproval, challenge.Device.Status)
	assert.Nil(t, challenge.Device.TrustedAt)
	assert.Len(t, repo.devices, 1)
}

func TestCreatePendingDevice_RevokedRowIsNotReused(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	trusted, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	ok, err := service.Revoke(ctx, trusted.ID)
	require.NoError(t, err)
	require.True(t, ok)

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 60, []string{"new_device"}, info, geo)
	require.NoError(t, err)

	assert.NotEqual(t, trusted.ID, challenge.Device.ID, "revoked is terminal, a fresh row is created")
	assert.Len(t, repo.devices, 2)
	assert.Equal(t, models.DeviceRevoked, repo.devices[trusted.ID].Status)
}

func TestCreateTrustedDevice_UpdatesExistingRowInPlace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	first, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	geo.City = "Seattle"
	second, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Seattle", second.City)
	assert.Len(t, repo.devices, 1)
}

func TestFindTrustedDevice_FingerprintFallback(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	fingerprint := "fp-123"
	created, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, &fingerprint)
	require.NoError(t, err)

	// Device id match wins.
	found, err := service.FindTrustedDevice(ctx, "user-1", "client-abc", nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	// Unknown device id falls back to the fingerprint.
	found, err = service.FindTrustedDevice(ctx, "user-1", "client-other", &fingerprint)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	// No match at all.
	found, err = service.FindTrustedDevice(ctx, "user-1", "client-other", nil)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindTrustedDevice_IgnoresPendingDevices(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	_, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	found, err := service.FindTrustedDevice(ctx, "user-1", "client-abc", nil)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestValidateApprovalToken_ExpiredCycle(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, clock)
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	device, err := service.ValidateApprovalToken(ctx, challenge.Token)
	require.NoError(t, err)
	assert.NotNil(t, device)

	current = current.Add(16 * time.Minute)

	device, err = service.ValidateApprovalToken(ctx, challenge.Token)
	require.NoError(t, err)
	assert.Nil(t, device)
}

func TestValidateApprovalCode_FullFlow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	// Unknown token never consumes attempts.
	result, err := service.ValidateApprovalCode(ctx, "bogus-token", challenge.Code)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, models.ApprovalTokenInvalid, result.Error)
	assert.Equal(t, 0, repo.devices[challenge.Device.ID].ApprovalAttempts)

	// Two wrong codes (max is 3).
	for i := 1; i <= 2; i++ {
		result, err = service.ValidateApprovalCode(ctx, challenge.Token, "WRNG-CODE")
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, models.ApprovalCodeInvalid, result.Error)
		assert.Equal(t, i, result.Attempts)
	}

	// Correct code still succeeds at max-1 consumed attempts.
	result, err = service.ValidateApprovalCode(ctx, challenge.Token, challenge.Code)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	require.NotNil(t, result.Device)
	assert.Equal(t, challenge.Device.ID, result.Device.ID)

	// A code match does not trust the device by itself.
	assert.Equal(t, models.DevicePendingApproval, repo.devices[challenge.Device.ID].Status)
}

func TestValidateApprovalCode_MaxAttemptsCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := service.ValidateApprovalCode(ctx, challenge.Token, "WRNG-CODE")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalCodeInvalid, result.Error)
	}

	// Even the correct code is rejected at the ceiling, without growing it.
	result, err := service.ValidateApprovalCode(ctx, challenge.Token, challenge.Code)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, models.ApprovalMaxAttempts, result.Error)
	assert.True(t, result.MaxAttemptsReached)
	assert.Equal(t, 3, repo.devices[challenge.Device.ID].ApprovalAttempts)

	// A fresh cycle resets the counter and issues a usable code.
	challenge, err = service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	result, err = service.ValidateApprovalCode(ctx, challenge.Token, challenge.Code)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestValidateApprovalCode_NormalizesInput(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	sloppy := "  " + strings.ToLower(challenge.Code[:4]+challenge.Code[5:]) + " "
	result, err := service.ValidateApprovalCode(ctx, challenge.Token, sloppy)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestMarkDeviceTrusted_ClearsApprovalState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	result, err := service.ValidateApprovalCode(ctx, challenge.Token, challenge.Code)
	require.NoError(t, err)
	require.True(t, result.IsValid)

	require.NoError(t, service.MarkDeviceTrusted(ctx, result.Device))

	stored := repo.devices[challenge.Device.ID]
	assert.Equal(t, models.DeviceTrusted, stored.Status)
	require.NotNil(t, stored.TrustedAt)
	assert.Equal(t, now, *stored.TrustedAt)
	assert.Nil(t, stored.ApprovalToken)
	assert.Nil(t, stored.ApprovalCodeHash)
	assert.Nil(t, stored.ApprovalExpiresAt)
	assert.Equal(t, 0, stored.ApprovalAttempts)
}

func TestApproveFromSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	challenge, err := service.CreatePendingDevice(ctx, "user-1", "client-abc", 70, nil, info, geo)
	require.NoError(t, err)

	// Another user's session cannot approve it, and learns nothing.
	device, err := service.ApproveFromSession(ctx, challenge.Device.ID, "user-2")
	require.NoError(t, err)
	assert.Nil(t, device)
	assert.Equal(t, models.DevicePendingApproval, repo.devices[challenge.Device.ID].Status)

	// Nonexistent device behaves identically.
	device, err = service.ApproveFromSession(ctx, "no-such-device", "user-1")
	require.NoError(t, err)
	assert.Nil(t, device)

	// The owner's session approves it.
	device, err = service.ApproveFromSession(ctx, challenge.Device.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, models.DeviceTrusted, device.Status)
}

func TestRevoke_CascadesToRefreshTokens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	tokens := &MockRefreshTokenRepository{}
	service := newDeviceTrustService(repo, tokens, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	trusted, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	ok, err := service.Revoke(ctx, trusted.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{trusted.ID}, tokens.revokedDevices)
	assert.Equal(t, models.DeviceRevoked, repo.devices[trusted.ID].Status)
}

func TestRevoke_NonexistentDeviceHasNoSideEffects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens := &MockRefreshTokenRepository{}
	service := newDeviceTrustService(NewMockDeviceRepository(), tokens, fixedClock(now))

	ok, err := service.Revoke(context.Background(), "no-such-device")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, tokens.revokedDevices)
}

func TestRevokeOwned_OwnershipEnforced(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	tokens := &MockRefreshTokenRepository{}
	service := newDeviceTrustService(repo, tokens, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	trusted, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	ok, err := service.RevokeOwned(ctx, trusted.ID, "user-2")
	require.NoError(t, err)
	assert.False(t, ok, "another user's device looks like a missing one")
	assert.Empty(t, tokens.revokedDevices)

	ok, err = service.RevokeOwned(ctx, trusted.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.DeviceRevoked, repo.devices[trusted.ID].Status)
}

func TestRevokeAllExcept(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	tokens := &MockRefreshTokenRepository{}
	service := newDeviceTrustService(repo, tokens, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	keep, err := service.CreateTrustedDevice(ctx, "user-1", "client-keep", info, geo, nil)
	require.NoError(t, err)
	_, err = service.CreateTrustedDevice(ctx, "user-1", "client-b", info, geo, nil)
	require.NoError(t, err)
	_, err = service.CreatePendingDevice(ctx, "user-1", "client-c", 70, nil, info, geo)
	require.NoError(t, err)
	_, err = service.CreateTrustedDevice(ctx, "user-2", "client-d", info, geo, nil)
	require.NoError(t, err)

	count, err := service.RevokeAllExcept(ctx, "user-1", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, tokens.revokedDevices, 2)
	assert.Equal(t, models.DeviceTrusted, repo.devices[keep.ID].Status)
}

func TestRename_OwnershipEnforced(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMockDeviceRepository()
	service := newDeviceTrustService(repo, &MockRefreshTokenRepository{}, fixedClock(now))
	info, geo := testDeviceInfo()
	ctx := context.Background()

	trusted, err := service.CreateTrustedDevice(ctx, "user-1", "client-abc", info, geo, nil)
	require.NoError(t, err)

	err = service.Rename(ctx, trusted.ID, "user-2", "stolen")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = service.Rename(ctx, trusted.ID, "user-1", "work laptop")
	require.NoError(t, err)
	assert.Equal(t, "work laptop", repo.devices[trusted.ID].Name)
}
