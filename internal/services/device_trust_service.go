package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
)

// DeviceTrustConfig holds the step-up approval policy.
type DeviceTrustConfig struct {
	ApprovalExpiry  time.Duration
	MaxCodeAttempts int
	Clock           func() time.Time
}

// DeviceTrustService owns the device trust state machine:
//
//	Trusted <-> PendingApproval -> Revoked (terminal)
//
// A device row is reused across trust cycles for the same (user, device_id)
// pair. A trusted device that starts exhibiting high-risk signals is demoted
// back to pending on the same row, which keeps the audit history of the
// physical device intact. Revoked rows are never reused.
type DeviceTrustService struct {
	devices repositories.DeviceRepository
	tokens  repositories.RefreshTokenRepository
	config  DeviceTrustConfig
	logger  *slog.Logger
}

// NewDeviceTrustService creates a new DeviceTrustService
func NewDeviceTrustService(devices repositories.DeviceRepository, tokens repositories.RefreshTokenRepository, config DeviceTrustConfig, logger *slog.Logger) *DeviceTrustService {
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	if config.ApprovalExpiry <= 0 {
		config.ApprovalExpiry = 15 * time.Minute
	}
	if config.MaxCodeAttempts <= 0 {
		config.MaxCodeAttempts = 5
	}
	return &DeviceTrustService{
		devices: devices,
		tokens:  tokens,
		config:  config,
		logger:  logger,
	}
}

// FindTrustedDevice looks up a trusted device by client identifier, falling
// back to the fingerprint correlation key when no identifier match exists.
// Returns nil when the user has no matching trusted device.
func (s *DeviceTrustService) FindTrustedDevice(ctx context.Context, userID, deviceID string, fingerprint *string) (*models.Device, error) {
	device, err := s.devices.GetTrustedByUserAndDeviceID(ctx, userID, deviceID)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if fingerprint == nil || *fingerprint == "" {
		return nil, nil
	}

	device, err = s.devices.GetTrustedByUserAndFingerprint(ctx, userID, *fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return device, nil
}

// CreateTrustedDevice registers a device as trusted without an approval
// cycle (first-use, low risk). An existing row for the same client
// identifier is updated in place, never duplicated.
func (s *DeviceTrustService) CreateTrustedDevice(ctx context.Context, userID, deviceID string, info models.DeviceInfo, geo models.GeoInfo, fingerprint *string) (*models.Device, error) {
	now := s.config.Clock()

	existing, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Status != models.DeviceRevoked {
		applyDeviceInfo(existing, info, geo)
		if fingerprint != nil && *fingerprint != "" {
			existing.Fingerprint = fingerprint
		}
		existing.LastUsedAt = now
		if err := s.devices.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	device := &models.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		Status:      models.DeviceTrusted,
		TrustedAt:   &now,
		LastUsedAt:  now,
	}
	applyDeviceInfo(device, info, geo)

	if err := s.devices.Create(ctx, device); err != nil {
		return nil, err
	}

	s.logger.Info("trusted device created",
		slog.String("user_id", userID),
		slog.String("device", device.ID))

	return device, nil
}

// CreatePendingDevice starts (or restarts) an approval cycle for a risk
// flagged device. An existing non-revoked row for the same client identifier
// is reused regardless of status: a previously trusted device showing
// high-risk signals (impossible travel, fingerprint mismatch) is demoted to
// pending on the same row. Generating a new cycle overwrites any previous
// token and code and resets the attempt counter.
func (s *DeviceTrustService) CreatePendingDevice(ctx context.Context, userID, deviceID string, riskScore int, riskFactors []string, info models.DeviceInfo, geo models.GeoInfo) (*models.ApprovalChallenge, error) {
	token, err := pkgauth.GenerateApprovalToken()
	if err != nil {
		return nil, err
	}

	code, err := pkgauth.GenerateApprovalCode()
	if err != nil {
		return nil, err
	}

	codeHash, err := pkgauth.HashApprovalCode(code)
	if err != nil {
		return nil, err
	}

	now := s.config.Clock()
	expiresAt := now.Add(s.config.ApprovalExpiry)

	existing, err := s.devices.GetByUserAndDeviceID(ctx, userID, deviceID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	var device *models.Device
	if existing != nil && existing.Status != models.DeviceRevoked {
		device = existing
		device.Status = models.DevicePendingApproval
		device.TrustedAt = nil
		device.RiskScore = riskScore
		device.RiskFactors = riskFactors
		device.ApprovalToken = &token
		device.ApprovalCodeHash = &codeHash
		device.ApprovalAttempts = 0
		device.ApprovalExpiresAt = &expiresAt
		device.LastUsedAt = now
		applyDeviceInfo(device, info, geo)

		if err := s.devices.Update(ctx, device); err != nil {
			return nil, err
		}
	} else {
		device = &models.Device{
			UserID:            userID,
			DeviceID:          deviceID,
			Status:            models.DevicePendingApproval,
			RiskScore:         riskScore,
			RiskFactors:       riskFactors,
			ApprovalToken:     &token,
			ApprovalCodeHash:  &codeHash,
			ApprovalExpiresAt: &expiresAt,
			LastUsedAt:        now,
		}
		applyDeviceInfo(device, info, geo)

		if err := s.devices.Create(ctx, device); err != nil {
			return nil, err
		}
	}

	s.logger.Info("device approval cycle started",
		slog.String("user_id", userID),
		slog.String("device", device.ID),
		slog.Int("risk_score", riskScore))

	return &models.ApprovalChallenge{
		Device: device,
		Token:  token,
		Code:   code,
	}, nil
}

// ValidateApprovalToken resolves a token to its pending device, or nil when
// the token is unknown, not pending, or expired. Which of those applies is
// deliberately not surfaced.
func (s *DeviceTrustService) ValidateApprovalToken(ctx context.Context, token string) (*models.Device, error) {
	if token == "" {
		return nil, nil
	}

	device, err := s.devices.GetByApprovalToken(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if device.Status != models.DevicePendingApproval || device.IsApprovalExpired(s.config.Clock()) {
		return nil, nil
	}

	return device, nil
}

// ValidateApprovalCode checks a submitted code against the pending cycle
// identified by token. Wrong codes consume attempts up to the configured
// ceiling; at the ceiling even the correct code is rejected and the device
// stays pending until a fresh login starts a new cycle. A code match does
// not flip the device to trusted; callers commit that explicitly through
// MarkDeviceTrusted so the result can be audited first.
func (s *DeviceTrustService) ValidateApprovalCode(ctx context.Context, token, code string) (*models.CodeValidationResult, error) {
	device, err := s.ValidateApprovalToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return &models.CodeValidationResult{Error: models.ApprovalTokenInvalid}, nil
	}

	if device.ApprovalAttempts >= s.config.MaxCodeAttempts {
		return &models.CodeValidationResult{
			Error:              models.ApprovalMaxAttempts,
			Attempts:           device.ApprovalAttempts,
			MaxAttemptsReached: true,
		}, nil
	}

	if device.ApprovalCodeHash == nil || !pkgauth.VerifyApprovalCode(*device.ApprovalCodeHash, code) {
		attempts, err := s.devices.IncrementApprovalAttempts(ctx, device.ID)
		if err != nil {
			return nil, err
		}

		s.logger.Warn("device approval code rejected",
			slog.String("device", device.ID),
			slog.Int("attempts", attempts))

		return &models.CodeValidationResult{
			Error:    models.ApprovalCodeInvalid,
			Attempts: attempts,
		}, nil
	}

	return &models.CodeValidationResult{IsValid: true, Device: device}, nil
}

// MarkDeviceTrusted commits a pending device to trusted, clearing the
// approval state.
func (s *DeviceTrustService) MarkDeviceTrusted(ctx context.Context, device *models.Device) error {
	now := s.config.Clock()

	device.Status = models.DeviceTrusted
	device.TrustedAt = &now
	device.ApprovalToken = nil
	device.ApprovalCodeHash = nil
	device.ApprovalAttempts = 0
	device.ApprovalExpiresAt = nil

	if err := s.devices.Update(ctx, device); err != nil {
		return err
	}

	s.logger.Info("device trusted",
		slog.String("user_id", device.UserID),
		slog.String("device", device.ID))

	return nil
}

// ApproveFromSession lets an authenticated user approve one of their own
// pending devices without the emailed code. Returns nil when the device
// does not exist, belongs to another user, or is not pending; ownership
// failures are indistinguishable from missing devices so nothing leaks
// across accounts.
func (s *DeviceTrustService) ApproveFromSession(ctx context.Context, deviceRowID, userID string) (*models.Device, error) {
	device, err := s.devices.GetByID(ctx, deviceRowID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if device.UserID != userID || device.Status != models.DevicePendingApproval {
		return nil, nil
	}

	if err := s.MarkDeviceTrusted(ctx, device); err != nil {
		return nil, err
	}

	return device, nil
}

// Revoke terminates a device permanently and revokes every refresh token
// bound to it. Revoked is absorbing: nothing in this service brings a
// revoked row back. Returns false if the device does not exist.
func (s *DeviceTrustService) Revoke(ctx context.Context, deviceRowID string) (bool, error) {
	if err := s.devices.Revoke(ctx, deviceRowID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	revoked, err := s.tokens.RevokeByDeviceID(ctx, deviceRowID, "device revoked")
	if err != nil {
		return false, err
	}

	s.logger.Info("device revoked",
		slog.String("device", deviceRowID),
		slog.Int64("refresh_tokens_revoked", revoked))

	return true, nil
}

// RevokeOwned revokes one of the user's own devices. As with other ownership
// checks, another user's device is indistinguishable from a missing one.
func (s *DeviceTrustService) RevokeOwned(ctx context.Context, deviceRowID, userID string) (bool, error) {
	device, err := s.devices.GetByID(ctx, deviceRowID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if device.UserID != userID {
		return false, nil
	}
	return s.Revoke(ctx, deviceRowID)
}

// RevokeAllExcept revokes every other non-revoked device of a user,
// cascading refresh token revocation per device. Returns the number of
// devices revoked.
func (s *DeviceTrustService) RevokeAllExcept(ctx context.Context, userID, keepDeviceRowID string) (int, error) {
	ids, err := s.devices.RevokeAllExcept(ctx, userID, keepDeviceRowID)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := s.tokens.RevokeByDeviceID(ctx, id, "device revoked"); err != nil {
			return 0, err
		}
	}

	if len(ids) > 0 {
		s.logger.Info("devices revoked",
			slog.String("user_id", userID),
			slog.Int("count", len(ids)))
	}

	return len(ids), nil
}

// ListDevices returns all of a user's devices for the management surface.
func (s *DeviceTrustService) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return s.devices.ListByUserID(ctx, userID)
}

// Rename sets the user-visible name of one of the user's own devices.
func (s *DeviceTrustService) Rename(ctx context.Context, deviceRowID, userID, name string) error {
	device, err := s.devices.GetByID(ctx, deviceRowID)
	if err != nil {
		return err
	}
	if device.UserID != userID {
		return models.ErrNotFound
	}
	return s.devices.Rename(ctx, deviceRowID, name)
}

// RecordUsage stamps the device's last use and origin address.
func (s *DeviceTrustService) RecordUsage(ctx context.Context, deviceRowID, ipAddress string) error {
	return s.devices.UpdateLastUsed(ctx, deviceRowID, ipAddress)
}

func applyDeviceInfo(device *models.Device, info models.DeviceInfo, geo models.GeoInfo) {
	if info.Name != "" {
		device.Name = info.Name
	}
	if info.DeviceType != "" {
		device.DeviceType = info.DeviceType
	}
	if info.Browser != "" {
		device.Browser = info.Browser
	}
	if info.OS != "" {
		device.OS = info.OS
	}
	if geo.IPAddress != "" {
		device.IPAddress = geo.IPAddress
	}
	if geo.Country != "" {
		device.Country = geo.Country
	}
	if geo.City != "" {
		device.City = geo.City
	}
}
