package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/models"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// MockDeviceTrustService lets each test pin the outcome of the calls it
// exercises and records what the handler asked for.
type MockDeviceTrustService struct {
	trustedDevice    *models.Device
	createdTrusted   *models.Device
	challenge        *models.ApprovalChallenge
	codeResult       *models.CodeValidationResult
	tokenDevice      *models.Device
	sessionDevice    *models.Device
	devices          []models.Device
	revokeOwnedOK    bool
	revokedAllCount  int
	markedTrusted    []string
	recordedUsage    []string
	revokeOwnedCalls []string
	renameCalls      []string
}

func (m *MockDeviceTrustService) FindTrustedDevice(ctx context.Context, userID, deviceID string, fingerprint *string) (*models.Device, error) {
	return m.trustedDevice, nil
}

func (m *MockDeviceTrustService) CreateTrustedDevice(ctx context.Context, userID, deviceID string, info models.DeviceInfo, geo models.GeoInfo, fingerprint *string) (*models.Device, error) {
	return m.createdTrusted, nil
}

func (m *MockDeviceTrustService) CreatePendingDevice(ctx context.Context, userID, deviceID string, riskScore int, riskFactors []string, info models.DeviceInfo, geo models.GeoInfo) (*models.ApprovalChallenge, error) {
	return m.challenge, nil
}

func (m *MockDeviceTrustService) ValidateApprovalToken(ctx context.Context, token string) (*models.Device, error) {
	return m.tokenDevice, nil
}

func (m *MockDeviceTrustService) ValidateApprovalCode(ctx context.Context, token, code string) (*models.CodeValidationResult, error) {
	return m.codeResult, nil
}

func (m *MockDeviceTrustService) MarkDeviceTrusted(ctx context.Context, device *models.Device) error {
	m.markedTrusted = append(m.markedTrusted, device.ID)
	return nil
}

func (m *MockDeviceTrustService) ApproveFromSession(ctx context.Context, deviceRowID, userID string) (*models.Device, error) {
	return m.sessionDevice, nil
}

func (m *MockDeviceTrustService) RevokeOwned(ctx context.Context, deviceRowID, userID string) (bool, error) {
	m.revokeOwnedCalls = append(m.revokeOwnedCalls, deviceRowID+"/"+userID)
	return m.revokeOwnedOK, nil
}

func (m *MockDeviceTrustService) RevokeAllExcept(ctx context.Context, userID, keepDeviceRowID string) (int, error) {
	return m.revokedAllCount, nil
}

func (m *MockDeviceTrustService) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return m.devices, nil
}

func (m *MockDeviceTrustService) Rename(ctx context.Context, deviceRowID, userID, name string) error {
	m.renameCalls = append(m.renameCalls, deviceRowID+"/"+name)
	return nil
}

func (m *MockDeviceTrustService) RecordUsage(ctx context.Context, deviceRowID, ipAddress string) error {
	m.recordedUsage = append(m.recordedUsage, deviceRowID)
	return nil
}

// MockNotifier captures the last approval email instead of sending it.
type MockNotifier struct {
	email string
	token string
	code  string
}

func (m *MockNotifier) SendApprovalEmail(ctx context.Context, email, token, code string, expiresAt time.Time) error {
	m.email = email
	m.token = token
	m.code = code
	return nil
}

func newDeviceFixture() (*handlers.DeviceHandler, *MockDeviceTrustService, *MockNotifier) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	service := &MockDeviceTrustService{}
	notifier := &MockNotifier{}
	handler := handlers.NewDeviceHandler(service, notifier, pkglogger.NewAuditLogger(logger), nil, 50)
	return handler, service, notifier
}

func trustedDevice(id string) *models.Device {
	now := time.Now().UTC()
	return &models.Device{
		ID:         id,
		UserID:     "user-1",
		DeviceID:   "client-abc",
		Status:     models.DeviceTrusted,
		TrustedAt:  &now,
		LastUsedAt: now,
		CreatedAt:  now,
	}
}

func authedRequest(method, path string, body interface{}) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	claims := &models.TokenClaims{UserID: "user-1"}
	return req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, claims))
}

func TestEvaluate_KnownTrustedDevice(t *testing.T) {
	handler, service, _ := newDeviceFixture()
	service.trustedDevice = trustedDevice("dev-1")

	rec := postJSON(t, handler.Evaluate, "/devices/evaluate", handlers.EvaluateDeviceRequest{
		UserID:   "user-1",
		Email:    "user@example.com",
		DeviceID: "client-abc",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.EvaluateDeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.DeviceTrusted, resp.Status)
	assert.Empty(t, resp.ApprovalToken)
	assert.Equal(t, []string{"dev-1"}, service.recordedUsage)
}

func TestEvaluate_LowRiskTrustsOnFirstUse(t *testing.T) {
	handler, service, notifier := newDeviceFixture()
	service.createdTrusted = trustedDevice("dev-new")

	rec := postJSON(t, handler.Evaluate, "/devices/evaluate", handlers.EvaluateDeviceRequest{
		UserID:    "user-1",
		Email:     "user@example.com",
		DeviceID:  "client-abc",
		RiskScore: 20,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.EvaluateDeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.DeviceTrusted, resp.Status)
	assert.Empty(t, notifier.email)
}

func TestEvaluate_HighRiskStartsApprovalCycle(t *testing.T) {
	handler, service, notifier := newDeviceFixture()

	expiresAt := time.Now().UTC().Add(15 * time.Minute)
	pending := trustedDevice("dev-pending")
	pending.Status = models.DevicePendingApproval
	pending.ApprovalExpiresAt = &expiresAt
	service.challenge = &models.ApprovalChallenge{
		Device: pending,
		Token:  "challenge-token",
		Code:   "ABCD-EFGH",
	}

	rec := postJSON(t, handler.Evaluate, "/devices/evaluate", handlers.EvaluateDeviceRequest{
		UserID:    "user-1",
		Email:     "user@example.com",
		DeviceID:  "client-abc",
		RiskScore: 80,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.EvaluateDeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.DevicePendingApproval, resp.Status)
	assert.Equal(t, "challenge-token", resp.ApprovalToken)

	assert.Equal(t, "user@example.com", notifier.email)
	assert.Equal(t, "challenge-token", notifier.token)
	assert.Equal(t, "ABCD-EFGH", notifier.code)

	// The code travels only by email, never in the response.
	assert.NotContains(t, rec.Body.String(), "ABCD-EFGH")
}

func TestSubmitApproval_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     *models.CodeValidationResult
		wantStatus int
	}{
		{
			name:       "unknown token",
			result:     &models.CodeValidationResult{Error: models.ApprovalTokenInvalid},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "attempts exhausted",
			result:     &models.CodeValidationResult{Error: models.ApprovalMaxAttempts, MaxAttemptsReached: true},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong code",
			result:     &models.CodeValidationResult{Error: models.ApprovalCodeInvalid, Attempts: 1},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, service, _ := newDeviceFixture()
			service.codeResult = tt.result

			rec := postJSON(t, handler.SubmitApproval, "/devices/approve", handlers.SubmitApprovalRequest{
				Token: "some-token",
				Code:  "AAAA-AAAA",
			})

			require.Equal(t, tt.wantStatus, rec.Code)

			var resp handlers.ApprovalResultResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.False(t, resp.Approved)
			assert.Equal(t, tt.result.Error, resp.Error)
			assert.Empty(t, service.markedTrusted)
		})
	}
}

func TestSubmitApproval_ValidCodeTrustsDevice(t *testing.T) {
	handler, service, _ := newDeviceFixture()
	service.codeResult = &models.CodeValidationResult{
		IsValid: true,
		Device:  trustedDevice("dev-1"),
	}

	rec := postJSON(t, handler.SubmitApproval, "/devices/approve", handlers.SubmitApprovalRequest{
		Token: "some-token",
		Code:  "AAAA-AAAA",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.ApprovalResultResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Approved)
	require.NotNil(t, resp.Device)
	assert.Equal(t, "dev-1", resp.Device.ID)
	assert.Equal(t, []string{"dev-1"}, service.markedTrusted)
}

func TestShowApproval_UnknownToken(t *testing.T) {
	handler, _, _ := newDeviceFixture()

	req := httptest.NewRequest(http.MethodGet, "/devices/approve?token=bogus", nil)
	rec := httptest.NewRecorder()
	handler.ShowApproval(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevoke_OwnershipMismatchIsNotFound(t *testing.T) {
	handler, service, _ := newDeviceFixture()
	service.revokeOwnedOK = false

	router := chi.NewRouter()
	router.Delete("/devices/{id}", handler.Revoke)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodDelete, "/devices/dev-9", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"dev-9/user-1"}, service.revokeOwnedCalls)
}

func TestRevoke_Owned(t *testing.T) {
	handler, service, _ := newDeviceFixture()
	service.revokeOwnedOK = true

	router := chi.NewRouter()
	router.Delete("/devices/{id}", handler.Revoke)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodDelete, "/devices/dev-1", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRevokeAll_WithoutBody(t *testing.T) {
	handler, service, _ := newDeviceFixture()
	service.revokedAllCount = 3

	rec := httptest.NewRecorder()
	handler.RevokeAll(rec, authedRequest(http.MethodPost, "/devices/revoke-all", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.RevokeAllResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.RevokedCount)
}

func TestListDevices_ProjectsWithoutSecrets(t *testing.T) {
	handler, service, _ := newDeviceFixture()

	token := "secret-approval-token"
	pending := *trustedDevice("dev-2")
	pending.Status = models.DevicePendingApproval
	pending.ApprovalToken = &token
	service.devices = []models.Device{*trustedDevice("dev-1"), pending}

	rec := httptest.NewRecorder()
	handler.List(rec, authedRequest(http.MethodGet, "/devices", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.ListDevicesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.False(t, strings.Contains(rec.Body.String(), token))
}

func TestList_RequiresAuthentication(t *testing.T) {
	handler, _, _ := newDeviceFixture()

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	handler.List(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
