package services

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/coldwatch/internal/metrics"
	"example.com/coldwatch/internal/models"
	"example.com/coldwatch/internal/notify"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/tracing"
)

// Mock repositories for testing
type MockDeviceRepository struct {
	mock.Mock
}

func (m *MockDeviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Device), args.Error(1)
}

func (m *MockDeviceRepository) FindAll(ctx context.Context) ([]models.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Device), args.Error(1)
}

func (m *MockDeviceRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *MockDeviceRepository) FindOwnerTokens(ctx context.Context, deviceID uuid.UUID) ([]string, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDeviceRepository) FindOwner(ctx context.Context, deviceID uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

type MockReadingRepository struct {
	mock.Mock
}

func (m *MockReadingRepository) Create(ctx context.Context, reading *models.Reading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

func (m *MockReadingRepository) Latest(ctx context.Context, deviceID uuid.UUID) (*models.Reading, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reading), args.Error(1)
}

func (m *MockReadingRepository) Range(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]models.Reading, error) {
	args := m.Called(ctx, deviceID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Reading), args.Error(1)
}

func (m *MockReadingRepository) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type MockAlertRepository struct {
	mock.Mock
}

func (m *MockAlertRepository) Create(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockAlertRepository) CountOpen(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAlertRepository) DeleteForDevice(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(int64), args.Error(1)
}

type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

func (m *MockNotificationRepository) List(ctx context.Context, acknowledged bool) ([]models.Notification, error) {
	args := m.Called(ctx, acknowledged)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockNotificationRepository) Acknowledge(ctx context.Context, deviceIDs []uuid.UUID) (int64, error) {
	args := m.Called(ctx, deviceIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNotificationRepository) PurgeAcknowledged(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (notify.DispatchResult, error) {
	args := m.Called(ctx, tokens, title, body, data)
	return args.Get(0).(notify.DispatchResult), args.Error(1)
}

func newTestTelemetryService(
	deviceRepo *MockDeviceRepository,
	readingRepo *MockReadingRepository,
	alertRepo *MockAlertRepository,
	notificationRepo *MockNotificationRepository,
	dispatcher *MockDispatcher,
	now time.Time,
) *TelemetryService {
	return &TelemetryService{
		deviceRepo:          deviceRepo,
		readingRepo:         readingRepo,
		alertRepo:           alertRepo,
		notificationRepo:    notificationRepo,
		dispatcher:          dispatcher,
		metrics:             metrics.NewMetrics(),
		tracer:              tracing.Noop(),
		unit:                "°C",
		escalationThreshold: 3,
		retentionWindow:     24 * time.Hour,
		now:                 func() time.Time { return now },
	}
}

func activeDevice(threshold float64) *models.Device {
	return &models.Device{
		ID:            uuid.New(),
		Code:          "ESP32-001",
		EquipmentType: "Freezer",
		Threshold:     threshold,
		Active:        true,
	}
}

func TestIngestRejectsMissingInput(t *testing.T) {
	service := newTestTelemetryService(
		new(MockDeviceRepository), new(MockReadingRepository),
		new(MockAlertRepository), new(MockNotificationRepository),
		new(MockDispatcher), time.Now(),
	)

	_, err := service.Ingest(context.Background(), "", []float64{1.0})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.Ingest(context.Background(), uuid.NewString(), nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestIngestUnknownDeviceWritesNothing(t *testing.T) {
	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockAlertRepo := new(MockAlertRepository)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, mockAlertRepo,
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	// An id that is not even a UUID can never resolve to a device
	_, err := service.Ingest(context.Background(), "nonexistent", []float64{1.0})
	require.ErrorIs(t, err, repositories.ErrNotFound)

	// A well-formed id with no matching row
	unknown := uuid.New()
	mockDeviceRepo.On("FindByID", mock.Anything, unknown).Return(nil, repositories.ErrNotFound)

	_, err = service.Ingest(context.Background(), unknown.String(), []float64{1.0})
	require.ErrorIs(t, err, repositories.ErrNotFound)

	mockReadingRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockAlertRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockDeviceRepo.AssertExpectations(t)
}

func TestIngestInactiveDeviceIsNoOp(t *testing.T) {
	device := activeDevice(30)
	device.Active = false

	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockDeviceRepo.On("FindByID", mock.Anything, device.ID).Return(device, nil)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, new(MockAlertRepository),
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	result, err := service.Ingest(context.Background(), device.ID.String(), []float64{45.0})
	require.NoError(t, err)
	require.False(t, result.Stored)
	require.Equal(t, "device inactive", result.Reason)

	mockReadingRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestIngestBelowThresholdStoresReadingOnly(t *testing.T) {
	device := activeDevice(30)

	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockAlertRepo := new(MockAlertRepository)
	mockDeviceRepo.On("FindByID", mock.Anything, device.ID).Return(device, nil)
	mockReadingRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Reading")).Return(nil)
	mockAlertRepo.On("CountOpen", mock.Anything, device.ID).Return(int64(0), nil)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, mockAlertRepo,
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	// The boundary sample is not a breach
	result, err := service.Ingest(context.Background(), device.ID.String(), []float64{28.5, 30.0})
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Nil(t, result.AlertID)
	require.Nil(t, result.NotificationID)

	mockAlertRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockReadingRepo.AssertExpectations(t)
}

func TestIngestBreachOpensAlertWithoutEscalating(t *testing.T) {
	device := activeDevice(30)

	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockAlertRepo := new(MockAlertRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	mockDeviceRepo.On("FindByID", mock.Anything, device.ID).Return(device, nil)
	mockReadingRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Reading")).Return(nil)
	mockAlertRepo.On("Create", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.DeviceID == device.ID && a.Value == 31.0 && a.Open
	})).Return(nil)
	mockAlertRepo.On("CountOpen", mock.Anything, device.ID).Return(int64(1), nil)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, mockAlertRepo,
		mockNotificationRepo, new(MockDispatcher), time.Now(),
	)

	result, err := service.Ingest(context.Background(), device.ID.String(), []float64{31.0})
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.NotNil(t, result.AlertID)
	require.Nil(t, result.NotificationID)

	mockNotificationRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockAlertRepo.AssertExpectations(t)
}

func TestIngestThirdBreachEscalatesAndPurgesLedger(t *testing.T) {
	device := activeDevice(30)
	owner := &models.User{ID: uuid.New(), UserName: "Alice"}

	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockAlertRepo := new(MockAlertRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	mockDispatcher := new(MockDispatcher)

	mockDeviceRepo.On("FindByID", mock.Anything, device.ID).Return(device, nil)
	mockReadingRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Reading")).Return(nil)
	mockAlertRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	// Two alerts from earlier breaches plus the one just opened
	mockAlertRepo.On("CountOpen", mock.Anything, device.ID).Return(int64(3), nil)
	mockNotificationRepo.On("Create", mock.Anything, mock.MatchedBy(func(n *models.Notification) bool {
		return n.DeviceID == device.ID && n.Kind == models.KindThreshold && n.Value == 32.0
	})).Return(nil)
	mockAlertRepo.On("DeleteForDevice", mock.Anything, device.ID).Return(int64(3), nil)
	mockDeviceRepo.On("FindOwner", mock.Anything, device.ID).Return(owner, nil)
	mockDeviceRepo.On("FindOwnerTokens", mock.Anything, device.ID).Return([]string{"tok-1", "tok-2"}, nil)
	mockDispatcher.On("SendMulticast", mock.Anything, []string{"tok-1", "tok-2"},
		"Alice, Temperature Alert", mock.AnythingOfType("string"), mock.Anything).
		Return(notify.DispatchResult{SuccessCount: 2}, nil)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, mockAlertRepo,
		mockNotificationRepo, mockDispatcher, time.Now(),
	)

	result, err := service.Ingest(context.Background(), device.ID.String(), []float64{32.0})
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.NotNil(t, result.AlertID)
	require.NotNil(t, result.NotificationID)
	require.Equal(t, int64(3), result.DeletedAlerts)

	mockAlertRepo.AssertExpectations(t)
	mockNotificationRepo.AssertExpectations(t)
	mockDispatcher.AssertExpectations(t)
}

func TestIngestDispatchFailureDoesNotFailCall(t *testing.T) {
	device := activeDevice(30)

	mockDeviceRepo := new(MockDeviceRepository)
	mockReadingRepo := new(MockReadingRepository)
	mockAlertRepo := new(MockAlertRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	mockDispatcher := new(MockDispatcher)

	mockDeviceRepo.On("FindByID", mock.Anything, device.ID).Return(device, nil)
	mockReadingRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Reading")).Return(nil)
	mockAlertRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	mockAlertRepo.On("CountOpen", mock.Anything, device.ID).Return(int64(3), nil)
	mockNotificationRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(nil)
	mockAlertRepo.On("DeleteForDevice", mock.Anything, device.ID).Return(int64(3), nil)
	// No owner registered; dispatch is skipped, the ingest still succeeds
	mockDeviceRepo.On("FindOwner", mock.Anything, device.ID).Return(nil, repositories.ErrNotFound)

	service := newTestTelemetryService(
		mockDeviceRepo, mockReadingRepo, mockAlertRepo,
		mockNotificationRepo, mockDispatcher, time.Now(),
	)

	result, err := service.Ingest(context.Background(), device.ID.String(), []float64{32.0})
	require.NoError(t, err)
	require.NotNil(t, result.NotificationID)

	mockDispatcher.AssertNotCalled(t, "SendMulticast",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLatestSampleReturnsNewestValue(t *testing.T) {
	deviceID := uuid.New()
	capturedAt := time.Now().Add(-time.Minute)

	reading := &models.Reading{ID: uuid.New(), DeviceID: deviceID, Unit: "°C", CapturedAt: capturedAt}
	require.NoError(t, reading.SetValues([]float64{20.5, 21.0, 22.5}))

	mockReadingRepo := new(MockReadingRepository)
	mockReadingRepo.On("Latest", mock.Anything, deviceID).Return(reading, nil)

	service := newTestTelemetryService(
		new(MockDeviceRepository), mockReadingRepo, new(MockAlertRepository),
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	sample, err := service.LatestSample(context.Background(), deviceID.String())
	require.NoError(t, err)
	require.Equal(t, 22.5, sample.Value)
	require.Equal(t, "°C", sample.Unit)
	require.Equal(t, capturedAt, sample.CapturedAt)
}

func TestLatestSamplesOmitsDevicesWithoutReadings(t *testing.T) {
	withReadings := uuid.New()
	without := uuid.New()

	reading := &models.Reading{ID: uuid.New(), DeviceID: withReadings, Unit: "°C", CapturedAt: time.Now()}
	require.NoError(t, reading.SetValues([]float64{18.0}))

	mockReadingRepo := new(MockReadingRepository)
	mockReadingRepo.On("Latest", mock.Anything, withReadings).Return(reading, nil)
	mockReadingRepo.On("Latest", mock.Anything, without).Return(nil, repositories.ErrNotFound)

	service := newTestTelemetryService(
		new(MockDeviceRepository), mockReadingRepo, new(MockAlertRepository),
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	samples, err := service.LatestSamples(context.Background(), []string{withReadings.String(), without.String()})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, withReadings, samples[0].DeviceID)
}

func TestReapExpiredReadingsUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	mockReadingRepo := new(MockReadingRepository)
	mockReadingRepo.On("DeleteExpired", mock.Anything, now.Add(-24*time.Hour)).Return(int64(5), nil)

	service := newTestTelemetryService(
		new(MockDeviceRepository), mockReadingRepo, new(MockAlertRepository),
		new(MockNotificationRepository), new(MockDispatcher), now,
	)

	deleted, err := service.ReapExpiredReadings(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), deleted)
	mockReadingRepo.AssertExpectations(t)
}

func TestProcessTelemetryMessageDropsUnprocessable(t *testing.T) {
	mockReadingRepo := new(MockReadingRepository)

	service := newTestTelemetryService(
		new(MockDeviceRepository), mockReadingRepo, new(MockAlertRepository),
		new(MockNotificationRepository), new(MockDispatcher), time.Now(),
	)

	// Malformed JSON is dropped, not redelivered
	err := service.ProcessTelemetryMessage(context.Background(), &azservicebus.ReceivedMessage{
		Body: []byte("not json"),
	})
	require.NoError(t, err)

	// A payload failing validation is dropped too
	err = service.ProcessTelemetryMessage(context.Background(), &azservicebus.ReceivedMessage{
		Body: []byte(`{"device_id":"","values":[]}`),
	})
	require.NoError(t, err)

	mockReadingRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}
