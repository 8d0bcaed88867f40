package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/coldwatch/internal/cache"
	"example.com/coldwatch/internal/metrics"
	"example.com/coldwatch/internal/models"
	"example.com/coldwatch/internal/notify"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/search"
	"example.com/coldwatch/internal/tracing"
)

// ErrValidation indicates missing or malformed input. No state is mutated.
var ErrValidation = errors.New("invalid input")

// IngestResult reports what one ingest call persisted
type IngestResult struct {
	Stored         bool       `json:"stored"`
	Reason         string     `json:"reason,omitempty"`
	ReadingID      uuid.UUID  `json:"reading_id,omitempty"`
	AlertID        *uuid.UUID `json:"alert_id,omitempty"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	DeletedAlerts  int64      `json:"deleted_alerts"`
}

// LatestSample is the newest sample of a device's newest reading batch
type LatestSample struct {
	DeviceID   uuid.UUID `json:"device_id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	CapturedAt time.Time `json:"captured_at"`
}

// ReadingBatch is one stored batch with its samples decoded
type ReadingBatch struct {
	DeviceID   uuid.UUID `json:"device_id"`
	Values     []float64 `json:"values"`
	Unit       string    `json:"unit"`
	CapturedAt time.Time `json:"captured_at"`
}

// TelemetryService handles reading ingestion and breach escalation
type TelemetryService struct {
	deviceRepo       repositories.DeviceRepository
	readingRepo      repositories.ReadingRepository
	alertRepo        repositories.AlertRepository
	notificationRepo repositories.NotificationRepository
	cache            *cache.RedisCache
	dispatcher       notify.Dispatcher
	indexer          search.NotificationIndexer
	metrics          *metrics.Metrics
	tracer           tracing.Tracer

	unit                string
	escalationThreshold int64
	retentionWindow     time.Duration

	now func() time.Time
}

// NewTelemetryService creates a new telemetry service
func NewTelemetryService(
	deviceRepo repositories.DeviceRepository,
	readingRepo repositories.ReadingRepository,
	alertRepo repositories.AlertRepository,
	notificationRepo repositories.NotificationRepository,
	redisCache *cache.RedisCache,
	dispatcher notify.Dispatcher,
	indexer search.NotificationIndexer,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	unit string,
	escalationThreshold int64,
	retentionWindow time.Duration,
) *TelemetryService {
	return &TelemetryService{
		deviceRepo:          deviceRepo,
		readingRepo:         readingRepo,
		alertRepo:           alertRepo,
		notificationRepo:    notificationRepo,
		cache:               redisCache,
		dispatcher:          dispatcher,
		indexer:             indexer,
		metrics:             metricsCollector,
		tracer:              tracer,
		unit:                unit,
		escalationThreshold: escalationThreshold,
		retentionWindow:     retentionWindow,
		now:                 time.Now,
	}
}

// Ingest stores one reading batch and escalates sustained breaches.
//
// The reading write and the alert/count/purge chain run concurrently; within
// the chain the just-opened alert is awaited before the count, so the count
// is "open alerts as of the start of this call plus the one just opened".
// Concurrent escalations for the same device may both fire; that duplicate
// is accepted rather than serialized through a lock.
func (s *TelemetryService) Ingest(ctx context.Context, deviceID string, values []float64) (*IngestResult, error) {
	txn := s.tracer.StartTransaction("ingest-telemetry")
	defer s.tracer.EndTransaction(txn)

	if deviceID == "" || len(values) == 0 {
		return nil, errors.Wrap(ErrValidation, "device_id and values are required")
	}

	// An unparseable id can never resolve to a device.
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, errors.Wrap(repositories.ErrNotFound, "unknown device")
	}

	s.tracer.AddAttribute(txn, "device_id", deviceID)

	device, err := s.getDevice(ctx, id)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if !device.Active {
		log.Debug().Str("device_id", deviceID).Msg("Device inactive, reading not stored")
		return &IngestResult{Stored: false, Reason: "device inactive"}, nil
	}

	now := s.now()
	latest := values[len(values)-1]

	reading := &models.Reading{
		ID:         uuid.New(),
		DeviceID:   device.ID,
		Unit:       s.unit,
		CapturedAt: now,
	}
	if err := reading.SetValues(values); err != nil {
		return nil, err
	}

	result := &IngestResult{Stored: true, ReadingID: reading.ID}
	var notification *models.Notification

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		span := s.tracer.StartSpan("store-reading", txn)
		defer span.End()
		if err := s.readingRepo.Create(gctx, reading); err != nil {
			return errors.Wrap(err, "failed to store reading")
		}
		return nil
	})

	g.Go(func() error {
		span := s.tracer.StartSpan("escalate-breach", txn)
		defer span.End()

		if latest > device.Threshold {
			alert := &models.Alert{
				ID:        uuid.New(),
				DeviceID:  device.ID,
				Value:     latest,
				Open:      true,
				CreatedAt: now,
			}
			if err := s.alertRepo.Create(gctx, alert); err != nil {
				return errors.Wrap(err, "failed to open alert")
			}
			result.AlertID = &alert.ID
		}

		count, err := s.alertRepo.CountOpen(gctx, device.ID)
		if err != nil {
			return errors.Wrap(err, "failed to count open alerts")
		}

		if count < s.escalationThreshold {
			return nil
		}

		notification = &models.Notification{
			ID:        uuid.New(),
			DeviceID:  device.ID,
			Kind:      models.KindThreshold,
			Value:     latest,
			CreatedAt: now,
		}
		if err := s.notificationRepo.Create(gctx, notification); err != nil {
			notification = nil
			return errors.Wrap(err, "failed to create notification")
		}
		result.NotificationID = &notification.ID

		// Full ledger reset, not just the counted alerts. Alerts opened
		// concurrently in this window are deleted too; accepted race.
		deleted, err := s.alertRepo.DeleteForDevice(gctx, device.ID)
		if err != nil {
			// The notification exists but the ledger was not purged.
			log.Error().Err(err).
				Str("device_id", deviceID).
				Str("notification_id", notification.ID.String()).
				Msg("Notification created but ledger purge failed")
			return nil
		}
		result.DeletedAlerts = deleted
		return nil
	})

	if err := g.Wait(); err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter("ingest.readings_stored")
	if result.AlertID != nil {
		s.metrics.IncrementCounter("ingest.alerts_opened")
	}

	if notification != nil {
		s.metrics.IncrementCounter("ingest.notifications_created")
		s.dispatchThresholdAlert(ctx, device, notification)
		s.indexNotification(ctx, device, notification)
	}

	log.Info().
		Str("device_id", deviceID).
		Float64("latest", latest).
		Bool("escalated", notification != nil).
		Msg("Reading ingested")

	return result, nil
}

// getDevice looks up a device through the read-through cache
func (s *TelemetryService) getDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	if s.cache != nil {
		var device models.Device
		if err := s.cache.Get(ctx, cache.GetDeviceCacheKey(id), &device); err == nil {
			return &device, nil
		}
	}

	device, err := s.deviceRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.GetDeviceCacheKey(id), device); err != nil {
			log.Debug().Err(err).Str("device_id", id.String()).Msg("Failed to cache device")
		}
	}

	return device, nil
}

// dispatchThresholdAlert pushes a temperature alert to the device owner's
// tokens. Failures are logged and never fail the ingest call.
func (s *TelemetryService) dispatchThresholdAlert(ctx context.Context, device *models.Device, notification *models.Notification) {
	owner, err := s.deviceRepo.FindOwner(ctx, device.ID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", device.ID.String()).Msg("No owner found for device, skipping dispatch")
		return
	}

	tokens, err := s.deviceRepo.FindOwnerTokens(ctx, device.ID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", device.ID.String()).Msg("Failed to load push tokens, skipping dispatch")
		return
	}

	title := fmt.Sprintf("%s, Temperature Alert", owner.UserName)
	body := fmt.Sprintf("%s 🌡️ %.1f%s", device.EquipmentType, notification.Value, s.unit)
	data := map[string]string{"device_id": device.ID.String()}

	dispatched, err := s.dispatcher.SendMulticast(ctx, tokens, title, body, data)
	if err != nil {
		s.metrics.IncrementCounter("dispatch.failures")
		log.Error().Err(err).Str("device_id", device.ID.String()).Msg("Failed to dispatch temperature alert")
		return
	}

	s.metrics.IncrementCounterBy("dispatch.sent", int64(dispatched.SuccessCount))
	log.Info().
		Str("device_id", device.ID.String()).
		Int("success", dispatched.SuccessCount).
		Int("failure", dispatched.FailureCount).
		Msg("Temperature alert dispatched")
}

// indexNotification indexes an escalation best-effort
func (s *TelemetryService) indexNotification(ctx context.Context, device *models.Device, notification *models.Notification) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexNotification(ctx, notification, device); err != nil {
		log.Warn().Err(err).Str("notification_id", notification.ID.String()).Msg("Failed to index notification")
	}
}

// LatestSample returns the newest sample of a device's newest reading
func (s *TelemetryService) LatestSample(ctx context.Context, deviceID string) (*LatestSample, error) {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, "device_id is not a valid UUID")
	}

	reading, err := s.readingRepo.Latest(ctx, id)
	if err != nil {
		return nil, err
	}

	values, err := reading.DecodeValues()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, repositories.ErrNotFound
	}

	return &LatestSample{
		DeviceID:   id,
		Value:      values[len(values)-1],
		Unit:       reading.Unit,
		CapturedAt: reading.CapturedAt,
	}, nil
}

// LatestSamples returns the newest sample for each of the given devices.
// Devices with no readings are omitted.
func (s *TelemetryService) LatestSamples(ctx context.Context, deviceIDs []string) ([]LatestSample, error) {
	if len(deviceIDs) == 0 {
		return nil, errors.Wrap(ErrValidation, "device_ids are required")
	}

	samples := make([]LatestSample, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		sample, err := s.LatestSample(ctx, deviceID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return nil, err
		}
		samples = append(samples, *sample)
	}
	return samples, nil
}

// ReadingRange returns a device's readings between from and to, oldest first
func (s *TelemetryService) ReadingRange(ctx context.Context, deviceID string, from, to time.Time) ([]ReadingBatch, error) {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, "device_id is not a valid UUID")
	}

	readings, err := s.readingRepo.Range(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	batches := make([]ReadingBatch, 0, len(readings))
	for _, reading := range readings {
		values, err := reading.DecodeValues()
		if err != nil {
			log.Warn().Err(err).Str("reading_id", reading.ID.String()).Msg("Skipping undecodable reading")
			continue
		}
		batches = append(batches, ReadingBatch{
			DeviceID:   reading.DeviceID,
			Values:     values,
			Unit:       reading.Unit,
			CapturedAt: reading.CapturedAt,
		})
	}
	return batches, nil
}

// ReapExpiredReadings deletes readings older than the retention window
func (s *TelemetryService) ReapExpiredReadings(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retentionWindow)

	deleted, err := s.readingRepo.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap expired readings")
	}

	if deleted > 0 {
		s.metrics.IncrementCounterBy("retention.readings_reaped", deleted)
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Expired readings reaped")
	}
	return deleted, nil
}

// ProcessTelemetryMessage ingests one telemetry envelope from the queue
func (s *TelemetryService) ProcessTelemetryMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var payload models.TelemetryPayload
	if err := json.Unmarshal(message.Body, &payload); err != nil {
		// A malformed envelope would fail forever; drop it.
		log.Warn().Err(err).Str("message_id", message.MessageID).Msg("Dropping malformed telemetry message")
		return nil
	}

	_, err := s.Ingest(ctx, payload.DeviceID, payload.Values)
	if err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, repositories.ErrNotFound) {
			log.Warn().Err(err).Str("message_id", message.MessageID).Msg("Dropping unprocessable telemetry message")
			return nil
		}
		return err
	}

	return nil
}
