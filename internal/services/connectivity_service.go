package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/coldwatch/internal/metrics"
	"example.com/coldwatch/internal/models"
	"example.com/coldwatch/internal/notify"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/tracing"
)

// SweepReport summarizes one connectivity sweep
type SweepReport struct {
	Total    int `json:"total"`
	Skipped  int `json:"skipped"`
	Online   int `json:"online"`
	Offline  int `json:"offline"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeOnline
	outcomeOffline
	outcomeNotified
)

// ConnectivityService recomputes device liveness from the reading stream
type ConnectivityService struct {
	deviceRepo       repositories.DeviceRepository
	readingRepo      repositories.ReadingRepository
	notificationRepo repositories.NotificationRepository
	dispatcher       notify.Dispatcher
	metrics          *metrics.Metrics
	tracer           tracing.Tracer

	activityTimeout time.Duration
	cooldown        time.Duration
	concurrency     int

	now func() time.Time
}

// NewConnectivityService creates a new connectivity service
func NewConnectivityService(
	deviceRepo repositories.DeviceRepository,
	readingRepo repositories.ReadingRepository,
	notificationRepo repositories.NotificationRepository,
	dispatcher notify.Dispatcher,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	activityTimeout time.Duration,
	cooldown time.Duration,
	concurrency int,
) *ConnectivityService {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &ConnectivityService{
		deviceRepo:       deviceRepo,
		readingRepo:      readingRepo,
		notificationRepo: notificationRepo,
		dispatcher:       dispatcher,
		metrics:          metricsCollector,
		tracer:           tracer,
		activityTimeout:  activityTimeout,
		cooldown:         cooldown,
		concurrency:      concurrency,
		now:              time.Now,
	}
}

// Sweep recomputes the liveness flag of every device. Devices are swept
// concurrently with a bounded pool; a failure on one device is logged and
// never aborts the others.
func (s *ConnectivityService) Sweep(ctx context.Context) (*SweepReport, error) {
	txn := s.tracer.StartTransaction("connectivity-sweep")
	defer s.tracer.EndTransaction(txn)

	devices, err := s.deviceRepo.FindAll(ctx)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to list devices for sweep")
	}

	report := &SweepReport{Total: len(devices)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, device := range devices {
		device := device
		g.Go(func() error {
			outcome, err := s.sweepDevice(ctx, &device)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				report.Failed++
				log.Error().Err(err).Str("device_id", device.ID.String()).Msg("Sweep failed for device")
				s.tracer.RecordError(txn, err)
				return nil
			}

			switch outcome {
			case outcomeSkipped:
				report.Skipped++
			case outcomeOnline:
				report.Online++
			case outcomeOffline:
				report.Offline++
			case outcomeNotified:
				report.Offline++
				report.Notified++
			}
			return nil
		})
	}

	// Per-device errors are swallowed above, Wait never fails.
	_ = g.Wait()

	s.metrics.IncrementCounter("sweep.runs")
	s.metrics.SetGauge("sweep.offline_devices", int64(report.Offline))

	log.Info().
		Int("total", report.Total).
		Int("online", report.Online).
		Int("offline", report.Offline).
		Int("notified", report.Notified).
		Int("failed", report.Failed).
		Msg("Connectivity sweep completed")

	return report, nil
}

// sweepDevice recomputes one device's liveness and, past the cooldown,
// escalates an offline notification.
func (s *ConnectivityService) sweepDevice(ctx context.Context, device *models.Device) (sweepOutcome, error) {
	reading, err := s.readingRepo.Latest(ctx, device.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Never reported: nothing to judge liveness by.
			return outcomeSkipped, nil
		}
		return outcomeSkipped, errors.Wrap(err, "failed to load latest reading")
	}

	now := s.now()
	online := now.Sub(reading.CapturedAt) <= s.activityTimeout

	// Written even when unchanged; the write is idempotent.
	if err := s.deviceRepo.UpdateFields(ctx, device.ID, map[string]interface{}{"wifi_online": online}); err != nil {
		return outcomeSkipped, errors.Wrap(err, "failed to update wifi_online")
	}

	if online {
		// last_notified_at deliberately keeps its value on recovery.
		return outcomeOnline, nil
	}

	// nil last_notified_at means the device has never been notified.
	if device.LastNotifiedAt != nil && now.Sub(*device.LastNotifiedAt) <= s.cooldown {
		return outcomeOffline, nil
	}

	value := 0.0
	if values, err := reading.DecodeValues(); err == nil && len(values) > 0 {
		value = values[len(values)-1]
	}

	notification := &models.Notification{
		ID:        uuid.New(),
		DeviceID:  device.ID,
		Kind:      models.KindConnectivity,
		Value:     value,
		CreatedAt: now,
	}
	if err := s.notificationRepo.Create(ctx, notification); err != nil {
		return outcomeOffline, errors.Wrap(err, "failed to create connectivity notification")
	}

	s.dispatchOfflineAlert(ctx, device)

	if err := s.deviceRepo.UpdateFields(ctx, device.ID, map[string]interface{}{"last_notified_at": now}); err != nil {
		return outcomeNotified, errors.Wrap(err, "failed to update last_notified_at")
	}

	return outcomeNotified, nil
}

// dispatchOfflineAlert pushes a connectivity alert to the device owner's
// tokens. Failures are logged and never fail the sweep.
func (s *ConnectivityService) dispatchOfflineAlert(ctx context.Context, device *models.Device) {
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

	title := fmt.Sprintf("%s, Sensor Inactive", owner.UserName)
	body := fmt.Sprintf("%s has stopped reporting, check its connection", device.EquipmentType)
	data := map[string]string{"device_id": device.ID.String()}

	dispatched, err := s.dispatcher.SendMulticast(ctx, tokens, title, body, data)
	if err != nil {
		s.metrics.IncrementCounter("dispatch.failures")
		log.Error().Err(err).Str("device_id", device.ID.String()).Msg("Failed to dispatch connectivity alert")
		return
	}

	s.metrics.IncrementCounterBy("dispatch.sent", int64(dispatched.SuccessCount))
	log.Info().
		Str("device_id", device.ID.String()).
		Int("success", dispatched.SuccessCount).
		Int("failure", dispatched.FailureCount).
		Msg("Connectivity alert dispatched")
}
