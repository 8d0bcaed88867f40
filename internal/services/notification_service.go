package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/coldwatch/internal/models"
	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/search"
)

// NotificationService exposes the durable notification stream
type NotificationService struct {
	notificationRepo repositories.NotificationRepository
	searcher         search.NotificationSearcher
}

// NewNotificationService creates a new notification service
func NewNotificationService(notificationRepo repositories.NotificationRepository, searcher search.NotificationSearcher) *NotificationService {
	return &NotificationService{
		notificationRepo: notificationRepo,
		searcher:         searcher,
	}
}

// List returns notifications filtered by acknowledgement state
func (s *NotificationService) List(ctx context.Context, acknowledged bool) ([]models.Notification, error) {
	return s.notificationRepo.List(ctx, acknowledged)
}

// Acknowledge marks every notification of the given devices as acknowledged
func (s *NotificationService) Acknowledge(ctx context.Context, deviceIDs []string) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, errors.Wrap(ErrValidation, "device_ids are required")
	}

	ids := make([]uuid.UUID, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		id, err := uuid.Parse(deviceID)
		if err != nil {
			return 0, errors.Wrapf(ErrValidation, "invalid device id %q", deviceID)
		}
		ids = append(ids, id)
	}

	updated, err := s.notificationRepo.Acknowledge(ctx, ids)
	if err != nil {
		return 0, err
	}

	log.Info().Int64("updated", updated).Int("devices", len(ids)).Msg("Notifications acknowledged")
	return updated, nil
}

// Search queries the notification index by device code and kind. Either
// filter may be empty. Requires Elasticsearch to be configured.
func (s *NotificationService) Search(ctx context.Context, deviceCode, kind string) ([]map[string]interface{}, error) {
	if s.searcher == nil {
		return nil, errors.New("notification search is not available")
	}

	var filters []map[string]interface{}
	if deviceCode != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"device_code": deviceCode},
		})
	}
	if kind != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"kind": kind},
		})
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
	}

	return s.searcher.SearchNotifications(ctx, query)
}

// PurgeHistory deletes every acknowledged notification
func (s *NotificationService) PurgeHistory(ctx context.Context) (int64, error) {
	deleted, err := s.notificationRepo.PurgeAcknowledged(ctx)
	if err != nil {
		return 0, err
	}

	log.Info().Int64("deleted", deleted).Msg("Acknowledged notifications purged")
	return deleted, nil
}
