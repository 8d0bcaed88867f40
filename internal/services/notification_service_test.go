package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/coldwatch/internal/models"
)

func TestAcknowledgeRejectsBadInput(t *testing.T) {
	service := NewNotificationService(new(MockNotificationRepository), nil)

	_, err := service.Acknowledge(context.Background(), nil)
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.Acknowledge(context.Background(), []string{"not-a-uuid"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestAcknowledgeMarksDeviceNotifications(t *testing.T) {
	deviceID := uuid.New()

	mockRepo := new(MockNotificationRepository)
	mockRepo.On("Acknowledge", mock.Anything, []uuid.UUID{deviceID}).Return(int64(2), nil)

	service := NewNotificationService(mockRepo, nil)

	updated, err := service.Acknowledge(context.Background(), []string{deviceID.String()})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated)
	mockRepo.AssertExpectations(t)
}

func TestListFiltersByAcknowledgedState(t *testing.T) {
	active := []models.Notification{
		{ID: uuid.New(), Kind: models.KindThreshold, Value: 32.0},
	}

	mockRepo := new(MockNotificationRepository)
	mockRepo.On("List", mock.Anything, false).Return(active, nil)

	service := NewNotificationService(mockRepo, nil)

	notifications, err := service.List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, models.KindThreshold, notifications[0].Kind)
}

func TestPurgeHistoryDeletesAcknowledged(t *testing.T) {
	mockRepo := new(MockNotificationRepository)
	mockRepo.On("PurgeAcknowledged", mock.Anything).Return(int64(7), nil)

	service := NewNotificationService(mockRepo, nil)

	deleted, err := service.PurgeHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), deleted)
	mockRepo.AssertExpectations(t)
}
