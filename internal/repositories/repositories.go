package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/coldwatch/internal/models"
)

// DeviceRepository provides access to the device directory
type DeviceRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	FindAll(ctx context.Context) ([]models.Device, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error
	FindOwnerTokens(ctx context.Context, deviceID uuid.UUID) ([]string, error)
	FindOwner(ctx context.Context, deviceID uuid.UUID) (*models.User, error)
}

// ReadingRepository provides access to the reading time series
type ReadingRepository interface {
	Create(ctx context.Context, reading *models.Reading) error
	Latest(ctx context.Context, deviceID uuid.UUID) (*models.Reading, error)
	Range(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]models.Reading, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertRepository provides access to the transient breach ledger
type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) error
	CountOpen(ctx context.Context, deviceID uuid.UUID) (int64, error)
	DeleteForDevice(ctx context.Context, deviceID uuid.UUID) (int64, error)
}

// NotificationRepository provides access to durable notifications
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, acknowledged bool) ([]models.Notification, error)
	Acknowledge(ctx context.Context, deviceIDs []uuid.UUID) (int64, error)
	PurgeAcknowledged(ctx context.Context) (int64, error)
}

// deviceRepository implements DeviceRepository
type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// FindByID finds a device by ID
func (r *deviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get device by ID")
	}
	return &device, nil
}

// FindAll returns every registered device
func (r *deviceRepository) FindAll(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).Find(&devices).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}
	return devices, nil
}

// UpdateFields applies a partial update to a device
func (r *deviceRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("id = ?", id).
		Updates(fields)

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update device fields")
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FindOwnerTokens returns the push tokens of the device's owning user
func (r *deviceRepository) FindOwnerTokens(ctx context.Context, deviceID uuid.UUID) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).
		Model(&models.PushToken{}).
		Joins("JOIN devices ON devices.user_id = push_tokens.user_id").
		Where("devices.id = ?", deviceID).
		Pluck("push_tokens.token", &tokens).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get owner push tokens")
	}
	return tokens, nil
}

// FindOwner returns the device's owning user
func (r *deviceRepository) FindOwner(ctx context.Context, deviceID uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Joins("JOIN devices ON devices.user_id = users.id").
		Where("devices.id = ?", deviceID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get device owner")
	}
	return &user, nil
}

// readingRepository implements ReadingRepository
type readingRepository struct {
	db *gorm.DB
}

// NewReadingRepository creates a new reading repository
func NewReadingRepository(db *gorm.DB) ReadingRepository {
	return &readingRepository{db: db}
}

// Create appends a new reading
func (r *readingRepository) Create(ctx context.Context, reading *models.Reading) error {
	return r.db.WithContext(ctx).Create(reading).Error
}

// Latest returns the most recent reading for a device, or ErrNotFound
func (r *readingRepository) Latest(ctx context.Context, deviceID uuid.UUID) (*models.Reading, error) {
	var reading models.Reading
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("captured_at DESC").
		First(&reading).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get latest reading")
	}
	return &reading, nil
}

// Range returns readings for a device between from and to, oldest first
func (r *readingRepository) Range(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]models.Reading, error) {
	var readings []models.Reading
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND captured_at >= ? AND captured_at <= ?", deviceID, from, to).
		Order("captured_at ASC").
		Find(&readings).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get reading range")
	}
	return readings, nil
}

// DeleteExpired removes readings captured before the cutoff
func (r *readingRepository) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("captured_at < ?", olderThan).
		Delete(&models.Reading{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete expired readings")
	}
	return result.RowsAffected, nil
}

// alertRepository implements AlertRepository
type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

// Create opens a new alert
func (r *alertRepository) Create(ctx context.Context, alert *models.Alert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

// CountOpen counts open alerts for a device
func (r *alertRepository) CountOpen(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("device_id = ? AND open = ?", deviceID, true).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count open alerts")
	}
	return count, nil
}

// DeleteForDevice resets the whole ledger for a device
func (r *alertRepository) DeleteForDevice(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Delete(&models.Alert{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete alerts for device")
	}
	return result.RowsAffected, nil
}

// notificationRepository implements NotificationRepository
type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

// Create persists a new notification
func (r *notificationRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

// List returns notifications filtered by acknowledgement state, newest first
func (r *notificationRepository) List(ctx context.Context, acknowledged bool) ([]models.Notification, error) {
	var notifications []models.Notification
	err := r.db.WithContext(ctx).
		Where("acknowledged = ?", acknowledged).
		Order("created_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	return notifications, nil
}

// Acknowledge marks every notification of the given devices as acknowledged
func (r *notificationRepository) Acknowledge(ctx context.Context, deviceIDs []uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("device_id IN ?", deviceIDs).
		Update("acknowledged", true)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to acknowledge notifications")
	}
	return result.RowsAffected, nil
}

// PurgeAcknowledged deletes every acknowledged notification
func (r *notificationRepository) PurgeAcknowledged(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("acknowledged = ?", true).
		Delete(&models.Notification{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to purge acknowledged notifications")
	}
	return result.RowsAffected, nil
}
