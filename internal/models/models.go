package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// NotificationKind distinguishes the two notification streams.
type NotificationKind string

const (
	KindThreshold    NotificationKind = "threshold"
	KindConnectivity NotificationKind = "connectivity"
)

// Device represents a registered sensor unit
type Device struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	Code           string         `gorm:"not null;uniqueIndex" json:"code"`
	Model          string         `gorm:"not null" json:"model"`
	EquipmentType  string         `gorm:"not null" json:"equipment_type"`
	Threshold      float64        `gorm:"type:numeric(8,2);not null" json:"threshold"`
	Active         bool           `gorm:"not null;default:true" json:"active"`
	WifiOnline     bool           `gorm:"not null;default:true" json:"wifi_online"`
	LastNotifiedAt *time.Time     `json:"last_notified_at"`
	UserID         *uuid.UUID     `gorm:"type:uuid" json:"user_id"`
	User           *User          `gorm:"foreignKey:UserID" json:"-"`
	Readings       []Reading      `gorm:"foreignKey:DeviceID" json:"-"`
}

// User owns devices and receives push notifications
type User struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
	UserName   string         `gorm:"not null" json:"user_name"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	PushTokens []PushToken    `gorm:"foreignKey:UserID" json:"-"`
	Devices    []Device       `gorm:"foreignKey:UserID" json:"-"`
}

// PushToken is an opaque FCM registration token owned by a user
type PushToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Token     string    `gorm:"not null;uniqueIndex" json:"token"`
}

// Reading is one ingested batch of temperature samples. Immutable once
// written; rows past the retention window are removed by the reaper.
type Reading struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   uuid.UUID `gorm:"type:uuid;not null;index" json:"device_id"`
	Values     []byte    `gorm:"type:jsonb;not null" json:"-"`
	Unit       string    `gorm:"not null" json:"unit"`
	CapturedAt time.Time `gorm:"not null;index" json:"captured_at"`
}

// SetValues encodes the sample batch into the jsonb column.
func (r *Reading) SetValues(values []float64) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "failed to marshal reading values")
	}
	r.Values = data
	return nil
}

// DecodeValues decodes the jsonb column back into the sample batch.
func (r *Reading) DecodeValues() ([]float64, error) {
	var values []float64
	if err := json.Unmarshal(r.Values, &values); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal reading values")
	}
	return values, nil
}

// Alert is a transient breach record. It is only ever created, counted
// and bulk-deleted, never updated.
type Alert struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID  uuid.UUID `gorm:"type:uuid;not null;index" json:"device_id"`
	Value     float64   `gorm:"type:numeric(8,2);not null" json:"value"`
	Open      bool      `gorm:"not null;default:true" json:"open"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Notification is a durable user-visible escalation event
type Notification struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID     uuid.UUID        `gorm:"type:uuid;not null;index" json:"device_id"`
	Kind         NotificationKind `gorm:"not null;index" json:"kind"`
	Value        float64          `gorm:"type:numeric(8,2);not null" json:"value"`
	Acknowledged bool             `gorm:"not null;default:false" json:"acknowledged"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// TelemetryPayload is an incoming reading batch from a sensor unit
type TelemetryPayload struct {
	DeviceID string    `json:"device_id"`
	Values   []float64 `json:"values"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&User{},
		&PushToken{},
		&Device{},
		&Reading{},
		&Alert{},
		&Notification{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
