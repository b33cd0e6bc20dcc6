package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginHistory is the append-only audit trail of successful authentications.
// It does NOT use BaseModel because history rows are never updated or
// soft-deleted; is_new_device is computed once at write time.
type LoginHistory struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID `json:"userID" gorm:"type:uuid;index;not null"`
	Browser     string    `json:"browser" gorm:"type:varchar(40);not null"`
	OS          string    `json:"os" gorm:"type:varchar(40);not null"`
	DeviceClass string    `json:"deviceClass" gorm:"type:varchar(20);not null"`
	IPAddress   string    `json:"ipAddress" gorm:"type:varchar(45)"`
	Location    *string   `json:"location,omitempty" gorm:"type:varchar(120)"`
	Method      string    `json:"method" gorm:"type:varchar(30);not null"`
	IsNewDevice bool      `json:"isNewDevice" gorm:"default:false"`
	Notified    bool      `json:"notified" gorm:"default:false"`
	CreatedAt   time.Time `json:"createdAt" gorm:"not null;index"`
}

func (h *LoginHistory) BeforeCreate(_ *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (LoginHistory) TableName() string {
	return "login_history"
}
