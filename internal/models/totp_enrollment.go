package models

import (
	"time"

	"github.com/google/uuid"
)

// TotpEnrollment holds one owner's second factor. At most one row per user;
// re-running setup replaces the pending secret wholesale. The secret column
// stores the AES-GCM ciphertext, never the raw base32 value.
type TotpEnrollment struct {
	BaseModel
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;uniqueIndex;not null"`
	Secret     string     `json:"-" gorm:"type:text;not null"`
	Verified   bool       `json:"verified" gorm:"default:false"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	User       User       `json:"-" gorm:"foreignKey:UserID"`
}
