package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupCode is one single-use recovery code out of a generated set. Codes
// are stored as bcrypt hashes, one row per code, so a redeemed code can be
// told apart from a code that never existed. Regeneration deletes the whole
// prior set in the same transaction that inserts the new one.
type BackupCode struct {
	BaseModel
	UserID   uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CodeHash string     `json:"-" gorm:"type:text;not null"`
	Used     bool       `json:"used" gorm:"default:false"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`
	User     User       `json:"-" gorm:"foreignKey:UserID"`
}
