package models

import (
	"time"

	"github.com/google/uuid"
)

// PasskeyCredential is one registered authenticator. The raw credential id is
// the unique key across all users; the public key never changes after the
// registration ceremony.
type PasskeyCredential struct {
	BaseModel
	UserID          uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID    []byte     `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	PublicKey       []byte     `json:"-" gorm:"type:bytea;not null"`
	AttestationType string     `json:"-" gorm:"type:varchar(64)"`
	AAGUID          []byte     `json:"-" gorm:"type:bytea"`
	SignCount       uint32     `json:"-" gorm:"default:0"`
	Label           string     `json:"label" gorm:"type:varchar(255);not null"`
	Transports      string     `json:"-" gorm:"type:text"`
	DeviceBrowser   string     `json:"deviceBrowser" gorm:"type:varchar(40)"`
	DeviceOS        string     `json:"deviceOS" gorm:"type:varchar(40)"`
	DeviceClass     string     `json:"deviceClass" gorm:"type:varchar(20)"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	BackupEligible  bool       `json:"backupEligible" gorm:"default:false"`
	BackupState     bool       `json:"backupState" gorm:"default:false"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
}
