package models

import (
	"time"

	"github.com/google/uuid"
)

type CeremonyType string

const (
	CeremonyRegistration   CeremonyType = "registration"
	CeremonyAuthentication CeremonyType = "authentication"
)

// CeremonyChallenge is the server half of an in-flight WebAuthn ceremony.
// Rows expire after a few minutes; an abandoned or cancelled ceremony simply
// converges to "no pending challenge".
type CeremonyChallenge struct {
	BaseModel
	UserID      *uuid.UUID   `json:"-" gorm:"type:uuid;index"`
	Challenge   []byte       `json:"-" gorm:"type:bytea;not null"`
	Type        CeremonyType `json:"-" gorm:"type:varchar(20);not null"`
	SessionData string       `json:"-" gorm:"type:text;not null"`
	ExpiresAt   time.Time    `json:"-" gorm:"not null;index"`
}
