package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginAttempt is one counted event inside a rate-limit window, keyed by
// (identity, action). Rows older than the action's window are pruned on every
// check, so the table stays small.
type LoginAttempt struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Identity    string    `json:"identity" gorm:"type:varchar(255);not null;index:idx_attempt_key"`
	Action      string    `json:"action" gorm:"type:varchar(30);not null;index:idx_attempt_key"`
	AttemptedAt time.Time `json:"attemptedAt" gorm:"not null;index"`
}

func (a *LoginAttempt) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// LoginLockout holds the authoritative lock-until timestamp for one
// (identity, action) pair. Clients recompute remaining time from this row;
// they never own a countdown of their own.
type LoginLockout struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Identity     string    `json:"identity" gorm:"type:varchar(255);not null;uniqueIndex:idx_lockout_key"`
	Action       string    `json:"action" gorm:"type:varchar(30);not null;uniqueIndex:idx_lockout_key"`
	FailureCount int       `json:"failureCount" gorm:"not null"`
	LockedUntil  time.Time `json:"lockedUntil" gorm:"not null;index"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (l *LoginLockout) BeforeCreate(_ *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
