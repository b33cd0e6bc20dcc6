package models

import "github.com/google/uuid"

// SecurityQuestionSet is one owner's knowledge-based recovery pair. Exactly
// two distinct questions; answers are stored only as deterministic digests of
// the normalized answer text.
type SecurityQuestionSet struct {
	BaseModel
	UserID      uuid.UUID `json:"userID" gorm:"type:uuid;uniqueIndex;not null"`
	Question1   string    `json:"question1" gorm:"type:varchar(255);not null"`
	Answer1Hash string    `json:"-" gorm:"type:varchar(64);not null"`
	Question2   string    `json:"question2" gorm:"type:varchar(255);not null"`
	Answer2Hash string    `json:"-" gorm:"type:varchar(64);not null"`
	User        User      `json:"-" gorm:"foreignKey:UserID"`
}
