package models

import "time"

const (
	RatingPositive = "positive"
	RatingNegative = "negative"
)

// Feedback is unique per (message, user); resubmission updates in place.
type Feedback struct {
	ID             string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	MessageID      string    `gorm:"type:varchar(26);not null;index:uniq_feedback_msg_user,unique,priority:1" json:"message_id"`
	UserID         string    `gorm:"type:varchar(64);not null;index:uniq_feedback_msg_user,unique,priority:2" json:"user_id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index" json:"conversation_id"`
	Rating         string    `gorm:"type:varchar(16);not null" json:"rating"`
	Notes          *string   `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Feedback) TableName() string { return "message_feedback" }
