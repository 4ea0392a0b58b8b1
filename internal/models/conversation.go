package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const DefaultConversationTitle = "New Conversation"

type Conversation struct {
	ID        string  `gorm:"primaryKey;type:varchar(26)" json:"id"`
	TenantID  string  `gorm:"type:varchar(26);not null;index:idx_conv_owner,priority:1" json:"tenant_id"`
	UserID    string  `gorm:"type:varchar(64);not null;index:idx_conv_owner,priority:2" json:"user_id"`
	ChatbotID *string `gorm:"type:varchar(26);index" json:"chatbot_id,omitempty"`
	Title     string  `gorm:"type:varchar(255);not null" json:"title"`
	Archived  bool    `gorm:"not null;index" json:"archived"`

	// rollups, maintained by the orchestrator
	MessageCount  int        `gorm:"not null" json:"message_count"`
	TotalTokens   int64      `gorm:"not null" json:"total_tokens"`
	Model         string     `gorm:"type:varchar(128)" json:"model"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Message rows are immutable once written.
type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_msg_conv_created,priority:1" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	TokenCount     int       `gorm:"not null" json:"token_count"`
	Model          string    `gorm:"type:varchar(128)" json:"model,omitempty"`
	LatencyMs      int64     `gorm:"not null" json:"latency_ms"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }
