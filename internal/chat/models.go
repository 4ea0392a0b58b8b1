package chat

import (
	"time"

	"github.com/suPer8Hu/tenant-chat/internal/models"
)

const MaxArchiveBatch = 100

// MessageMeta is the measured metadata stored with a message.
type MessageMeta struct {
	TokenCount int
	Model      string
	LatencyMs  int64
}

// Rollup is one turn's delta to a conversation's denormalized fields. Title is applied
// only while the conversation has no messages counted yet.
type Rollup struct {
	Messages int
	Tokens   int64
	Model    string
	Title    *string
	At       time.Time
}

type OpenParams struct {
	TenantID       string
	UserID         string
	ChatbotID      string
	ConversationID string
	Model          string
}

type ConversationPage struct {
	Items   []models.Conversation `json:"items"`
	Total   int64                 `json:"total"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
	HasMore bool                  `json:"has_more"`
}
