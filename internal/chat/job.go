package chat

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobKind string

const (
	JobKindRollup JobKind = "rollup"
	JobKindUsage  JobKind = "usage"
)

// BookkeepingJob is a finalizing step that failed inline and is replayed by the worker.
type BookkeepingJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	Kind           JobKind `gorm:"type:varchar(16);not null"`
	TenantID       string  `gorm:"type:varchar(26);not null;index"`
	UserID         string  `gorm:"type:varchar(64);not null"`
	ConversationID string  `gorm:"type:varchar(26);not null;index"`

	Payload datatypes.JSON `gorm:"not null"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null"`
	Attempts int       `gorm:"not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (BookkeepingJob) TableName() string { return "bookkeeping_jobs" }

type RollupPayload struct {
	Messages int       `json:"messages"`
	Tokens   int64     `json:"tokens"`
	Model    string    `json:"model"`
	Title    *string   `json:"title,omitempty"`
	At       time.Time `json:"at"`
}

type UsagePayload struct {
	Date             string  `json:"date"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}
