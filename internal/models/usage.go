package models

import "time"

// UsageMetric is the daily ledger row per (tenant, user, date). It is not owned by any
// conversation and survives their deletion.
type UsageMetric struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	TenantID string `gorm:"type:varchar(26);not null;index:uniq_usage_key,unique,priority:1" json:"tenant_id"`
	UserID   string `gorm:"type:varchar(64);not null;index:uniq_usage_key,unique,priority:2" json:"user_id"`
	// UTC calendar day, YYYY-MM-DD
	Date string `gorm:"type:varchar(10);not null;index:uniq_usage_key,unique,priority:3" json:"date"`

	PromptTokens     int64   `gorm:"not null" json:"prompt_tokens"`
	CompletionTokens int64   `gorm:"not null" json:"completion_tokens"`
	TotalTokens      int64   `gorm:"not null" json:"total_tokens"`
	RequestCount     int64   `gorm:"not null" json:"request_count"`
	EstimatedCost    float64 `gorm:"not null" json:"estimated_cost"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UsageMetric) TableName() string { return "usage_metrics" }

// All lists every entity for AutoMigrate.
func All() []any {
	return []any{
		&Tenant{},
		&Chatbot{},
		&Conversation{},
		&Message{},
		&Feedback{},
		&UsageMetric{},
	}
}
