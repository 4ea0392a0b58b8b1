package models

import (
	"time"

	"gorm.io/datatypes"
)

// Tenant is a company using the platform. Created by the admin workflow; the chat core
// only reads it.
type Tenant struct {
	ID   string `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Slug string `gorm:"type:varchar(64);uniqueIndex;not null" json:"slug"`
	Name string `gorm:"type:varchar(128);not null" json:"name"`

	// generation defaults; empty / nil means "use system fallback"
	Provider     string   `gorm:"type:varchar(32)" json:"provider"`
	Model        string   `gorm:"type:varchar(128)" json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	SystemPrompt string   `gorm:"type:text" json:"system_prompt"`

	FeatureFlags datatypes.JSON `json:"feature_flags"`
	Active       bool           `gorm:"not null;index" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Chatbot is a named generation profile scoped to one tenant.
type Chatbot struct {
	ID       string `gorm:"primaryKey;type:varchar(26)" json:"id"`
	TenantID string `gorm:"type:varchar(26);index;not null" json:"tenant_id"`
	Name     string `gorm:"type:varchar(128);not null" json:"name"`

	SystemPrompt string   `gorm:"type:text" json:"system_prompt"`
	Provider     string   `gorm:"type:varchar(32)" json:"provider"`
	Model        string   `gorm:"type:varchar(128)" json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`

	// ChatbotSettings encoded as JSON
	Settings  datatypes.JSON `json:"settings"`
	Published bool           `gorm:"not null" json:"published"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chatbot) TableName() string { return "chatbots" }

// ChatbotSettings is the extended, provider-facing part of a chatbot profile.
type ChatbotSettings struct {
	ModelParams     map[string]any `json:"model_params,omitempty"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
	ResponseFormat  map[string]any `json:"response_format,omitempty"`
}
