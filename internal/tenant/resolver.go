// Package tenant resolves the effective generation configuration for a turn.
//
// Precedence, highest first: request overrides, chatbot settings, tenant defaults,
// system fallback. Nothing is cached; every turn re-reads tenant and chatbot rows.
package tenant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/models"
)

// Fallback holds the hard-coded system defaults.
type Fallback struct {
	Provider     string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

func DefaultFallback() Fallback {
	return Fallback{
		Provider:     "ollama",
		Model:        "llama3:latest",
		Temperature:  0.7,
		MaxTokens:    1024,
		SystemPrompt: "You are a helpful assistant.",
	}
}

// Overrides are the values supplied on the current request. Nil means "not supplied".
type Overrides struct {
	Model       *string
	Temperature *float64
	MaxTokens   *int
}

type Effective struct {
	TenantID  string
	ChatbotID string

	Provider     string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	Settings models.ChatbotSettings
}

type Resolver struct {
	repo     *Repo
	fallback Fallback
}

func NewResolver(repo *Repo, fallback Fallback) *Resolver {
	return &Resolver{repo: repo, fallback: fallback}
}

// Resolve fails with NotFound when the tenant is missing or inactive, or when chatbotID
// is set and does not belong to the tenant (or is unpublished).
func (r *Resolver) Resolve(ctx context.Context, tenantID, chatbotID string, o Overrides) (*Effective, error) {
	t, err := r.repo.GetActiveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var bot *models.Chatbot
	if chatbotID != "" {
		bot, err = r.repo.GetChatbot(ctx, t.ID, chatbotID)
		if err != nil {
			return nil, err
		}
		if !bot.Published {
			return nil, apperr.NotFound("chatbot not found")
		}
	}

	eff := &Effective{
		TenantID:     t.ID,
		Provider:     r.fallback.Provider,
		Model:        r.fallback.Model,
		Temperature:  r.fallback.Temperature,
		MaxTokens:    r.fallback.MaxTokens,
		SystemPrompt: r.fallback.SystemPrompt,
	}

	// tenant layer
	applyString(&eff.Provider, t.Provider)
	applyString(&eff.Model, t.Model)
	applyFloat(&eff.Temperature, t.Temperature)
	applyInt(&eff.MaxTokens, t.MaxTokens)
	applyString(&eff.SystemPrompt, t.SystemPrompt)

	// chatbot layer
	if bot != nil {
		eff.ChatbotID = bot.ID
		applyString(&eff.Provider, bot.Provider)
		applyString(&eff.Model, bot.Model)
		applyFloat(&eff.Temperature, bot.Temperature)
		applyInt(&eff.MaxTokens, bot.MaxTokens)
		applyString(&eff.SystemPrompt, bot.SystemPrompt)
		if len(bot.Settings) > 0 {
			if err := json.Unmarshal(bot.Settings, &eff.Settings); err != nil {
				return nil, apperr.Internal("decode chatbot settings", err)
			}
		}
	}

	// request layer
	if o.Model != nil {
		applyString(&eff.Model, *o.Model)
	}
	applyFloat(&eff.Temperature, o.Temperature)
	applyInt(&eff.MaxTokens, o.MaxTokens)

	return eff, nil
}

func applyString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func applyFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func applyInt(dst *int, v *int) {
	if v != nil && *v > 0 {
		*dst = *v
	}
}
