// Package app assembles the services shared by cmd/server and cmd/worker.
package app

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/tenant-chat/internal/ai"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/models"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"github.com/suPer8Hu/tenant-chat/internal/usage"
)

// Entities lists everything AutoMigrate manages.
func Entities() []any {
	return append(models.All(), &chat.BookkeepingJob{})
}

// Registry registers every provider the config can reach. Providers are keyed by name and
// built per model.
func Registry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

// Fallback is the system layer of tenant configuration, taken from the configured default
// provider.
func Fallback(cfg config.Config) tenant.Fallback {
	fb := tenant.DefaultFallback()
	switch strings.ToLower(cfg.AIProvider) {
	case "openrouter":
		fb.Provider = "openrouter"
		fb.Model = cfg.OpenRouterModel
	default:
		fb.Provider = "ollama"
		fb.Model = cfg.OllamaModel
	}
	return fb
}

type Deps struct {
	DB     *gorm.DB
	Log    *zap.Logger
	Jobs   chat.JobPublisher
	Events chat.EventPublisher
}

func ChatService(cfg config.Config, d Deps) (*chat.Service, error) {
	pricing, err := usage.LoadPricing(cfg.PricingFile, cfg.PricingDefaultModel)
	if err != nil {
		return nil, err
	}
	return chat.NewService(
		chat.NewRepo(d.DB),
		tenant.NewResolver(tenant.NewRepo(d.DB), Fallback(cfg)),
		ai.NewGateway(Registry(cfg)),
		usage.NewSink(d.DB, pricing),
		chat.Options{
			ContextWindowSize: cfg.ChatContextWindowSize,
			MaxMessageChars:   cfg.ChatMaxMessageChars,
			Jobs:              d.Jobs,
			Events:            d.Events,
			Logger:            d.Log,
		},
	), nil
}
