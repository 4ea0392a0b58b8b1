package usage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/models"
)

const dateLayout = "2006-01-02"

// DateKey is the ledger day for t (UTC).
func DateKey(t time.Time) string { return t.UTC().Format(dateLayout) }

type Sink struct {
	db      *gorm.DB
	pricing *Pricing
}

func NewSink(db *gorm.DB, pricing *Pricing) *Sink {
	return &Sink{db: db, pricing: pricing}
}

// Increment adds one request's usage to the (tenant, user, date) row in a single
// INSERT ... ON CONFLICT statement, so concurrent callers never lose an update.
func (s *Sink) Increment(ctx context.Context, tenantID, userID, date string, promptTokens, completionTokens int64, estimatedCost float64) error {
	if tenantID == "" || userID == "" || date == "" {
		return apperr.Validation("tenant, user and date are required")
	}
	if promptTokens < 0 || completionTokens < 0 || estimatedCost < 0 {
		return apperr.Validation("usage deltas must not be negative")
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return apperr.Validation("date must be YYYY-MM-DD")
	}

	now := time.Now()
	total := promptTokens + completionTokens
	row := &models.UsageMetric{
		TenantID:         tenantID,
		UserID:           userID,
		Date:             date,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      total,
		RequestCount:     1,
		EstimatedCost:    estimatedCost,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"prompt_tokens":     gorm.Expr("usage_metrics.prompt_tokens + ?", promptTokens),
			"completion_tokens": gorm.Expr("usage_metrics.completion_tokens + ?", completionTokens),
			"total_tokens":      gorm.Expr("usage_metrics.total_tokens + ?", total),
			"request_count":     gorm.Expr("usage_metrics.request_count + ?", 1),
			"estimated_cost":    gorm.Expr("usage_metrics.estimated_cost + ?", estimatedCost),
			"updated_at":        now,
		}),
	}).Create(row).Error
	if err != nil {
		return apperr.Internal("increment usage", err)
	}
	return nil
}

// Record prices the tokens for model and increments the ledger day of at. The priced cost
// is returned even when the increment fails, so the caller can retry it as is.
func (s *Sink) Record(ctx context.Context, tenantID, userID, model string, promptTokens, completionTokens int, at time.Time) (float64, error) {
	cost := s.pricing.Cost(model, promptTokens, completionTokens)
	return cost, s.Increment(ctx, tenantID, userID, DateKey(at), int64(promptTokens), int64(completionTokens), cost)
}

func (s *Sink) Get(ctx context.Context, tenantID, userID, date string) (*models.UsageMetric, error) {
	var m models.UsageMetric
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND date = ?", tenantID, userID, date).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("usage not found")
		}
		return nil, apperr.Internal("get usage", err)
	}
	return &m, nil
}
