package tenant

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// GetActiveTenant treats an inactive tenant exactly like a missing one.
func (r *Repo) GetActiveTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.WithContext(ctx).
		Where("id = ? AND active = ?", tenantID, true).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("tenant not found")
	}
	if err != nil {
		return nil, apperr.Internal("load tenant", err)
	}
	return &t, nil
}

// GetChatbot only matches a chatbot owned by tenantID; a foreign id is indistinguishable
// from a missing one.
func (r *Repo) GetChatbot(ctx context.Context, tenantID, chatbotID string) (*models.Chatbot, error) {
	var b models.Chatbot
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", chatbotID, tenantID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("chatbot not found")
	}
	if err != nil {
		return nil, apperr.Internal("load chatbot", err)
	}
	return &b, nil
}

// EnsureTenant creates an active tenant with id when none exists. Existing rows, active or
// not, are left untouched.
func (r *Repo) EnsureTenant(ctx context.Context, id, name string) error {
	t := models.Tenant{ID: id, Slug: id, Name: name, Active: true}
	err := r.db.WithContext(ctx).
		Where(models.Tenant{ID: id}).
		FirstOrCreate(&t).Error
	if err != nil {
		return apperr.Internal("ensure tenant", err)
	}
	return nil
}
