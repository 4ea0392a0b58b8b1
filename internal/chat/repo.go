package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/models"
)

// Repo is the conversation store. Every read that takes a tenant and user scopes by both;
// a conversation owned by someone else is reported as missing.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var errConversationNotFound = apperr.NotFound("conversation not found")

// lockConversation reads the conversation row FOR UPDATE inside tx.
func lockConversation(tx *gorm.DB, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errConversationNotFound
		}
		return nil, apperr.Internal("load conversation", err)
	}
	return &c, nil
}

// Open continues p.ConversationID or creates a new conversation. The ownership and
// archived checks run under a row lock, so a concurrent archive is either seen here or
// waits until the caller's transaction ends.
func (r *Repo) Open(ctx context.Context, p OpenParams) (conv *models.Conversation, created bool, err error) {
	if p.ConversationID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, false, apperr.Internal("conversation id", err)
		}
		c := &models.Conversation{
			ID:       id,
			TenantID: p.TenantID,
			UserID:   p.UserID,
			Title:    models.DefaultConversationTitle,
			Model:    p.Model,
		}
		if p.ChatbotID != "" {
			c.ChatbotID = &p.ChatbotID
		}
		if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
			return nil, false, apperr.Internal("create conversation", err)
		}
		return c, true, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockConversation(tx, p.ConversationID)
		if err != nil {
			return err
		}
		if c.TenantID != p.TenantID || c.UserID != p.UserID {
			return errConversationNotFound
		}
		if c.Archived {
			return apperr.PermissionDenied("conversation is archived")
		}
		if p.ChatbotID != "" && (c.ChatbotID == nil || *c.ChatbotID != p.ChatbotID) {
			return apperr.Validation("conversation belongs to a different chatbot")
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

// GetOwned returns the conversation if tenantID/userID own it.
func (r *Repo) GetOwned(ctx context.Context, tenantID, userID, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ?", id, tenantID, userID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errConversationNotFound
		}
		return nil, apperr.Internal("get conversation", err)
	}
	return &c, nil
}

// History returns up to limit most recent messages, oldest first. Each call is a fresh
// snapshot.
func (r *Repo) History(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, apperr.Internal("load history", err)
	}
	out := make([]models.Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, nil
}

// AppendMessage inserts one immutable message. It fails if the conversation is gone or was
// archived in the meantime.
func (r *Repo) AppendMessage(ctx context.Context, conversationID, role, content string, meta MessageMeta) (*models.Message, error) {
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, apperr.Validation("invalid role")
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Internal("message id", err)
	}
	m := &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     meta.TokenCount,
		Model:          meta.Model,
		LatencyMs:      meta.LatencyMs,
		CreatedAt:      time.Now(),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := lockConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if c.Archived {
			return apperr.PermissionDenied("conversation is archived")
		}
		if err := tx.Create(m).Error; err != nil {
			return apperr.Internal("insert message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateRollups applies one turn's delta. The title is written first, and only while
// message_count is still zero.
func (r *Repo) UpdateRollups(ctx context.Context, conversationID string, d Rollup) error {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]any{
		"message_count":   gorm.Expr("message_count + ?", d.Messages),
		"total_tokens":    gorm.Expr("total_tokens + ?", d.Tokens),
		"last_message_at": at,
		"updated_at":      at,
	}
	if d.Model != "" {
		updates["model"] = d.Model
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if d.Title != nil {
			if err := tx.Model(&models.Conversation{}).
				Where("id = ? AND message_count = 0", conversationID).
				Update("title", *d.Title).Error; err != nil {
				return apperr.Internal("set title", err)
			}
		}
		res := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Updates(updates)
		if res.Error != nil {
			return apperr.Internal("update rollups", res.Error)
		}
		if res.RowsAffected == 0 {
			return errConversationNotFound
		}
		return nil
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Archive soft-archives, or with permanent hard-deletes, the listed conversations owned by
// tenantID/userID. Ids owned by anyone else are ignored. It returns how many conversations
// were affected.
func (r *Repo) Archive(ctx context.Context, tenantID, userID string, ids []string, permanent bool) (int64, error) {
	if len(ids) == 0 {
		return 0, apperr.Validation("conversation_ids is required")
	}
	if len(ids) > MaxArchiveBatch {
		return 0, apperr.Validation("at most 100 conversation_ids per request")
	}
	ids = dedupe(ids)

	var count int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned []string
		if err := tx.Model(&models.Conversation{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND user_id = ? AND id IN ?", tenantID, userID, ids).
			Pluck("id", &owned).Error; err != nil {
			return apperr.Internal("select conversations", err)
		}
		count = int64(len(owned))
		if count == 0 {
			return nil
		}

		if !permanent {
			if err := tx.Model(&models.Conversation{}).
				Where("id IN ?", owned).
				Updates(map[string]any{"archived": true, "updated_at": time.Now()}).Error; err != nil {
				return apperr.Internal("archive conversations", err)
			}
			return nil
		}

		msgIDs := tx.Model(&models.Message{}).Select("id").Where("conversation_id IN ?", owned)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&models.Feedback{}).Error; err != nil {
			return apperr.Internal("delete feedback", err)
		}
		if err := tx.Where("conversation_id IN ?", owned).Delete(&models.Message{}).Error; err != nil {
			return apperr.Internal("delete messages", err)
		}
		if err := tx.Where("id IN ?", owned).Delete(&models.Conversation{}).Error; err != nil {
			return apperr.Internal("delete conversations", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListConversations returns one page, most recently active first.
func (r *Repo) ListConversations(ctx context.Context, tenantID, userID string, archived bool, page, perPage int) ([]models.Conversation, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("tenant_id = ? AND user_id = ? AND archived = ?", tenantID, userID, archived)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Internal("count conversations", err)
	}

	var items []models.Conversation
	if err := q.Order("updated_at DESC").Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&items).Error; err != nil {
		return nil, 0, apperr.Internal("list conversations", err)
	}
	return items, total, nil
}

// ListMessages returns messages newest -> oldest, starting strictly before beforeID when
// set. The caller must own the conversation.
func (r *Repo) ListMessages(ctx context.Context, tenantID, userID, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	if _, err := r.GetOwned(ctx, tenantID, userID, conversationID); err != nil {
		return nil, err
	}

	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit)

	if beforeID != "" {
		var cursor models.Message
		if err := r.db.WithContext(ctx).
			Where("id = ? AND conversation_id = ?", beforeID, conversationID).
			First(&cursor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.Validation("before_id does not belong to this conversation")
			}
			return nil, apperr.Internal("load cursor", err)
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, apperr.Internal("list messages", err)
	}
	return msgs, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *BookkeepingJob) error {
	if job.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		job.ID = id
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*BookkeepingJob, error) {
	var j BookkeepingJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a job from queued to running. It reports false when another worker
// already claimed it or it is no longer queued.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&BookkeepingJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&BookkeepingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&BookkeepingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

// RequeueJob puts a failed job back in the queue for another attempt.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&BookkeepingJob{}).
		Where("id = ? AND status = ?", id, JobFailed).
		Update("status", JobQueued).Error
}

// ReclaimStaleJobs returns abandoned jobs to the queue: running jobs whose worker went
// away and failed jobs whose retry was never scheduled, both untouched since olderThan.
// Running jobs out of attempts are marked failed instead. updated_at is left as is so the
// same sweep republishes what it reclaimed.
func (r *Repo) ReclaimStaleJobs(ctx context.Context, olderThan time.Time, maxAttempts int) (int64, error) {
	var reclaimed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&BookkeepingJob{}).
			Where("status = ? AND updated_at < ? AND attempts >= ?", JobRunning, olderThan, maxAttempts).
			UpdateColumns(map[string]any{
				"status": JobFailed,
				"error":  "abandoned while running",
			}).Error; err != nil {
			return err
		}
		res := tx.Model(&BookkeepingJob{}).
			Where("status IN ? AND updated_at < ? AND attempts < ?", []JobStatus{JobRunning, JobFailed}, olderThan, maxAttempts).
			UpdateColumn("status", JobQueued)
		if res.Error != nil {
			return res.Error
		}
		reclaimed = res.RowsAffected
		return nil
	})
	return reclaimed, err
}

// ListStaleQueuedJobs finds queued jobs untouched since olderThan, oldest first. The worker
// republishes them when the original publish never reached the broker.
func (r *Repo) ListStaleQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]BookkeepingJob, error) {
	var jobs []BookkeepingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", JobQueued, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// TouchQueuedJob stamps a republished job so the next sweep leaves it alone.
func (r *Repo) TouchQueuedJob(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&BookkeepingJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		UpdateColumn("updated_at", at).Error
}
