// Package feedback links ratings to persisted assistant messages.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/identity"
	"github.com/suPer8Hu/tenant-chat/internal/models"
)

const MaxNotesChars = 5000

type SubmitRequest struct {
	MessageID          string  `json:"message_id" validate:"required,max=64"`
	ConversationIDHint string  `json:"conversation_id_hint" validate:"omitempty,max=26"`
	Rating             string  `json:"rating" validate:"required,oneof=positive negative"`
	Notes              *string `json:"notes" validate:"omitnil,max=5000"`
}

type Linker struct {
	db    *gorm.DB
	log   *zap.Logger
	valid *validator.Validate
}

func NewLinker(db *gorm.DB, log *zap.Logger) *Linker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Linker{db: db, log: log, valid: validator.New()}
}

var errMessageNotFound = apperr.NotFound("message not found")

// Submit records id's rating on an assistant message of a conversation id owns. A second
// submission for the same message updates the first. When MessageID is unknown and a
// conversation hint is given, the latest assistant message of that conversation is used.
func (l *Linker) Submit(ctx context.Context, id identity.Identity, req SubmitRequest) (*models.Feedback, error) {
	if err := l.valid.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, apperr.Validation(fmt.Sprintf("%s failed on %s", strings.ToLower(ve[0].Field()), ve[0].Tag()))
		}
		return nil, apperr.Validation("invalid feedback")
	}

	msg, conv, err := l.locate(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if msg.Role != models.RoleAssistant {
		return nil, apperr.Validation("feedback can only be given on assistant messages")
	}

	fid, err := common.NewULID()
	if err != nil {
		return nil, apperr.Internal("feedback id", err)
	}
	now := time.Now()
	fb := &models.Feedback{
		ID:             fid,
		MessageID:      msg.ID,
		UserID:         id.UserID,
		ConversationID: conv.ID,
		Rating:         req.Rating,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "notes", "updated_at"}),
	}).Create(fb).Error
	if err != nil {
		return nil, apperr.Internal("upsert feedback", err)
	}

	var stored models.Feedback
	if err := l.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", msg.ID, id.UserID).
		First(&stored).Error; err != nil {
		return nil, apperr.Internal("reload feedback", err)
	}
	return &stored, nil
}

// locate resolves the target message and checks ownership. Messages in conversations the
// caller does not own are reported as missing.
func (l *Linker) locate(ctx context.Context, id identity.Identity, req SubmitRequest) (*models.Message, *models.Conversation, error) {
	var msg models.Message
	err := l.db.WithContext(ctx).Where("id = ?", req.MessageID).First(&msg).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound) && req.ConversationIDHint != "":
		l.log.Info("feedback message id unknown, using conversation hint",
			zap.String("message_id", req.MessageID),
			zap.String("conversation_id", req.ConversationIDHint),
		)
		if err := l.db.WithContext(ctx).
			Where("conversation_id = ? AND role = ?", req.ConversationIDHint, models.RoleAssistant).
			Order("created_at DESC").Order("id DESC").
			First(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, errMessageNotFound
			}
			return nil, nil, apperr.Internal("load latest assistant message", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil, errMessageNotFound
	default:
		return nil, nil, apperr.Internal("load message", err)
	}

	var conv models.Conversation
	err = l.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND user_id = ?", msg.ConversationID, id.TenantID, id.UserID).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errMessageNotFound
		}
		return nil, nil, apperr.Internal("load conversation", err)
	}
	return &msg, &conv, nil
}
