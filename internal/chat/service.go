package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/ai"
	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/events"
	"github.com/suPer8Hu/tenant-chat/internal/identity"
	"github.com/suPer8Hu/tenant-chat/internal/models"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"github.com/suPer8Hu/tenant-chat/internal/usage"
)

// DefaultFinalizeTimeout bounds the bookkeeping that runs after a stream ends.
const DefaultFinalizeTimeout = 10 * time.Second

// JobPublisher hands a bookkeeping job id to the retry worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Options struct {
	ContextWindowSize int
	MaxMessageChars   int
	FinalizeTimeout   time.Duration

	Jobs   JobPublisher
	Events EventPublisher
	Logger *zap.Logger
}

// Service is the session orchestrator. A turn moves through
// Resolving -> Opening -> Streaming -> Finalizing -> Completed, or ends in Aborted.
type Service struct {
	repo     *Repo
	resolver *tenant.Resolver
	gateway  *ai.Gateway
	usage    *usage.Sink

	jobs   JobPublisher
	events EventPublisher
	log    *zap.Logger
	tracer trace.Tracer
	valid  *validator.Validate

	contextWindowSize int
	maxMessageChars   int
	finalizeTimeout   time.Duration
}

func NewService(repo *Repo, resolver *tenant.Resolver, gateway *ai.Gateway, sink *usage.Sink, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 32000
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		repo:              repo,
		resolver:          resolver,
		gateway:           gateway,
		usage:             sink,
		jobs:              opts.Jobs,
		events:            opts.Events,
		log:               opts.Logger,
		tracer:            otel.Tracer("github.com/suPer8Hu/tenant-chat/internal/chat"),
		valid:             validator.New(),
		contextWindowSize: opts.ContextWindowSize,
		maxMessageChars:   opts.MaxMessageChars,
		finalizeTimeout:   opts.FinalizeTimeout,
	}
}

type TurnRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id" validate:"omitempty,len=26,alphanum"`
	ChatbotID      string   `json:"chatbot_id" validate:"omitempty,max=26"`
	Model          *string  `json:"model" validate:"omitnil,min=1,max=128"`
	Temperature    *float64 `json:"temperature" validate:"omitnil,gte=0,lte=2"`
	MaxTokens      *int     `json:"max_tokens" validate:"omitnil,gte=1,lte=32768"`
}

// Turn is handed back once the user message is durable. Chunks closes when the stream
// ends; Result then yields exactly one value, after Finalizing has run.
type Turn struct {
	ConversationID string
	Created        bool
	UserMessageID  string
	Model          string

	Chunks <-chan string
	Result <-chan TurnResult
}

type TurnResult struct {
	AssistantMessageID string
	PromptTokens       int
	CompletionTokens   int
	// nil when completed; context.Canceled on disconnect; otherwise classify with apperr.KindOf
	Err error
}

// validationError flattens validator output into one client-facing message.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return apperr.Validation("invalid request")
	}
	fe := ve[0]
	return apperr.Validation(fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
}

func (s *Service) validateTurn(req *TurnRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(req.Message) > s.maxMessageChars {
		return apperr.Validation(fmt.Sprintf("message exceeds %d characters", s.maxMessageChars))
	}
	if err := s.valid.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

// StartTurn runs Resolving and Opening and persists the user message synchronously; any
// error returned here happened before a single token was produced. Streaming and
// Finalizing continue in the background. Cancelling ctx (client disconnect) aborts the
// upstream call and skips Finalizing.
func (s *Service) StartTurn(ctx context.Context, id identity.Identity, req TurnRequest) (*Turn, error) {
	if !id.Valid() {
		return nil, apperr.PermissionDenied("identity is not resolved")
	}

	ctx, span := s.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("tenant.id", id.TenantID),
		attribute.String("identity.mode", id.Mode.String()),
	))
	fail := func(err error) (*Turn, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		span.End()
		return nil, err
	}

	// Resolving
	if err := s.validateTurn(&req); err != nil {
		return fail(err)
	}
	chatbotID := req.ChatbotID
	if chatbotID == "" && req.ConversationID != "" {
		// a continued conversation keeps its chatbot unless the request names one
		if c, err := s.repo.GetOwned(ctx, id.TenantID, id.UserID, req.ConversationID); err == nil && c.ChatbotID != nil {
			chatbotID = *c.ChatbotID
		}
	}
	eff, err := s.resolver.Resolve(ctx, id.TenantID, chatbotID, tenant.Overrides{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return fail(err)
	}
	span.AddEvent("resolved", trace.WithAttributes(
		attribute.String("provider", eff.Provider),
		attribute.String("model", eff.Model),
	))

	// Opening
	conv, created, err := s.repo.Open(ctx, OpenParams{
		TenantID:       id.TenantID,
		UserID:         id.UserID,
		ChatbotID:      eff.ChatbotID,
		ConversationID: req.ConversationID,
		Model:          eff.Model,
	})
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Bool("conversation.created", created))
	span.AddEvent("opened")

	// Streaming: the user message is durable before the provider is called.
	userMsg, err := s.repo.AppendMessage(ctx, conv.ID, models.RoleUser, req.Message, MessageMeta{
		TokenCount: ai.EstimateTokens(req.Message),
		Model:      eff.Model,
	})
	if err != nil {
		return fail(err)
	}
	history, err := s.repo.History(ctx, conv.ID, s.contextWindowSize)
	if err != nil {
		return fail(err)
	}

	t := &turn{
		svc:     s,
		id:      id,
		eff:     eff,
		conv:    conv,
		userMsg: userMsg,
		span:    span,
		log: s.log.With(
			zap.String("tenant_id", id.TenantID),
			zap.String("user_id", id.UserID),
			zap.String("conversation_id", conv.ID),
		),
	}
	chunks := make(chan string, 16)
	result := make(chan TurnResult, 1)
	go t.run(ctx, buildRequest(eff, history), chunks, result)

	return &Turn{
		ConversationID: conv.ID,
		Created:        created,
		UserMessageID:  userMsg.ID,
		Model:          eff.Model,
		Chunks:         chunks,
		Result:         result,
	}, nil
}

func buildRequest(eff *tenant.Effective, history []models.Message) ai.Request {
	msgs := make([]ai.Message, 0, len(history)+1)
	if eff.SystemPrompt != "" {
		msgs = append(msgs, ai.Message{Role: models.RoleSystem, Content: eff.SystemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	temp := eff.Temperature
	maxTokens := eff.MaxTokens
	return ai.Request{
		Model:           eff.Model,
		Messages:        msgs,
		Temperature:     &temp,
		MaxTokens:       &maxTokens,
		Params:          eff.Settings.ModelParams,
		ProviderOptions: eff.Settings.ProviderOptions,
		ResponseFormat:  eff.Settings.ResponseFormat,
	}
}

// turn holds the state of one in-flight turn after the user message was persisted.
type turn struct {
	svc     *Service
	id      identity.Identity
	eff     *tenant.Effective
	conv    *models.Conversation
	userMsg *models.Message
	span    trace.Span
	log     *zap.Logger
}

func (t *turn) run(ctx context.Context, req ai.Request, out chan<- string, result chan<- TurnResult) {
	defer close(result)
	defer t.span.End()

	start := time.Now()
	t.span.AddEvent("streaming")
	pChunks, pRes := t.svc.gateway.Stream(ctx, t.eff.Provider, req)

	forwarded := 0
	for c := range pChunks {
		select {
		case out <- c:
			forwarded++
		case <-ctx.Done():
			// keep draining so the gateway goroutine can exit
		}
	}
	close(out)

	final, ok := <-pRes
	if !ok {
		final = ai.StreamResult{Err: apperr.Internal("stream ended without result", nil)}
	}
	latency := time.Since(start)

	switch {
	case final.Err == nil && ctx.Err() == nil:
	case ctx.Err() != nil || errors.Is(final.Err, context.Canceled) || errors.Is(final.Err, context.DeadlineExceeded):
		// Aborted by the caller: nothing is billed or persisted for a partial generation.
		t.log.Info("turn aborted by client",
			zap.Int("chunks_forwarded", forwarded),
			zap.Int("estimated_completion_tokens", ai.EstimateTokens(final.Text)),
			zap.Duration("latency", latency),
		)
		t.span.AddEvent("aborted")
		t.span.SetStatus(codes.Error, "client disconnected")
		err := ctx.Err()
		if err == nil {
			err = final.Err
		}
		result <- TurnResult{Err: err}
		return
	default:
		// Upstream failure: partial text already went to the caller and is not stored.
		t.log.Warn("provider stream failed",
			zap.String("provider", t.eff.Provider),
			zap.String("model", t.eff.Model),
			zap.Int("partial_chars", len(final.Text)),
			zap.Error(final.Err),
		)
		t.span.RecordError(final.Err)
		t.span.SetStatus(codes.Error, apperr.KindProvider.String())
		result <- TurnResult{Err: final.Err}
		return
	}

	// Finalizing must not be cut short by a disconnect once the stream has completed.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.svc.finalizeTimeout)
	defer cancel()
	result <- t.finalize(fctx, final.Completion, latency)
}

// finalize persists the assistant message, then applies rollups and usage. Failures after
// the message is stored are logged and queued for the worker, never returned.
func (t *turn) finalize(ctx context.Context, c ai.Completion, latency time.Duration) TurnResult {
	s := t.svc
	res := TurnResult{PromptTokens: c.PromptTokens, CompletionTokens: c.CompletionTokens}
	now := time.Now()

	msg, err := s.repo.AppendMessage(ctx, t.conv.ID, models.RoleAssistant, c.Text, MessageMeta{
		TokenCount: c.CompletionTokens,
		Model:      t.eff.Model,
		LatencyMs:  latency.Milliseconds(),
	})
	if err != nil {
		t.log.Error("persist assistant message failed", zap.Error(err))
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, "finalize")
		// the provider did the work, so usage is still recorded
		t.recordUsage(ctx, c, now)
		if apperr.KindOf(err) == apperr.KindInternal {
			res.Err = err
		} else {
			res.Err = apperr.Internal("store reply", err)
		}
		return res
	}
	res.AssistantMessageID = msg.ID

	rollup := Rollup{
		Messages: 2,
		Tokens:   int64(c.PromptTokens + c.CompletionTokens),
		Model:    t.eff.Model,
		At:       now,
	}
	// a conversation whose earlier turns all failed still gets its title here
	if t.conv.MessageCount == 0 {
		title := TitleFromMessage(t.userMsg.Content)
		rollup.Title = &title
	}
	if err := s.repo.UpdateRollups(ctx, t.conv.ID, rollup); err != nil {
		t.log.Error("update rollups failed", zap.Error(err))
		t.enqueue(ctx, JobKindRollup, RollupPayload{
			Messages: rollup.Messages,
			Tokens:   rollup.Tokens,
			Model:    rollup.Model,
			Title:    rollup.Title,
			At:       rollup.At,
		})
	}

	cost := t.recordUsage(ctx, c, now)

	if s.events != nil {
		ev := events.TurnCompleted{
			TenantID:           t.id.TenantID,
			UserID:             t.id.UserID,
			ConversationID:     t.conv.ID,
			ChatbotID:          t.eff.ChatbotID,
			AssistantMessageID: msg.ID,
			Model:              t.eff.Model,
			PromptTokens:       c.PromptTokens,
			CompletionTokens:   c.CompletionTokens,
			EstimatedCost:      cost,
			LatencyMs:          latency.Milliseconds(),
			At:                 now,
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			t.log.Warn("publish turn event failed", zap.Error(err))
		}
	}

	t.span.AddEvent("finalized", trace.WithAttributes(
		attribute.Int("tokens.prompt", c.PromptTokens),
		attribute.Int("tokens.completion", c.CompletionTokens),
	))
	return res
}

func (t *turn) recordUsage(ctx context.Context, c ai.Completion, at time.Time) float64 {
	s := t.svc
	cost, err := s.usage.Record(ctx, t.id.TenantID, t.id.UserID, t.eff.Model, c.PromptTokens, c.CompletionTokens, at)
	if err != nil {
		t.log.Error("record usage failed", zap.Error(err))
		t.enqueue(ctx, JobKindUsage, UsagePayload{
			Date:             usage.DateKey(at),
			Model:            t.eff.Model,
			PromptTokens:     int64(c.PromptTokens),
			CompletionTokens: int64(c.CompletionTokens),
			EstimatedCost:    cost,
		})
	}
	return cost
}

// enqueue stores a job row and, when a queue is configured, publishes its id. A row that
// never reaches the broker is picked up by the worker's sweep.
func (t *turn) enqueue(ctx context.Context, kind JobKind, payload any) {
	s := t.svc
	b, err := json.Marshal(payload)
	if err != nil {
		t.log.Error("marshal job payload failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	job := &BookkeepingJob{
		Kind:           kind,
		TenantID:       t.id.TenantID,
		UserID:         t.id.UserID,
		ConversationID: t.conv.ID,
		Payload:        b,
		Status:         JobQueued,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		t.log.Error("create bookkeeping job failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if s.jobs == nil {
		return
	}
	if err := s.jobs.PublishJob(ctx, job.ID); err != nil {
		t.log.Warn("publish bookkeeping job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// ApplyJob replays one bookkeeping job. A job that is not queued (already claimed or done)
// is skipped without error, so redelivery is harmless.
func (s *Service) ApplyJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	// the outcome is recorded even when the worker is shutting down
	mctx := context.WithoutCancel(ctx)
	if err := s.applyJob(ctx, j); err != nil {
		if mErr := s.repo.MarkJobFailed(mctx, jobID, err.Error()); mErr != nil {
			s.log.Error("mark job failed", zap.String("job_id", jobID), zap.Error(mErr))
		}
		return err
	}
	return s.repo.MarkJobSucceeded(mctx, jobID)
}

func (s *Service) applyJob(ctx context.Context, j *BookkeepingJob) error {
	switch j.Kind {
	case JobKindRollup:
		var p RollupPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode rollup payload: %w", err)
		}
		return s.repo.UpdateRollups(ctx, j.ConversationID, Rollup{
			Messages: p.Messages,
			Tokens:   p.Tokens,
			Model:    p.Model,
			Title:    p.Title,
			At:       p.At,
		})
	case JobKindUsage:
		var p UsagePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode usage payload: %w", err)
		}
		return s.usage.Increment(ctx, j.TenantID, j.UserID, p.Date, p.PromptTokens, p.CompletionTokens, p.EstimatedCost)
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

// MaxJobAttempts bounds how often a bookkeeping job is tried before it is left failed.
const MaxJobAttempts = 5

// RetryJob moves a failed job back to queued when it has attempts left and returns the
// delay before the next try. ok is false once the job is exhausted.
func (s *Service) RetryJob(ctx context.Context, jobID string) (delay time.Duration, ok bool, err error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	if j.Status != JobFailed || j.Attempts >= MaxJobAttempts {
		return 0, false, nil
	}
	if err := s.repo.RequeueJob(ctx, jobID); err != nil {
		return 0, false, err
	}
	return time.Duration(1<<j.Attempts) * time.Second, true, nil
}

// RequeueStaleJobs reclaims jobs abandoned by a worker, then republishes queued jobs
// untouched for age. It returns how many were sent.
func (s *Service) RequeueStaleJobs(ctx context.Context, age time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-age)
	reclaimed, err := s.repo.ReclaimStaleJobs(ctx, cutoff, MaxJobAttempts)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.log.Info("reclaimed stale jobs", zap.Int64("count", reclaimed))
	}
	if s.jobs == nil {
		return 0, nil
	}
	jobs, err := s.repo.ListStaleQueuedJobs(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, j := range jobs {
		if err := s.jobs.PublishJob(ctx, j.ID); err != nil {
			return sent, err
		}
		sent++
		if err := s.repo.TouchQueuedJob(ctx, j.ID, time.Now()); err != nil {
			s.log.Warn("touch republished job", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return sent, nil
}

var (
	defaultPage    = 1
	defaultPerPage = 20
)

// ListConversationsRequest leaves Page and PerPage nil when the caller did not send them.
type ListConversationsRequest struct {
	Page     *int `form:"page" validate:"required,gte=1"`
	PerPage  *int `form:"per_page" validate:"required,gte=1,lte=100"`
	Archived bool `form:"archived"`
}

func (s *Service) ListConversations(ctx context.Context, id identity.Identity, req ListConversationsRequest) (*ConversationPage, error) {
	if req.Page == nil {
		req.Page = &defaultPage
	}
	if req.PerPage == nil {
		req.PerPage = &defaultPerPage
	}
	if err := s.valid.Struct(req); err != nil {
		return nil, validationError(err)
	}
	page, perPage := *req.Page, *req.PerPage
	items, total, err := s.repo.ListConversations(ctx, id.TenantID, id.UserID, req.Archived, page, perPage)
	if err != nil {
		return nil, err
	}
	return &ConversationPage{
		Items:   items,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		HasMore: int64(page*perPage) < total,
	}, nil
}

func (s *Service) ListMessages(ctx context.Context, id identity.Identity, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, id.TenantID, id.UserID, conversationID, limit, beforeID)
}

func (s *Service) Archive(ctx context.Context, id identity.Identity, conversationIDs []string, permanent bool) (int64, error) {
	n, err := s.repo.Archive(ctx, id.TenantID, id.UserID, conversationIDs, permanent)
	if err != nil {
		return 0, err
	}
	s.log.Info("conversations archived",
		zap.String("tenant_id", id.TenantID),
		zap.String("user_id", id.UserID),
		zap.Int("requested", len(conversationIDs)),
		zap.Int64("affected", n),
		zap.Bool("permanent", permanent),
	)
	return n, nil
}
