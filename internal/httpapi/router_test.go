package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/suPer8Hu/tenant-chat/internal/ai"
	"github.com/suPer8Hu/tenant-chat/internal/auth"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/feedback"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/tenant-chat/internal/models"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"github.com/suPer8Hu/tenant-chat/internal/testutil"
	"github.com/suPer8Hu/tenant-chat/internal/usage"
)

const testSecret = "test-secret"

type fakeProvider struct {
	chunks []string
	err    error
}

func (p *fakeProvider) Chat(ctx context.Context, req ai.Request) (ai.Completion, error) {
	return ai.Completion{}, errors.New("not used")
}

func (p *fakeProvider) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan ai.StreamResult) {
	chunks := make(chan string, len(p.chunks))
	res := make(chan ai.StreamResult, 1)
	var text string
	for _, c := range p.chunks {
		chunks <- c
		text += c
	}
	close(chunks)
	res <- ai.StreamResult{Completion: ai.Completion{Text: text, PromptTokens: 4, CompletionTokens: 2}, Err: p.err}
	close(res)
	return chunks, res
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, key string) (bool, int, error) { return false, 0, nil }

type server struct {
	engine *gin.Engine
	db     *gorm.DB
	prov   *fakeProvider
}

func newServer(t *testing.T, anon bool, limiter middleware.Limiter) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	db := testutil.OpenDB(t, &chat.BookkeepingJob{})
	testutil.SeedTenant(t, db, "T1")
	testutil.SeedTenant(t, db, "DEMO")

	prov := &fakeProvider{chunks: []string{"Hi", " there"}}
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) { return prov, nil })

	pricing, err := usage.NewPricing(usage.DefaultModel)
	require.NoError(t, err)
	svc := chat.NewService(
		chat.NewRepo(db),
		tenant.NewResolver(tenant.NewRepo(db), tenant.DefaultFallback()),
		ai.NewGateway(reg),
		usage.NewSink(db, pricing),
		chat.Options{Logger: log},
	)
	h := handlers.NewHandler(svc, feedback.NewLinker(db, log), log)

	cfg := config.Config{JWTSecret: testSecret, AnonEnabled: anon, DemoTenantID: "DEMO", DemoUserID: "guest"}
	return &server{engine: NewRouter(h, cfg, limiter, log), db: db, prov: prov}
}

func token(t *testing.T, tenantID, userID string) string {
	t.Helper()
	tok, err := auth.SignJWT(tenantID, userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data))
			}
		}
		if ev.Name != "" {
			out = append(out, ev)
		}
	}
	return out
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

func (s *server) turn(t *testing.T, tok string, body map[string]any) (*httptest.ResponseRecorder, []sseEvent) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/chat/turns", tok, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return w, parseSSE(t, w.Body.String())
}

func TestSendTurn_StreamsWithOutOfBandConversationID(t *testing.T) {
	s := newServer(t, false, nil)
	tok := token(t, "T1", "alice")

	w, evs := s.turn(t, tok, map[string]any{"message": "My name is John"})
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	convID := w.Header().Get(handlers.HeaderConversationID)
	assert.Len(t, convID, 26)
	assert.Equal(t, "true", w.Header().Get(handlers.HeaderConversationCreated))

	require.Len(t, evs, 3)
	assert.Equal(t, "chunk", evs[0].Name)
	assert.Equal(t, "Hi", evs[0].Data["delta"])
	assert.Equal(t, " there", evs[1].Data["delta"])
	done := evs[2]
	assert.Equal(t, "done", done.Name)
	assert.Equal(t, convID, done.Data["conversation_id"])
	assert.Equal(t, w.Header().Get(handlers.HeaderUserMessageID), done.Data["user_message_id"])

	var assistant models.Message
	require.NoError(t, s.db.First(&assistant, "id = ?", done.Data["message_id"]).Error)
	assert.Equal(t, models.RoleAssistant, assistant.Role)
	assert.Equal(t, "Hi there", assistant.Content)

	w, _ = s.turn(t, tok, map[string]any{"message": "What is my name?", "conversation_id": convID})
	assert.Equal(t, convID, w.Header().Get(handlers.HeaderConversationID))
	assert.Equal(t, "false", w.Header().Get(handlers.HeaderConversationCreated))
}

func TestSendTurn_AuthBoundary(t *testing.T) {
	s := newServer(t, false, nil)
	w := s.do(t, http.MethodPost, "/chat/turns", "", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	anon := newServer(t, true, nil)
	// a bad token is never downgraded to anonymous
	w = anon.do(t, http.MethodPost, "/chat/turns", "garbage", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = anon.turn(t, "", map[string]any{"message": "hi"})
	var conv models.Conversation
	require.NoError(t, anon.db.First(&conv, "id = ?", w.Header().Get(handlers.HeaderConversationID)).Error)
	assert.Equal(t, "DEMO", conv.TenantID)
	assert.Equal(t, "guest", conv.UserID)
}

func TestSendTurn_ErrorsBeforeStreamAreJSON(t *testing.T) {
	s := newServer(t, false, nil)
	tok := token(t, "T1", "alice")

	w := s.do(t, http.MethodPost, "/chat/turns", tok, map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40000, decode(t, w).Code)

	w = s.do(t, http.MethodPost, "/chat/turns", tok, map[string]any{"message": "hi", "conversation_id": "01ARZ3NDEKTSV4RRFFQ69G5FAV"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/chat/turns", token(t, "T404", "alice"), map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendTurn_ProviderFailureEndsWithErrorEvent(t *testing.T) {
	s := newServer(t, false, nil)
	s.prov.err = errors.New("boom")

	_, evs := s.turn(t, token(t, "T1", "alice"), map[string]any{"message": "hi"})
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last.Name)
	assert.Equal(t, "provider_error", last.Data["kind"])
	assert.Equal(t, "chunk", evs[0].Name, "partial output is still delivered")

	var n int64
	require.NoError(t, s.db.Model(&models.Message{}).Where("role = ?", models.RoleAssistant).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestSendTurn_RateLimited(t *testing.T) {
	s := newServer(t, false, denyAll{})
	w := s.do(t, http.MethodPost, "/chat/turns", token(t, "T1", "alice"), map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestConversations_ArchiveAndList(t *testing.T) {
	s := newServer(t, false, nil)
	alice := token(t, "T1", "alice")
	bob := token(t, "T1", "bob")

	var aliceIDs []string
	for i := 0; i < 2; i++ {
		w, _ := s.turn(t, alice, map[string]any{"message": fmt.Sprintf("hello %d", i)})
		aliceIDs = append(aliceIDs, w.Header().Get(handlers.HeaderConversationID))
	}
	w, _ := s.turn(t, bob, map[string]any{"message": "bob here"})
	bobID := w.Header().Get(handlers.HeaderConversationID)

	w = s.do(t, http.MethodPost, "/chat/conversations/archive", alice, map[string]any{
		"conversation_ids": []string{aliceIDs[0], aliceIDs[1], bobID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var archived struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &archived))
	assert.Equal(t, 2, archived.Count)

	w = s.do(t, http.MethodGet, "/chat/conversations?page=1&per_page=1&archived=true", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page chat.ConversationPage
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &page))
	assert.EqualValues(t, 2, page.Total)
	assert.Len(t, page.Items, 1)
	assert.True(t, page.HasMore)

	w = s.do(t, http.MethodGet, "/chat/conversations", bob, nil)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &page))
	require.Len(t, page.Items, 1)
	assert.False(t, page.Items[0].Archived)

	w = s.do(t, http.MethodGet, "/chat/conversations?per_page=500", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/chat/conversations?page=0", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversations_ArchiveBatchCap(t *testing.T) {
	s := newServer(t, false, nil)
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("01ARZ3NDEKTSV4RRFFQ69G%04d", i)
	}
	w := s.do(t, http.MethodPost, "/chat/conversations/archive", token(t, "T1", "alice"), map[string]any{"conversation_ids": ids})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessages_OwnerOnly(t *testing.T) {
	s := newServer(t, false, nil)
	alice := token(t, "T1", "alice")
	w, _ := s.turn(t, alice, map[string]any{"message": "hi"})
	convID := w.Header().Get(handlers.HeaderConversationID)

	w = s.do(t, http.MethodGet, "/chat/conversations/"+convID+"/messages?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Messages     []models.Message `json:"messages"`
		NextBeforeID string           `json:"next_before_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, models.RoleAssistant, body.Messages[0].Role)
	assert.Equal(t, body.Messages[1].ID, body.NextBeforeID)

	w = s.do(t, http.MethodGet, "/chat/conversations/"+convID+"/messages", token(t, "T1", "eve"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFeedback_Endpoint(t *testing.T) {
	s := newServer(t, false, nil)
	alice := token(t, "T1", "alice")
	w, evs := s.turn(t, alice, map[string]any{"message": "hi"})
	userMsgID := w.Header().Get(handlers.HeaderUserMessageID)
	assistantID := evs[len(evs)-1].Data["message_id"]

	w = s.do(t, http.MethodPost, "/chat/feedback", alice, map[string]any{"message_id": userMsgID, "rating": "positive"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/chat/feedback", alice, map[string]any{"message_id": assistantID, "rating": "negative", "notes": "meh"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fb models.Feedback
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &fb))
	assert.Equal(t, assistantID, fb.MessageID)
	assert.Equal(t, "negative", fb.Rating)

	w = s.do(t, http.MethodPost, "/chat/feedback", token(t, "T1", "eve"), map[string]any{"message_id": assistantID, "rating": "positive"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPingAndFallbacks(t *testing.T) {
	s := newServer(t, false, nil)

	w := s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, decode(t, w).Code)

	w = s.do(t, http.MethodDelete, "/ping", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
