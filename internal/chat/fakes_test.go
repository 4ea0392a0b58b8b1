package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/suPer8Hu/tenant-chat/internal/ai"
	"github.com/suPer8Hu/tenant-chat/internal/events"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"github.com/suPer8Hu/tenant-chat/internal/testutil"
	"github.com/suPer8Hu/tenant-chat/internal/usage"
)

// scriptedProvider streams fixed chunks, then reports usage or err. When gate is set it
// waits for it to close before emitting anything.
type scriptedProvider struct {
	mu     sync.Mutex
	last   ai.Request
	calls  int
	chunks []string
	prompt int
	compl  int
	err    error
	gate   chan struct{}
	stall  bool // after the first chunk, block until ctx is done
}

func (p *scriptedProvider) record(req ai.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = req
	p.last.Messages = append([]ai.Message(nil), req.Messages...)
}

func (p *scriptedProvider) lastRequest() ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *scriptedProvider) Chat(ctx context.Context, req ai.Request) (ai.Completion, error) {
	p.record(req)
	return ai.Completion{Text: "ok"}, nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan ai.StreamResult) {
	p.record(req)
	chunks := make(chan string)
	res := make(chan ai.StreamResult, 1)
	go func() {
		defer close(chunks)
		defer close(res)
		if p.gate != nil {
			<-p.gate
		}
		var text string
		for i, c := range p.chunks {
			select {
			case chunks <- c:
				text += c
			case <-ctx.Done():
				res <- ai.StreamResult{Completion: ai.Completion{Text: text}, Err: ctx.Err()}
				return
			}
			if p.stall && i == 0 {
				<-ctx.Done()
				res <- ai.StreamResult{Completion: ai.Completion{Text: text}, Err: ctx.Err()}
				return
			}
		}
		res <- ai.StreamResult{
			Completion: ai.Completion{Text: text, PromptTokens: p.prompt, CompletionTokens: p.compl},
			Err:        p.err,
		}
	}()
	return chunks, res
}

type fakeJobs struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeJobs) PublishJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
	return nil
}

func (f *fakeJobs) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeEvents struct {
	mu  sync.Mutex
	got []events.Event
}

func (f *fakeEvents) Publish(ctx context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e)
	return nil
}

type testEnv struct {
	db     *gorm.DB
	repo   *Repo
	svc    *Service
	prov   *scriptedProvider
	sink   *usage.Sink
	jobs   *fakeJobs
	events *fakeEvents
}

func newEnv(t *testing.T, window int) *testEnv {
	t.Helper()
	db := testutil.OpenDB(t, &BookkeepingJob{})
	testutil.SeedTenant(t, db, "T1")

	prov := &scriptedProvider{chunks: []string{"Hel", "lo"}, prompt: 7, compl: 5}
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	pricing, err := usage.NewPricing(usage.DefaultModel)
	require.NoError(t, err)
	sink := usage.NewSink(db, pricing)
	repo := NewRepo(db)
	jobs := &fakeJobs{}
	ev := &fakeEvents{}

	svc := NewService(repo, tenant.NewResolver(tenant.NewRepo(db), tenant.DefaultFallback()), ai.NewGateway(reg), sink, Options{
		ContextWindowSize: window,
		MaxMessageChars:   200,
		Jobs:              jobs,
		Events:            ev,
		Logger:            zaptest.NewLogger(t),
	})
	return &testEnv{db: db, repo: repo, svc: svc, prov: prov, sink: sink, jobs: jobs, events: ev}
}

// collect drains a turn and returns the streamed text and the final result.
func collect(t *testing.T, turn *Turn) (string, TurnResult) {
	t.Helper()
	var text string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-turn.Chunks:
			if !ok {
				select {
				case r := <-turn.Result:
					return text, r
				case <-timeout:
					t.Fatal("timed out waiting for turn result")
				}
			}
			text += c
		case <-timeout:
			t.Fatal("timed out waiting for chunks")
		}
	}
}
