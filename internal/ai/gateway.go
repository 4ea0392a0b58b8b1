package ai

import (
	"context"
	"errors"
	"strings"
)

// Gateway turns a resolved request into a token stream and a final usage summary. It
// knows nothing about conversations, tenants or persistence.
type Gateway struct {
	registry *Registry
}

func NewGateway(registry *Registry) *Gateway {
	return &Gateway{registry: registry}
}

// Stream starts a completion on the named provider. The chunk channel is closed after the
// single StreamResult has been sent. Cancelling ctx aborts the upstream call; the result
// then carries ctx.Err() unwrapped so callers can tell a disconnect from a provider fault.
func (g *Gateway) Stream(ctx context.Context, provider string, req Request) (<-chan string, <-chan StreamResult) {
	out := make(chan string, 16)
	res := make(chan StreamResult, 1)

	go func() {
		defer close(out)
		defer close(res)

		p, err := g.registry.Get(ctx, provider, req.Model)
		if err != nil {
			res <- StreamResult{Err: &ProviderError{Provider: provider, Err: err}}
			return
		}

		sp, ok := p.(StreamProvider)
		if !ok {
			res <- g.chatOnce(ctx, provider, p, req, out)
			return
		}

		pChunks, pRes := sp.StreamChat(ctx, req)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case out <- c:
			case <-ctx.Done():
				// keep draining so the provider goroutine can exit
			}
		}

		final, ok := <-pRes
		if !ok {
			final = StreamResult{Err: errors.New("stream ended without result")}
		}
		if final.Text == "" {
			final.Text = b.String()
		}
		res <- g.finish(ctx, provider, req, final)
	}()

	return out, res
}

func (g *Gateway) chatOnce(ctx context.Context, provider string, p Provider, req Request, out chan<- string) StreamResult {
	c, err := p.Chat(ctx, req)
	if err == nil && c.Text != "" {
		select {
		case out <- c.Text:
		case <-ctx.Done():
		}
	}
	return g.finish(ctx, provider, req, StreamResult{Completion: c, Err: err})
}

// finish classifies the error and backfills token counts the provider did not report.
func (g *Gateway) finish(ctx context.Context, provider string, req Request, r StreamResult) StreamResult {
	if r.Err == nil && ctx.Err() != nil {
		r.Err = ctx.Err()
	}
	if r.Err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.Err = ctxErr
		} else {
			var pe *ProviderError
			if !errors.As(r.Err, &pe) {
				r.Err = &ProviderError{Provider: provider, Err: r.Err}
			}
		}
	}
	if r.PromptTokens == 0 {
		r.PromptTokens = EstimatePromptTokens(req.Messages)
	}
	if r.CompletionTokens == 0 && r.Text != "" {
		r.CompletionTokens = EstimateTokens(r.Text)
	}
	return r
}
