package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
	// StreamClient has no global timeout; ctx bounds streaming calls.
	StreamClient *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		SiteURL:      siteURL,
		AppName:      appName,
		Client:       &http.Client{Timeout: 90 * time.Second},
		StreamClient: &http.Client{},
	}
}

// body builds an OpenAI-compatible chat/completions payload. Extra params are merged at
// the top level; provider options become OpenRouter's "provider" routing object.
func (p *OpenRouterProvider) body(req Request, stream bool) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	msgs := make([]openRouterMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openRouterMsg{Role: m.Role, Content: m.Content})
	}

	payload := map[string]any{}
	for k, v := range req.Params {
		payload[k] = v
	}
	payload["model"] = model
	payload["messages"] = msgs
	payload["stream"] = stream
	payload["usage"] = map[string]any{"include": true}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if len(req.ProviderOptions) > 0 {
		payload["provider"] = req.ProviderOptions
	}
	if len(req.ResponseFormat) > 0 {
		payload["response_format"] = req.ResponseFormat
	}
	return json.Marshal(payload)
}

func (p *OpenRouterProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	b, err := p.body(req, stream)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}
	return httpReq, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openrouter: %s", msg)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, req Request) (Completion, error) {
	if p.Client == nil {
		return Completion{}, errors.New("openrouter: http client is nil")
	}
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return Completion{}, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Completion{}, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, errors.New("openrouter: empty response")
	}
	out := Completion{Text: decoded.Choices[0].Message.Content}
	if decoded.Usage != nil {
		out.PromptTokens = decoded.Usage.PromptTokens
		out.CompletionTokens = decoded.Usage.CompletionTokens
	}
	return out, nil
}

// StreamChat streams assistant content chunks via SSE. OpenRouter reports usage on the
// last data frame before [DONE].
func (p *OpenRouterProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan StreamResult) {
	chunks := make(chan string, 16)
	results := make(chan StreamResult, 1)

	go func() {
		defer close(chunks)
		defer close(results)

		var final StreamResult
		var text strings.Builder
		fail := func(err error) {
			final.Text = text.String()
			final.Err = err
			results <- final
		}

		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		if client == nil {
			fail(errors.New("openrouter: http client is nil"))
			return
		}

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			fail(err)
			return
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			fail(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			fail(statusError(resp))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				final.Text = text.String()
				results <- final
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				fail(err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				fail(errors.New(decoded.Error.Message))
				return
			}
			if decoded.Usage != nil {
				final.PromptTokens = decoded.Usage.PromptTokens
				final.CompletionTokens = decoded.Usage.CompletionTokens
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			select {
			case chunks <- delta:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}

		if err := sc.Err(); err != nil {
			fail(err)
			return
		}
		fail(errors.New("openrouter: stream ended before [DONE]"))
	}()

	return chunks, results
}
