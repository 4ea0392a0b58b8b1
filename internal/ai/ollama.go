package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
	// StreamClient has no global timeout; ctx bounds streaming calls.
	StreamClient *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:      baseURL,
		Model:        model,
		Client:       &http.Client{Timeout: 90 * time.Second},
		StreamClient: &http.Client{},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func (p *OllamaProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.Model
}

// body builds the /api/chat payload. Temperature, max tokens and extra params go into
// "options"; provider options (keep_alive, ...) sit at the top level.
func (p *OllamaProvider) body(req Request, stream bool) ([]byte, error) {
	msgs := make([]ollamaMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMsg{Role: m.Role, Content: m.Content})
	}

	options := map[string]any{}
	for k, v := range req.Params {
		options[k] = v
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}

	payload := map[string]any{}
	for k, v := range req.ProviderOptions {
		payload[k] = v
	}
	payload["model"] = p.model(req)
	payload["messages"] = msgs
	payload["stream"] = stream
	if len(options) > 0 {
		payload["options"] = options
	}
	if f := ollamaFormat(req.ResponseFormat); f != nil {
		payload["format"] = f
	}
	return json.Marshal(payload)
}

// ollamaFormat maps an OpenAI-style response_format onto Ollama's "format".
func ollamaFormat(rf map[string]any) any {
	if len(rf) == 0 {
		return nil
	}
	if schema, ok := rf["schema"]; ok {
		return schema
	}
	if t, _ := rf["type"].(string); t == "json_object" || t == "json_schema" {
		return "json"
	}
	return nil
}

func (p *OllamaProvider) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	b, err := p.body(req, stream)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req Request) (Completion, error) {
	if p.Client == nil {
		return Completion{}, errors.New("ollama: http client is nil")
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
		return Completion{}, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != "" {
		return Completion{}, errors.New(decoded.Error)
	}
	return Completion{
		Text:             decoded.Message.Content,
		PromptTokens:     decoded.PromptEvalCount,
		CompletionTokens: decoded.EvalCount,
	}, nil
}

// StreamChat streams NDJSON chunks from /api/chat. Usage counts come from the final
// "done" line.
func (p *OllamaProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan StreamResult) {
	chunks := make(chan string, 16)
	results := make(chan StreamResult, 1)

	go func() {
		defer close(chunks)
		defer close(results)

		var final StreamResult
		fail := func(err error) { final.Err = err; results <- final }

		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		if client == nil {
			fail(errors.New("ollama: http client is nil"))
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
			fail(fmt.Errorf("ollama: status %d", resp.StatusCode))
			return
		}

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		var text bytes.Buffer
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				final.Text = text.String()
				fail(err)
				return
			}
			if decoded.Error != "" {
				final.Text = text.String()
				fail(errors.New(decoded.Error))
				return
			}

			if c := decoded.Message.Content; c != "" {
				text.WriteString(c)
				select {
				case chunks <- c:
				case <-ctx.Done():
					final.Text = text.String()
					fail(ctx.Err())
					return
				}
			}

			if decoded.Done {
				final.Text = text.String()
				final.PromptTokens = decoded.PromptEvalCount
				final.CompletionTokens = decoded.EvalCount
				results <- final
				return
			}
		}

		final.Text = text.String()
		if err := sc.Err(); err != nil {
			fail(err)
			return
		}
		fail(errors.New("ollama: stream ended before done"))
	}()

	return chunks, results
}
