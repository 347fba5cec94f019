package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quorralabs/warden/internal/config"
	"github.com/quorralabs/warden/internal/session"
)

const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"

	anthropicBaseURL = "https://api.anthropic.com"
	openAIBaseURL    = "https://api.openai.com"
	anthropicVersion = "2023-06-01"
)

const systemPrompt = `You are warden, a coding assistant confined to a sandboxed workspace.
To use a tool, put one of these on its own line in your reply:
/read <path>
/write <path> <content>
/run <command>
Paths are relative to the workspace. Every action is reviewed before it runs. Otherwise answer in plain text.`

// apiProvider calls a chat completion HTTP API and maps the reply text
// onto tool uses.
type apiProvider struct {
	kind      string
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

func newAPIProvider(cfg *config.Config) (*apiProvider, error) {
	kind := cfg.Provider.Type
	if kind == "" {
		kind = providerAnthropic
	}

	baseURL := cfg.Provider.BaseURL
	switch kind {
	case providerAnthropic:
		if baseURL == "" {
			baseURL = anthropicBaseURL
		}
	case providerOpenAI:
		if baseURL == "" {
			baseURL = openAIBaseURL
		}
	default:
		return nil, fmt.Errorf("unknown provider type %q", kind)
	}

	model := cfg.Agent.Model
	if model == "" {
		model = config.DefaultModel
	}
	maxTokens := cfg.Agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}

	return &apiProvider{
		kind:      kind,
		apiKey:    cfg.Provider.APIKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages folds the session event log into an alternating chat
// transcript. Tool calls already appear in the preceding assistant
// message; tool results come back as user turns.
func buildMessages(history []session.Event) []chatMessage {
	var msgs []chatMessage
	push := func(role, content string) {
		if content == "" {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + content
			return
		}
		msgs = append(msgs, chatMessage{Role: role, Content: content})
	}
	for _, ev := range history {
		switch ev.Kind {
		case session.EventUserMessage:
			push("user", ev.Payload)
		case session.EventAssistantMessage:
			push("assistant", ev.Payload)
		case session.EventToolCall:
			push("assistant", ev.Payload)
		case session.EventToolResult:
			push("user", "tool result:\n"+ev.Payload)
		}
	}
	return msgs
}

func (p *apiProvider) Complete(ctx context.Context, history []session.Event, prompt string) (*Reply, error) {
	msgs := buildMessages(history)
	if len(msgs) == 0 {
		msgs = []chatMessage{{Role: "user", Content: prompt}}
	}

	var text string
	var err error
	switch p.kind {
	case providerOpenAI:
		text, err = p.completeOpenAI(ctx, msgs)
	default:
		text, err = p.completeAnthropic(ctx, msgs)
	}
	if err != nil {
		return nil, err
	}

	uses, rest := parseToolUses(text)
	if len(uses) > 0 {
		return &Reply{Text: rest, ToolUses: uses}, nil
	}
	return &Reply{Text: text}, nil
}

func (p *apiProvider) completeAnthropic(ctx context.Context, msgs []chatMessage) (string, error) {
	body := map[string]any{
		"model":      p.model,
		"max_tokens": p.maxTokens,
		"system":     systemPrompt,
		"messages":   msgs,
	}
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := p.post(ctx, "/v1/messages", headers, body, &parsed); err != nil {
		return "", err
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

func (p *apiProvider) completeOpenAI(ctx context.Context, msgs []chatMessage) (string, error) {
	all := append([]chatMessage{{Role: "system", Content: systemPrompt}}, msgs...)
	body := map[string]any{
		"model":      p.model,
		"max_tokens": p.maxTokens,
		"messages":   all,
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}
	if err := p.post(ctx, "/v1/chat/completions", headers, body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *apiProvider) post(ctx context.Context, path string, headers map[string]string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func (p *apiProvider) Close() {
	p.client.CloseIdleConnections()
}
