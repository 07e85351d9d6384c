package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
)

type AnthropicClient struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, map[string]any{
			"role":    role,
			"content": []map[string]string{{"type": "text", "text": m.Content}},
		})
	}
	body := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"messages":    msgs,
		"temperature": req.Temperature,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := c.postJSON(ctx, body, &resp); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, part := range resp.Content {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, &ProviderError{Provider: "anthropic", Kind: KindEmpty, Err: errors.New("no content")}
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return &Response{
		Text:  text.String(),
		Model: resp.Model,
		Usage: Usage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
	}, nil
}

func (c *AnthropicClient) postJSON(ctx context.Context, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: "anthropic", Kind: KindBadRequest, Err: err}
	}
	url := c.BaseURL
	if url == "" {
		url = os.Getenv("ANTHROPIC_API_URL")
	}
	if url == "" {
		url = "https://api.anthropic.com/v1/messages"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return &ProviderError{Provider: "anthropic", Kind: KindBadRequest, Err: err}
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: clientTimeout()}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return transportError("anthropic", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var eresp map[string]any
		_ = json.NewDecoder(res.Body).Decode(&eresp)
		return statusError("anthropic", res.StatusCode, eresp)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &ProviderError{Provider: "anthropic", Kind: KindUnavailable, Err: err}
	}
	return nil
}
