package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient talks to the Gemini API through the generative-ai-go SDK. The
// SDK client is created lazily on first use and shared afterwards.
type GeminiClient struct {
	APIKey string
	Model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

func (c *GeminiClient) init() error {
	c.once.Do(func() {
		// the SDK client outlives any single request
		c.client, c.initErr = genai.NewClient(context.Background(), option.WithAPIKey(c.APIKey))
	})
	return c.initErr
}

func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.init(); err != nil {
		return nil, &ProviderError{Provider: "gemini", Kind: KindAuth, Err: err}
	}
	name := req.Model
	if name == "" {
		name = c.Model
	}
	if len(req.Messages) == 0 {
		return nil, &ProviderError{Provider: "gemini", Kind: KindBadRequest, Err: errors.New("no messages")}
	}
	model := c.client.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SetTemperature(float32(req.Temperature))

	cs := model.StartChat()
	last := req.Messages[len(req.Messages)-1]
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return nil, geminiError(err)
	}
	text := firstText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, &ProviderError{Provider: "gemini", Kind: KindEmpty, Err: errors.New("no candidates")}
	}
	out := &Response{Text: text, Model: name}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// Close releases the SDK client if one was created.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func geminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &ProviderError{Provider: "gemini", Kind: kindForStatus(gerr.Code), Status: gerr.Code, Err: err}
	}
	return transportError("gemini", err)
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}
