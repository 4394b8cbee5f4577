package gemini

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"github.com/bme-official/withu-mirai/src/services"
)

// Chat produces assistant replies using Google Gemini, keeping the
// conversation history so replies stay contextual across turns.
type Chat struct {
	client      *genai.Client
	model       string
	temperature float32
	system      string

	mu      sync.Mutex
	history []*genai.Content
}

// Config holds configuration for Gemini.
type Config struct {
	APIKey       string
	Model        string // e.g. "gemini-2.0-flash"
	Temperature  float32
	SystemPrompt string // persona instructions for the companion
}

// NewChat creates a Gemini-backed chat service.
func NewChat(ctx context.Context, config Config) (*Chat, error) {
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	return &Chat{
		client:      client,
		model:       config.Model,
		temperature: config.Temperature,
		system:      config.SystemPrompt,
	}, nil
}

// SetSystemPrompt replaces the persona instructions.
func (c *Chat) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.system = prompt
	c.mu.Unlock()
}

// ClearContext drops the accumulated conversation history.
func (c *Chat) ClearContext() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// classifyErr separates retryable provider failures from permanent
// ones. Rate limits, server errors and transport failures come back as
// TransientError; bad requests, auth failures and canceled contexts do
// not.
func classifyErr(err error) error {
	wrapped := fmt.Errorf("gemini: %w", err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return &services.TransientError{Err: wrapped}
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	// no API response at all: a network-level failure
	return &services.TransientError{Err: wrapped}
}

// Reply sends the user text with full history and records the exchange.
func (c *Chat) Reply(ctx context.Context, userText string, mode services.InputMode) (services.ChatReply, error) {
	c.mu.Lock()
	contents := make([]*genai.Content, len(c.history), len(c.history)+1)
	copy(contents, c.history)
	system := c.system
	c.mu.Unlock()

	contents = append(contents, genai.NewContentFromText(userText, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return services.ChatReply{}, classifyErr(err)
	}

	text := result.Text()
	if text == "" {
		return services.ChatReply{}, fmt.Errorf("gemini: empty response")
	}
	log.Printf("[GeminiChat] Reply (%s input): %d chars", mode, len(text))

	c.mu.Lock()
	c.history = append(c.history,
		genai.NewContentFromText(userText, genai.RoleUser),
		genai.NewContentFromText(text, genai.RoleModel),
	)
	c.mu.Unlock()

	return services.ChatReply{Text: text}, nil
}
