// Package llm wraps the Gemini SDK behind a small chat interface so the
// pipeline components can be tested against stubs.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"google.golang.org/genai"

	"newsdesk/internal/config"
)

const (
	// DefaultModel is the default Gemini model used for extraction,
	// arbitration, and labeling calls.
	DefaultModel = "gemini-flash-lite-latest"

	// RoleSystem and RoleUser are the message roles the pipeline sends.
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chatter is the chat surface the pipeline components depend on. Tests
// substitute stub implementations.
type Chatter interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Client is the Gemini-backed Chatter.
type Client struct {
	apiKey    string
	modelName string
	gClient   *genai.Client
}

// NewClient creates a new LLM client.
// It supports multiple ways to get the API key (in order of preference):
// 1. Configuration: ai.api_key
// 2. Environment variables: GEMINI_API_KEY (or alternatives)
func NewClient(cfg *config.Config) (*Client, error) {
	apiKey := ""
	modelName := DefaultModel
	if cfg != nil {
		apiKey = cfg.AI.APIKey
		if cfg.AI.Model != "" {
			modelName = cfg.AI.Model
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		if apiKey = os.Getenv("GOOGLE_AI_API_KEY"); apiKey == "" {
			apiKey = viper.GetString("ai.api_key")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key is required. Set GEMINI_API_KEY or ai.api_key in config file")
	}

	ctx := context.Background()
	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		apiKey:    apiKey,
		modelName: modelName,
		gClient:   gClient,
	}, nil
}

// Chat sends system+user messages and returns the model's text. System
// turns are folded into the generation config; everything else becomes
// content parts in order.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	var system strings.Builder
	var contents []*genai.Content
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: m.Content}},
			Role:  "user",
		})
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("chat requires at least one user message")
	}

	var cfg *genai.GenerateContentConfig
	if system.Len() > 0 {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: system.String()}},
			},
		}
	}

	resp, err := c.gClient.Models.GenerateContent(ctx, c.modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// CleanJSON strips markdown code fences and a leading "json" language tag
// from a model response so it can be unmarshalled. Models wrap JSON in
// fences even when told not to.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(s)
}
