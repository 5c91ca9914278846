package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// Gemini invokes the Google GenAI API.
type Gemini struct {
	client *genai.Client
	log    *zap.Logger
}

func NewGemini(ctx context.Context, apiKey string, log *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, log: log}, nil
}

func (g *Gemini) Complete(ctx context.Context, prompt string, cfg Config) (string, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	temperature := cfg.Temperature

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no candidates returned")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("empty completion")
	}

	g.log.Debug("GenAI completion",
		zap.String("model", model),
		zap.Int("prompt_len", len(prompt)),
		zap.Int("reply_len", len(text)),
	)
	return text, nil
}
