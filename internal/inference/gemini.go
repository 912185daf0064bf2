package inference

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

// GeminiGateway talks to the Gemini API.
type GeminiGateway struct {
	Client    *genai.Client
	Model     string
	MaxTokens int32
}

func NewGemini(ctx context.Context, apiKey, model string) (*GeminiGateway, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiGateway{Client: client, Model: model, MaxTokens: 1000}, nil
}

func (g *GeminiGateway) Complete(ctx context.Context, p Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: g.MaxTokens}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := g.Client.Models.GenerateContent(ctx, g.Model, genai.Text(p.User), cfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}
