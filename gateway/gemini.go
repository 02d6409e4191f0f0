package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini backend
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string // Optional endpoint override
}

// Gemini answers queries with the Gemini generateContent API
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client for the Gemini API
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: cfg.Model}, nil
}

func (g *Gemini) Answer(ctx context.Context, query, imageB64 string) string {
	parts := []*genai.Part{genai.NewPartFromText(query)}

	if imageB64 != "" {
		data, err := base64.StdEncoding.DecodeString(imageB64)
		if err != nil {
			return ErrorText(fmt.Errorf("invalid image: %w", err))
		}
		parts = append(parts, genai.NewPartFromBytes(data, http.DetectContentType(data)))
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   maxTokens,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, config)
	if err != nil {
		log.Printf("⚠️ Gemini query error: %v", err)
		return ErrorText(err)
	}

	return resp.Text()
}
