package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI backend
type OpenAIConfig struct {
	APIKey  string
	Model   string
	Options []option.RequestOption // Extra client options, e.g. a base URL
}

// OpenAI answers queries with the chat completions API
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates a chat completions client
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (o *OpenAI) Answer(ctx context.Context, query, imageB64 string) string {
	content := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(query)}

	if imageB64 != "" {
		data, err := base64.StdEncoding.DecodeString(imageB64)
		if err != nil {
			return ErrorText(fmt.Errorf("invalid image: %w", err))
		}
		url := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(data), imageB64)
		content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(content),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(maxTokens),
	})
	if err != nil {
		log.Printf("⚠️ OpenAI query error: %v", err)
		return ErrorText(err)
	}

	if len(resp.Choices) == 0 {
		return ErrorText(errors.New("empty completion"))
	}
	return resp.Choices[0].Message.Content
}
