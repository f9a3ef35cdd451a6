package ocr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultPrompt = "The image is a verification code. Reply with the characters it shows and nothing else."

// OpenAIConfig configures the vision recognizer
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Prompt    string
}

// OpenAIRecognizer reads challenge images with a vision-capable chat model
type OpenAIRecognizer struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	prompt    string
	logger    *zap.Logger
}

func NewOpenAIRecognizer(cfg OpenAIConfig, logger *zap.Logger) *OpenAIRecognizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 16
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	return &OpenAIRecognizer{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		prompt:    cfg.Prompt,
		logger:    logger,
	}
}

func (r *OpenAIRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("ocr: empty image")
	}
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := r.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: r.prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		MaxTokens:   r.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		r.logger.Error("Failed to get OCR response", zap.Error(err))
		return "", fmt.Errorf("ocr: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("ocr: empty response")
	}

	text := Clean(strings.TrimSpace(resp.Choices[0].Message.Content))
	r.logger.Debug("Recognized challenge", zap.String("text", text))
	return text, nil
}
