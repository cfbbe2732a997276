package openai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/campuskb/campuskb/config"
)

// Provider implements provider.Embedder and provider.Generator on top of the
// OpenAI-compatible API.
type Provider struct {
	client         *goopenai.Client
	embeddingModel string
	chatModel      string
	temperature    float64
	maxTokens      int
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *log.Logger
}

func New(cfg config.ProviderConfig, logger *log.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider api key is required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[PROVIDER] ", log.LstdFlags)
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	return &Provider{
		client:         goopenai.NewClientWithConfig(clientCfg),
		embeddingModel: cfg.EmbeddingModel,
		chatModel:      cfg.CompletionModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxRetries:     maxRetries,
		retryBaseDelay: baseDelay,
		logger:         logger,
	}, nil
}

// Embed returns one vector per input text. Rate-limit responses are retried
// with doubling backoff; any other failure is returned immediately.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if attempt > 1 {
			delay := p.retryBaseDelay * time.Duration(1<<(attempt-2))
			p.logger.Printf("embedding rate limited, retrying in %s (attempt %d/%d)", delay, attempt, p.maxRetries)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
			Model: goopenai.EmbeddingModel(p.embeddingModel),
			Input: texts,
		})
		if err != nil {
			lastErr = err
			if isRateLimited(err) {
				continue
			}
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Data), len(texts))
		}
		out := make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			out[i] = d.Embedding
		}
		return out, nil
	}
	return nil, fmt.Errorf("create embeddings: rate limited after %d attempts: %w", p.maxRetries, lastErr)
}

func (p *Provider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       p.chatModel,
		Temperature: float32(p.temperature),
		MaxTokens:   p.maxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func isRateLimited(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
