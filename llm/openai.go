package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Default models match the production deployment: a full-size model for
// conversation turns, a cheaper one for memory extraction, and the
// small embedding model (1536 dimensions).
const (
	DefaultChatModel      = openai.GPT4o
	DefaultSummaryModel   = openai.GPT4oMini
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)

	defaultTemperature = 0.7
	defaultMaxTokens   = 4000
)

// OpenAIClient is the go-openai backed Client for one upstream account.
type OpenAIClient struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
}

// Verify that OpenAIClient implements the Client interface.
var _ Client = (*OpenAIClient)(nil)

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithChatModel overrides the default chat model.
func WithChatModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.chatModel = model
		}
	}
}

// WithEmbeddingModel overrides the default embedding model.
func WithEmbeddingModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// NewOpenAIClient creates a Client backed by one OpenAI API key.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		client:         openai.NewClient(apiKey),
		chatModel:      DefaultChatModel,
		embeddingModel: DefaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete generates a single chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *ChatRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.chatModel
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed converts text to an embedding vector.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embedding data")
	}
	return resp.Data[0].Embedding, nil
}

// convertMessages converts provider-neutral messages to OpenAI format.
//
// OpenAI expects role to be "system", "user", "assistant", or "tool";
// anything else is mapped to "assistant".
func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case "system", "user", "assistant", "tool":
		default:
			role = "assistant"
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}
