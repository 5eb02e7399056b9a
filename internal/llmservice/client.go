package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"compactbot/internal/config"
	"compactbot/internal/models"
)

// Fragment is one piece of a streamed answer. A fragment carrying Err is the
// last one sent; a closed channel marks the end of the stream.
type Fragment struct {
	Text string
	Err  error
}

// NewChatModel creates the chat model selected by llmConfig.Provider.
func NewChatModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Interface("config", map[string]any{
		"provider":    llmConfig.Provider,
		"base_url":    llmConfig.BaseURL,
		"model":       llmConfig.Model,
		"temperature": llmConfig.Temperature,
	}).Msg("Creating chat model")

	switch llmConfig.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai client: %w", err)
		}
		return llm, nil
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unknown chat provider %q", models.ErrInvalidConfig, llmConfig.Provider)
	}
}

// Client sends assembled prompts to a chat model under the fixed system
// message. There is no retry.
type Client struct {
	llm         llms.Model
	temperature float64
}

func NewClient(llm llms.Model, temperature float64) *Client {
	return &Client{llm: llm, temperature: temperature}
}

// Model exposes the underlying chat model for chains.
func (c *Client) Model() llms.Model {
	return c.llm
}

func (c *Client) Temperature() float64 {
	return c.temperature
}

func messages(prompt string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
}

// Complete blocks until the full answer is available.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.llm.GenerateContent(ctx, messages(prompt), llms.WithTemperature(c.temperature))
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrCompletion, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", models.ErrCompletion)
	}
	return resp.Choices[0].Content, nil
}

// Stream delivers the answer as it is generated. Cancelling ctx stops delivery
// and closes the channel.
func (c *Client) Stream(ctx context.Context, prompt string) <-chan Fragment {
	return StreamFrom(ctx, func(ctx context.Context, sink func(context.Context, []byte) error) error {
		_, err := c.llm.GenerateContent(ctx, messages(prompt),
			llms.WithTemperature(c.temperature),
			llms.WithStreamingFunc(sink),
		)
		return err
	})
}

// StreamFrom runs generate in its own goroutine and forwards every chunk it
// hands to sink as a Fragment. A generate error is reported as a final
// Fragment wrapping models.ErrCompletion.
func StreamFrom(ctx context.Context, generate func(ctx context.Context, sink func(context.Context, []byte) error) error) <-chan Fragment {
	out := make(chan Fragment)

	go func() {
		defer close(out)

		sink := func(ctx context.Context, chunk []byte) error {
			select {
			case out <- Fragment{Text: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := generate(ctx, sink)
		if err == nil {
			return
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			log.Debug().Err(err).Msg("Stream cancelled")
			return
		}
		select {
		case out <- Fragment{Err: fmt.Errorf("%w: %w", models.ErrCompletion, err)}:
		case <-ctx.Done():
		}
	}()

	return out
}

// Collect drains a stream into the full answer.
func Collect(stream <-chan Fragment) (string, error) {
	var sb strings.Builder
	for f := range stream {
		if f.Err != nil {
			return sb.String(), f.Err
		}
		sb.WriteString(f.Text)
	}
	return sb.String(), nil
}
