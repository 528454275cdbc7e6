// Package openai streams answers from OpenAI compatible chat completion endpoints.
package openai

import (
	"context"
	"io"
	"net/http"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"
)

const DefaultModel = goopenai.GPT4oMini

type Client struct {
	api       *goopenai.Client
	model     string
	maxTokens int
}

var _ client.Client = &Client{}

type Settings struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

func New(s Settings) *Client {
	cfg := goopenai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	if s.HTTPClient != nil {
		cfg.HTTPClient = s.HTTPClient
	}
	model := s.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), model: model, maxTokens: s.MaxTokens}
}

func (c *Client) chatRequest(req client.Request) goopenai.ChatCompletionRequest {
	var msgs []goopenai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages() {
		role := goopenai.ChatMessageRoleUser
		if m.Role == client.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  msgs,
		Stream:    true,
	}
}

func (c *Client) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	chatReq := c.chatRequest(req)
	return client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return classify(ctx, err)
		}
		defer func() { _ = stream.Close() }()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return classify(ctx, err)
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if err := emit.Chunk(choice.Delta.Content); err != nil {
					return err
				}
			}
		}
	}), nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return failure.Wrap(failure.TransportFailure, err, apiErr.Message)
		}
		return failure.Wrap(failure.BackendError, err, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return failure.Wrap(failure.TransportFailure, err, "openai request failed")
	}
	return failure.Wrap(failure.TransportFailure, err, "openai stream failed")
}
