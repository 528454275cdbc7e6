// Package anthropic streams answers from the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/client/sse"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

var _ client.Client = &Client{}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithModel(m string) Option {
	return func(c *Client) {
		if m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []client.Message `json:"messages"`
	Stream    bool             `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	if c.apiKey == "" {
		return nil, failure.New(failure.BackendError, "ANTHROPIC_API_KEY not configured")
	}
	payload, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    req.SystemPrompt,
		Messages:  req.Messages(),
		Stream:    true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode messages request")
	}

	return client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, "build messages request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return failure.Wrap(failure.TransportFailure, err, "anthropic unreachable")
		}
		defer func() { _ = resp.Body.Close() }()
		if err := sse.CheckStatus(resp); err != nil {
			return err
		}
		return pump(ctx, resp.Body, emit)
	}), nil
}

func pump(ctx context.Context, body io.Reader, emit *client.Emitter) error {
	r := sse.NewReader(body)
	for {
		f, err := r.Next()
		if err == io.EOF {
			return failure.New(failure.TransportFailure, "anthropic stream ended before message_stop")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.Wrap(failure.TransportFailure, err, "read anthropic stream")
		}
		switch f.Data {
		case "":
			continue
		case "[DONE]":
			return nil
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			if err := emit.Chunk(ev.Delta.Text); err != nil {
				return err
			}
		case "message_stop":
			return nil
		case "error":
			msg := ev.Error.Message
			if msg == "" {
				msg = ev.Error.Type
			}
			if ev.Error.Type == "overloaded_error" {
				return failure.Newf(failure.TransportFailure, "Claude API error: %s", msg)
			}
			return failure.Newf(failure.BackendError, "Claude API error: %s", msg)
		}
	}
}
